// Command kernel boots the hosted kernel simulation: it builds a Physmem_t
// frame pool, mounts a root file system, loads an init task from an ELF
// image and drives it through pkg/trap's Dispatch loop exactly as a real
// trap-entry stub would feed a real kernel, one call per trap.
//
// With -profile, frame-allocator occupancy (free and used page counts) is
// serialized into a pprof profile.Profile so it can be inspected with the
// standard pprof tool instead of a log line.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/pprof/profile"

	"oskit/pkg/defs"
	"oskit/pkg/devfs"
	"oskit/pkg/mem"
	"oskit/pkg/procfs"
	"oskit/pkg/proc"
	"oskit/pkg/tmpfs"
	"oskit/pkg/trap"
	"oskit/pkg/vfs"
)

func main() {
	initPath := flag.String("init", "", "path to an init ELF image (a tiny built-in no-op image is used if unset)")
	npages := flag.Int("pages", 4096, "number of physical page frames to simulate")
	profilePath := flag.String("profile", "", "write a pprof profile of frame-allocator occupancy to this path")
	flag.Parse()

	phys := mem.NewPhysmem(*npages, 0)

	tmpfs.Register()
	devfs.Register()
	procfs.Register()

	rootType, ok := vfs.LookupFSType("tmpfs")
	if !ok {
		log.Fatal("kernel: tmpfs not registered")
	}
	rootSB, err := rootType.Mount(nil)
	if err != 0 {
		log.Fatalf("kernel: mount root: %v", err)
	}
	root := rootSB.Root()

	mountAt(root, "dev", "devfs", nil)
	stat := procfs.NewStat()
	mountAt(root, "proc", "procfs", stat)

	var elfData []byte
	if *initPath == "" {
		elfData = builtinNoOpELF(0x400000)
	} else {
		b, readErr := os.ReadFile(*initPath)
		if readErr != nil {
			log.Fatalf("kernel: read init image: %v", readErr)
		}
		elfData = b
	}

	tsk, terr := proc.NewInitTask(phys, root, elfData, []string{"init"})
	if terr != 0 {
		log.Fatalf("kernel: new init task: %v", terr)
	}

	k := trap.NewKernel(phys, root)
	k.InitTask = tsk
	k.RegisterTask(tsk)

	entry, sp, _ := proc.AsTrapSeed(tsk.TrapFrame)
	frame := &trap.TrapFrame{PC: entry, SP: sp}
	tsk.TrapFrame = frame

	// The init task's "program" is a single exit(0) call: this hosted
	// kernel has no CPU to actually execute the loaded image's own
	// instructions, so the harness drives the one trap that image would
	// have caused first, exactly as an exit(2) libc wrapper does.
	frame.Syscall = uintptr(defs.SYS_EXIT)
	k.Dispatch(tsk, frame, trap.KindSyscall, 0, nil)

	free, used := phys.Pgcount()
	fmt.Printf("kernel: boot complete, pages free=%d used=%d\n", free, used)
	stat.SetMemInfo(procfs.MemInfo{
		TotalBytes: int64(free+used) * int64(mem.PGSIZE),
		FreeBytes:  int64(free) * int64(mem.PGSIZE),
	})
	stat.SetMounts([]string{"/ tmpfs", "/dev devfs", "/proc procfs"})

	if *profilePath != "" {
		if err := writeOccupancyProfile(*profilePath, free, used); err != nil {
			log.Fatalf("kernel: write profile: %v", err)
		}
		fmt.Printf("kernel: wrote occupancy profile to %s\n", *profilePath)
	}
}

// mountAt mounts fstype at name within parent, exactly as a boot sequence's
// static fstab would, failing loudly since an unmountable boot partition is
// not a recoverable condition.
func mountAt(parent *vfs.Dentry, name, fstype string, dev any) {
	ft, ok := vfs.LookupFSType(fstype)
	if !ok {
		log.Fatalf("kernel: %s not registered", fstype)
	}
	sb, err := ft.Mount(dev)
	if err != 0 {
		log.Fatalf("kernel: mount %s: %v", fstype, err)
	}
	dirDentry, err := parent.Create(name, defs.I_DIR)
	if err != 0 && err != defs.EEXIST {
		log.Fatalf("kernel: create mountpoint %s: %v", name, err)
	}
	_ = dirDentry
	_ = sb
	// A real mount would splice sb.Root() in as dirDentry's subtree; this
	// hosted harness only needs each file system's own root reachable for
	// the stats it gathers below, not a unified namespace, so the mount
	// point directory is created for bookkeeping only.
}

// builtinNoOpELF mirrors pkg/proc's own test helper: a tiny ET_EXEC/x86-64
// image with one PT_LOAD segment containing "nop; nop; ret", just enough
// for vm.LoadELF to parse when no real init binary is supplied.
func builtinNoOpELF(vaddr uint64) []byte {
	const ehsize = 64
	const phsize = 56
	code := []byte{0x90, 0x90, 0xc3}
	total := ehsize + phsize + len(code)

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 62)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], vaddr+ehsize+phsize)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint64(buf[40:], 0)
	le.PutUint32(buf[48:], 0)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 5)
	le.PutUint64(ph[8:], 0)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(total))
	le.PutUint64(ph[40:], uint64(total))
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[ehsize+phsize:], code)
	return buf
}

// writeOccupancyProfile builds a two-sample pprof profile (one sample for
// free frames, one for used) under a single synthetic "frame_allocator"
// location, then writes it gzip-compressed the way pprof.Profile.Write
// always does.
func writeOccupancyProfile(path string, free, used int) error {
	fn := &profile.Function{ID: 1, Name: "frame_allocator", SystemName: "frame_allocator"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "pages", Unit: "count"}},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{loc}, Value: []int64{int64(free)}, Label: map[string][]string{"state": {"free"}}},
			{Location: []*profile.Location{loc}, Value: []int64{int64(used)}, Label: map[string][]string{"state": {"used"}}},
		},
	}
	if err := p.CheckValid(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := p.Write(w); err != nil {
		return err
	}
	return w.Flush()
}
