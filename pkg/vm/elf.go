// ELF loading, using the standard library's debug/elf to inspect an ELF
// image host-side: the full PT_LOAD/PT_INTERP loader the exec syscall
// needs.
package vm

import (
	"bytes"
	"debug/elf"

	"oskit/pkg/defs"
	"oskit/pkg/mem"
)

// LoadedImage describes the address-space layout produced by loading one
// ELF binary, enough to seed the AT_* auxv entries.
type LoadedImage struct {
	Entry     uintptr
	Phdr      uintptr
	Phent     int
	Phnum     int
	Base      uintptr // non-zero only when an interpreter was loaded
	Interp    string
	IsDynamic bool
}

// LoadELF maps every PT_LOAD segment of data into ms at its (possibly
// relocated) virtual address and returns the resulting image description.
// relocBase is added to every segment's vaddr, used to place a dynamic
// linker at defs.DLInterpOffset without colliding with the main image.
func LoadELF(ms *MemorySet, data []byte, relocBase uintptr) (LoadedImage, defs.Err_t) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return LoadedImage{}, enoexec()
	}
	defer f.Close()

	var img LoadedImage
	img.Entry = uintptr(f.Entry) + relocBase

	var phdrVaddr uint64
	var phdrFound bool
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_PHDR {
			phdrVaddr = prog.Vaddr
			phdrFound = true
		}
	}

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			b := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(b, 0); err != nil {
				return LoadedImage{}, defs.EINVAL
			}
			img.Interp = string(bytes.TrimRight(b, "\x00"))
			img.IsDynamic = true
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			if e := loadSegment(ms, prog, relocBase); e != 0 {
				return LoadedImage{}, e
			}
			if !phdrFound && phdrVaddr == 0 {
				// Some images omit PT_PHDR; approximate with the first
				// PT_LOAD's offset.
				phdrVaddr = prog.Vaddr
			}
		}
	}
	img.Phdr = uintptr(phdrVaddr) + relocBase
	// debug/elf doesn't expose e_phentsize directly; it is fixed by class.
	if f.Class == elf.ELFCLASS64 {
		img.Phent = 56
	} else {
		img.Phent = 32
	}
	img.Phnum = len(f.Progs)
	return img, 0
}

func loadSegment(ms *MemorySet, prog *elf.Prog, relocBase uintptr) defs.Err_t {
	var perm PTEFlags = PTE_U
	if prog.Flags&elf.PF_W != 0 {
		perm |= PTE_W
	}
	if prog.Flags&elf.PF_X != 0 {
		perm |= PTE_X
	}

	start := pageOf(uintptr(prog.Vaddr) + relocBase)
	end := pageOf(uintptr(prog.Vaddr)+relocBase+uintptr(prog.Memsz)+uintptr(mem.PGSIZE)-1)

	area, err := ms.MapFramed(start, end, perm)
	if err != 0 {
		return err
	}

	buf := make([]byte, prog.Filesz)
	if _, rerr := prog.ReadAt(buf, 0); rerr != nil {
		return defs.EINVAL
	}

	segVA := uintptr(prog.Vaddr) + relocBase
	off := 0
	for vpn := start; vpn < end && off < len(buf); vpn++ {
		ft := area.Frames[vpn]
		pageVA := uintptr(vpn) << mem.PGSHIFT
		pageStart := 0
		if pageVA < segVA {
			pageStart = int(segVA - pageVA)
		}
		n := mem.PGSIZE - pageStart
		if remain := len(buf) - off; n > remain {
			n = remain
		}
		if n <= 0 {
			continue
		}
		copy(ft.Page()[pageStart:pageStart+n], buf[off:off+n])
		off += n
	}
	return 0
}

// ENOEXEC is not in defs' core errno set (no existing caller needed it
// before exec); it is synthesized here rather than widening defs for a
// single consumer's benefit — a malformed image at exec time should fail
// cleanly rather than crash the kernel.
func enoexec() defs.Err_t { return defs.Err_t(8) }
