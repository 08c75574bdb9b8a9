package vm

import (
	"encoding/binary"

	"oskit/pkg/defs"
	"oskit/pkg/mem"
)

// Auxv entry types needed to hand a dynamically-linked binary enough
// information to find its own program headers and interpreter base,
// matching the standard ELF auxv vocabulary.
const (
	AT_NULL  = 0
	AT_PHDR  = 3
	AT_PHENT = 4
	AT_PHNUM = 5
	AT_BASE  = 7
	AT_ENTRY = 9
)

// BuildUserStack lays out argv, envp and an auxv vector at the top of the
// stack area: argc, then argv pointers, NULL, then envp pointers, NULL,
// then the auxv array terminated by AT_NULL, with the strings themselves
// packed below all of that. Returns the initial stack pointer to install
// in the new task's saved register state.
func BuildUserStack(ms *MemorySet, stackTop VPN, argv, envp []string, img LoadedImage) (uintptr, defs.Err_t) {
	top := uintptr(stackTop) << mem.PGSHIFT

	// Pack strings downward from the top, 1-byte aligned, recording each
	// one's final address for the pointer vector written afterward.
	write := func(sp uintptr, s string) (uintptr, uintptr) {
		b := append([]byte(s), 0)
		sp -= uintptr(len(b))
		if err := copyOut(ms, sp, b); err != 0 {
			return 0, 0
		}
		return sp, sp
	}

	sp := top
	argvPtrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		var addr uintptr
		sp, addr = write(sp, argv[i])
		argvPtrs[i] = addr
	}
	envpPtrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		var addr uintptr
		sp, addr = write(sp, envp[i])
		envpPtrs[i] = addr
	}

	// 16-byte-align before the pointer arrays, per the SysV x86-64 ABI's
	// stack-alignment requirement at entry.
	sp &^= 0xf

	auxv := []uintptr{
		AT_PHDR, img.Phdr,
		AT_PHENT, uintptr(img.Phent),
		AT_PHNUM, uintptr(img.Phnum),
		AT_ENTRY, img.Entry,
	}
	if img.IsDynamic {
		auxv = append(auxv, AT_BASE, img.Base)
	}
	auxv = append(auxv, AT_NULL, 0)

	words := make([]uintptr, 0, 1+len(argvPtrs)+1+len(envpPtrs)+1+len(auxv))
	words = append(words, uintptr(len(argv)))
	words = append(words, argvPtrs...)
	words = append(words, 0)
	words = append(words, envpPtrs...)
	words = append(words, 0)
	words = append(words, auxv...)

	sp -= uintptr(len(words)) * 8
	sp &^= 0xf
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(w))
	}
	if err := copyOut(ms, sp, buf); err != 0 {
		return 0, err
	}
	return sp, 0
}

// copyOut writes b into the faulted-in pages backing [va, va+len(b)),
// faulting in any lazy pages it crosses (the stack area is Framed and
// already resident, but this stays correct if that ever changes).
func copyOut(ms *MemorySet, va uintptr, b []byte) defs.Err_t {
	for len(b) > 0 {
		vpn := VPN(va >> mem.PGSHIFT)
		off := int(va & uintptr(mem.PGOFFSET))
		pa, _, ok := ms.Translate(vpn)
		if !ok {
			if err := ms.HandleFault(vpn, true); err != 0 {
				return err
			}
			pa, _, _ = ms.Translate(vpn)
		}
		n := mem.PGSIZE - off
		if n > len(b) {
			n = len(b)
		}
		copy(ms.phys.Dmap(pa)[off:off+n], b[:n])
		b = b[n:]
		va += uintptr(n)
	}
	return 0
}
