package trap

import (
	"oskit/pkg/defs"
	"oskit/pkg/proc"
	"oskit/pkg/ustr"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

const maxPathLen = 4096

// copyInCString reads a NUL-terminated string from task's address space at
// va, the shape every path-taking syscall argument arrives in.
func copyInCString(task *proc.TaskControlBlock, va uintptr) (string, defs.Err_t) {
	var ub vm.Userbuf_t
	ub.Uioreset(task.MemSet, va, maxPathLen)
	buf := make([]byte, 1)
	out := make([]byte, 0, 64)
	for len(out) < maxPathLen {
		n, err := ub.Uio_read(buf)
		if err != 0 {
			return "", err
		}
		if n == 0 || buf[0] == 0 {
			return string(out), 0
		}
		out = append(out, buf[0])
	}
	return "", defs.ENAMETOOLONG
}

// splitFullPath resolves p against task's cwd and splits it into its
// '/'-delimited components: every relative path is made absolute before
// any directory walk begins.
func splitFullPath(task *proc.TaskControlBlock, p string) []ustr.Ustr {
	full := task.Cwd.Fullpath(ustr.Ustr(p))
	return full.Split()
}

// resolveDentry walks p's full path from k.Root component by component,
// a namei-style resolution loop.
func (k *Kernel) resolveDentry(task *proc.TaskControlBlock, p string) (*vfs.Dentry, defs.Err_t) {
	parts := splitFullPath(task, p)
	cur := k.Root
	for _, part := range parts {
		next, err := cur.Lookup(part.String())
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	return cur, 0
}

// resolveParent walks every component of p except the last, returning the
// parent directory dentry and the final component's name — the shape
// mkdir/link/open(O_CREAT) need to call Create/LookupForLink on.
func (k *Kernel) resolveParent(task *proc.TaskControlBlock, p string) (*vfs.Dentry, string, defs.Err_t) {
	parts := splitFullPath(task, p)
	if len(parts) == 0 {
		return nil, "", defs.EINVAL
	}
	name := parts[len(parts)-1].String()
	cur := k.Root
	for _, part := range parts[:len(parts)-1] {
		next, err := cur.Lookup(part.String())
		if err != 0 {
			return nil, "", err
		}
		cur = next
	}
	return cur, name, 0
}
