// Package ustr provides the kernel's path/name string type.
package ustr

// Ustr is an immutable path or name used throughout the VFS and task
// packages instead of a Go string, so that raw user-copied bytes (which may
// not be valid UTF-8) can be handled uniformly.
type Ustr []byte

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrRoot returns the root path "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// MkUstrDot returns ".".
func MkUstrDot() Ustr { return Ustr(".") }

// DotDot is the reusable ".." path component.
var DotDot = Ustr{'.', '.'}

// MkUstrSlice truncates buf at the first NUL byte, the shape a syscall
// argument arrives in after being copied from user memory.
func MkUstrSlice(buf []byte) Ustr {
	for i, c := range buf {
		if c == 0 {
			return buf[:i]
		}
	}
	return buf
}

func (us Ustr) Isdot() bool    { return len(us) == 1 && us[0] == '.' }
func (us Ustr) Isdotdot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

func (us Ustr) Eq(o Ustr) bool {
	if len(us) != len(o) {
		return false
	}
	for i, v := range us {
		if v != o[i] {
			return false
		}
	}
	return true
}

// Extend appends '/' then p, returning a new Ustr.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us), len(us)+1+len(p))
	copy(tmp, us)
	tmp = append(tmp, '/')
	return append(tmp, p...)
}

func (us Ustr) ExtendStr(p string) Ustr { return us.Extend(Ustr(p)) }

func (us Ustr) IsAbsolute() bool { return len(us) > 0 && us[0] == '/' }

func (us Ustr) IndexByte(b byte) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

func (us Ustr) String() string { return string(us) }

// Split breaks a path into its '/'-delimited components, skipping empty
// components produced by leading/repeated/trailing slashes. Used by the VFS
// dentry-resolution walk (pkg/vfs).
func (us Ustr) Split() []Ustr {
	var parts []Ustr
	start := 0
	for i := 0; i <= len(us); i++ {
		if i == len(us) || us[i] == '/' {
			if i > start {
				parts = append(parts, us[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
