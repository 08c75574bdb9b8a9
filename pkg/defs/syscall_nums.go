package defs

// Syscall numbers, a Linux-compatible subset.
const (
	SYS_GETCWD    = 17
	SYS_DUP       = 23
	SYS_DUP3      = 24
	SYS_MKDIR     = 34
	SYS_LINK      = 37
	SYS_UNLINK    = 35
	SYS_CHDIR     = 49
	SYS_OPEN      = 56
	SYS_CLOSE     = 57
	SYS_PIPE      = 59
	SYS_READ      = 63
	SYS_WRITE     = 64
	SYS_EXIT      = 93
	SYS_NANOSLEEP = 101
	SYS_YIELD     = 124
	SYS_KILL      = 129
	SYS_TGKILL    = 131
	SYS_SIGACTION = 134
	SYS_SIGPROCMASK = 135
	SYS_SIGRETURN = 139
	SYS_TIMES     = 153
	SYS_UNAME     = 160
	SYS_GET_TIME  = 169
	SYS_GETPID    = 172
	SYS_BRK       = 214
	SYS_FORK      = 220
	SYS_EXEC      = 221
	SYS_WAITPID   = 260
	SYS_GETRANDOM = 278
)

// OpenFlags bits.
type OpenFlags int

const (
	O_RDONLY OpenFlags = 0
	O_WRONLY OpenFlags = 1 << 0
	O_RDWR   OpenFlags = 1 << 1
	O_CREAT  OpenFlags = 1 << 9
	O_TRUNC  OpenFlags = 1 << 10
	O_APPEND OpenFlags = 1 << 11
	O_CLOEXEC OpenFlags = 1 << 12
)

func (f OpenFlags) Has(bit OpenFlags) bool { return f&bit == bit }

// Accmode reports the access-mode bits (RDONLY/WRONLY/RDWR).
func (f OpenFlags) Accmode() OpenFlags { return f & (O_WRONLY | O_RDWR) }

// Clone flags for fork/clone.
type CloneFlags uint

const (
	CLONE_VM CloneFlags = 1 << iota
	CLONE_FILES
	CLONE_SIGHAND
	CLONE_THREAD
)

// Fixed address-space and limit constants.
const (
	PageSize       = 4096
	UserStackSize  = PageSize * 5
	KernelStackSize = PageSize * 5
	UserMmapTop    = 0x11_0000_0000
	UserStackTop   = 0x13_0000_0000
	DLInterpOffset = 0x15_0000_0000
	MaxFD          = 1024
)
