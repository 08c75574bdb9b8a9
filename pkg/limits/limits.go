// Package limits tracks system-wide resource limits for the subsystems this
// kernel implements: processes, futexes, vnodes/dentries, pipes, open files,
// and blocks.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically taken and given
// back.
type Sysatomic_t struct{ v int64 }

func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(&s.v, int64(n))
}

// Taken tries to decrement the limit by n, restoring it if that would drive
// the counter negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(&s.v, -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(&s.v, int64(n))
	return false
}

func (s *Sysatomic_t) Take() bool { return s.Taken(1) }
func (s *Sysatomic_t) Give()      { s.Given(1) }
func (s *Sysatomic_t) Value() int64 { return atomic.LoadInt64(&s.v) }

// Syslimit_t tracks system-wide resource limits for the subsystems this
// kernel implements.
type Syslimit_t struct {
	Sysprocs int
	Futexes  int
	Vnodes   int
	MaxFD    int

	Pipes  Sysatomic_t
	Mfspgs Sysatomic_t
	Blocks Sysatomic_t
}

// Syslimit is the configured system-wide limit set.
var Syslimit = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	sl := &Syslimit_t{
		Sysprocs: 4096,
		Futexes:  1024,
		Vnodes:   20000,
		MaxFD:    1024,
	}
	sl.Pipes.Given(1024)
	sl.Mfspgs.Given(1 << 16)
	sl.Blocks.Given(1 << 18)
	return sl
}
