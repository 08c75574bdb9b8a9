// Package stat mirrors a file's POSIX stat(2) information and encodes it as
// the fixed little-endian byte layout userspace expects.
package stat

import "encoding/binary"

// Stat_t mirrors a file's stat information.
type Stat_t struct {
	dev    uint64
	ino    uint64
	mode   uint64
	size   uint64
	rdev   uint64
	nlink  uint64
	mSec   uint64
	mNsec  uint64
}

func (st *Stat_t) Wdev(v uint64)   { st.dev = v }
func (st *Stat_t) Wino(v uint64)   { st.ino = v }
func (st *Stat_t) Wmode(v uint64)  { st.mode = v }
func (st *Stat_t) Wsize(v uint64)  { st.size = v }
func (st *Stat_t) Wrdev(v uint64)  { st.rdev = v }
func (st *Stat_t) Wnlink(v uint64) { st.nlink = v }
func (st *Stat_t) Wmtime(sec, nsec uint64) {
	st.mSec, st.mNsec = sec, nsec
}

func (st *Stat_t) Dev() uint64   { return st.dev }
func (st *Stat_t) Ino() uint64   { return st.ino }
func (st *Stat_t) Mode() uint64  { return st.mode }
func (st *Stat_t) Size() uint64  { return st.size }
func (st *Stat_t) Rdev() uint64  { return st.rdev }
func (st *Stat_t) Nlink() uint64 { return st.nlink }

// Bytes renders the struct as the fixed-layout byte sequence a userspace
// stat(2) ABI expects.
func (st *Stat_t) Bytes() []byte {
	b := make([]byte, 8*8)
	fields := []uint64{st.dev, st.ino, st.mode, st.size, st.rdev, st.nlink, st.mSec, st.mNsec}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(b[i*8:], f)
	}
	return b
}
