package vfs

import (
	"sync"

	"oskit/pkg/defs"
)

// DState is a Dentry's cache state. A dentry with Inode == nil is
// "negative": a cached name known not to exist.
type DState int

const (
	DInvalid DState = iota
	DValid
	DDirty
)

// Dentry is one cached name-to-object association. The child→parent edge
// is an ordinary Go pointer rather than a weak reference: a weak back-edge
// exists in systems languages specifically to avoid uncollectable
// reference cycles in non-garbage-collected memory, a problem Go's
// collector does not have. Only the directionality convention survives
// here — children are owned via the parent's map; the back-edge is never
// used to keep a parent alive.
type Dentry struct {
	mu       sync.Mutex
	name     string
	parent   *Dentry
	sb       *SuperBlock
	inode    *Inode
	children map[string]*Dentry
	state    DState
	cache    *DentryCache
}

func newDentry(sb *SuperBlock, parent *Dentry, name string, inode *Inode, cache *DentryCache) *Dentry {
	d := &Dentry{
		sb:       sb,
		parent:   parent,
		name:     name,
		inode:    inode,
		children: map[string]*Dentry{},
		cache:    cache,
	}
	if inode != nil {
		d.state = DValid
	} else {
		d.state = DInvalid
	}
	return d
}

// NewRoot constructs a mount's root dentry, which has no parent and is
// never itself subject to dentry-cache eviction (it is reachable directly
// from the SuperBlock, not via any parent's children map). cache is still
// recorded so the root's own children participate in LRU/internal
// tracking.
func NewRoot(sb *SuperBlock, inode *Inode, cache *DentryCache) *Dentry {
	return newDentry(sb, nil, "/", inode, cache)
}

func (d *Dentry) Name() string  { return d.name }
func (d *Dentry) Parent() *Dentry { return d.parent }
func (d *Dentry) SuperBlock() *SuperBlock { return d.sb }

func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

func (d *Dentry) IsNegative() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode == nil
}

func (d *Dentry) addChild(child *Dentry) {
	d.mu.Lock()
	hadChildren := len(d.children) > 0
	d.children[child.name] = child
	d.mu.Unlock()
	if d.cache != nil {
		if !hadChildren {
			d.cache.onChildAdded(d)
		}
		d.cache.touch(child)
	}
}

func (d *Dentry) removeChildIfEmpty(child *Dentry) {
	d.mu.Lock()
	empty := len(child.children) == 0
	if empty {
		delete(d.children, child.name)
	}
	noChildrenLeft := len(d.children) == 0
	d.mu.Unlock()
	if d.cache != nil && noChildrenLeft {
		d.cache.onChildRemoved(d)
	}
}

// Lookup resolves name within a directory dentry: a cached valid child is
// returned as-is; a cached negative child yields ENOENT without
// consulting the back-end; otherwise ConcreteLookup materializes (or
// fails to find) the entry and the result is cached either way.
func (d *Dentry) Lookup(name string) (*Dentry, defs.Err_t) {
	d.mu.Lock()
	ip := d.inode
	if ip == nil || ip.Itype != defs.I_DIR {
		d.mu.Unlock()
		return nil, defs.ENOTDIR
	}
	if child, ok := d.children[name]; ok {
		d.mu.Unlock()
		if d.cache != nil {
			d.cache.touch(child)
		}
		if child.IsNegative() {
			return nil, defs.ENOENT
		}
		return child, 0
	}
	d.mu.Unlock()

	ino, err := ip.Ops.ConcreteLookup(name)
	if err != 0 {
		neg := newDentry(d.sb, d, name, nil, d.cache)
		d.addChild(neg)
		return nil, defs.ENOENT
	}
	childInode, ierr := d.sb.GetInode(ino)
	if ierr != 0 {
		return nil, ierr
	}
	child := newDentry(d.sb, d, name, childInode, d.cache)
	d.addChild(child)
	return child, 0
}

// Create makes a new name of type itype within directory dentry d: must
// be a directory, the target must not already resolve to a live inode.
func (d *Dentry) Create(name string, itype defs.Itype_t) (*Dentry, defs.Err_t) {
	d.mu.Lock()
	ip := d.inode
	if ip == nil || ip.Itype != defs.I_DIR {
		d.mu.Unlock()
		return nil, defs.ENOTDIR
	}
	d.mu.Unlock()

	if existing, err := d.Lookup(name); err == 0 && existing != nil {
		return nil, defs.EEXIST
	}

	ino, cerr := ip.Ops.ConcreteCreate(name, itype)
	if cerr != 0 {
		return nil, cerr
	}
	childInode, ierr := d.sb.GetInode(ino)
	if ierr != 0 {
		return nil, ierr
	}
	child := newDentry(d.sb, d, name, childInode, d.cache)
	d.addChild(child)
	ip.markDirty()
	return child, 0
}

// LookupForLink resolves name within directory d for the link(2)/rename(2)
// callers that need the actual negative Dentry object to pass to Link,
// rather than just an error code: EEXIST if name already resolves to a
// live inode, otherwise the cached negative dentry Lookup leaves behind.
// Mirrors the fetch-the-cached-negative-child step Rename performs on
// itself, exposed so external packages (pkg/trap's link syscall
// handler) don't need direct access to the children map.
func (d *Dentry) LookupForLink(name string) (*Dentry, defs.Err_t) {
	if _, err := d.Lookup(name); err == 0 {
		return nil, defs.EEXIST
	} else if err != defs.ENOENT {
		return nil, err
	}
	d.mu.Lock()
	neg := d.children[name]
	d.mu.Unlock()
	return neg, 0
}

// Link binds dst's name to src's inode: src must have a live inode, dst
// must be negative (not already resolving to one).
func Link(src *Dentry, dst *Dentry) defs.Err_t {
	srcIP := src.Inode()
	if srcIP == nil {
		return defs.ENOENT
	}
	if !dst.IsNegative() {
		return defs.EEXIST
	}
	parent := dst.parent
	parentIP := parent.Inode()
	if parentIP == nil || parentIP.Itype != defs.I_DIR {
		return defs.ENOTDIR
	}
	if err := parentIP.Ops.ConcreteLink(dst.name, srcIP.Ino); err != 0 {
		return err
	}
	srcIP.mu.Lock()
	srcIP.Nlink++
	srcIP.mu.Unlock()

	dst.mu.Lock()
	dst.inode = srcIP
	dst.state = DValid
	dst.mu.Unlock()
	if dst.cache != nil {
		dst.cache.touch(dst)
	}
	return 0
}

// Unlink removes child from directory dentry d: decrements the target
// inode's link count; at zero the inode's contents are released at once
// through Ops.Truncate(0), whether or not a File still has it open.
func (d *Dentry) Unlink(child *Dentry) defs.Err_t {
	d.mu.Lock()
	ip := d.inode
	d.mu.Unlock()
	if ip == nil || ip.Itype != defs.I_DIR {
		return defs.ENOTDIR
	}
	childIP := child.Inode()
	if childIP == nil {
		return defs.ENOENT
	}
	if err := ip.Ops.ConcreteUnlink(child.name); err != 0 {
		return err
	}
	childIP.mu.Lock()
	childIP.Nlink--
	nowZero := childIP.Nlink == 0
	childIP.mu.Unlock()
	if nowZero {
		childIP.Ops.Truncate(0)
	}

	child.mu.Lock()
	child.inode = nil
	child.state = DInvalid
	child.mu.Unlock()
	d.removeChildIfEmpty(child)
	ip.markDirty()
	return 0
}

// Rename moves src (named within its parent) to newName within dstDir,
// implemented as the classic link-then-unlink pair.
func Rename(src *Dentry, dstDir *Dentry, newName string) defs.Err_t {
	neg, lerr := dstDir.Lookup(newName)
	switch lerr {
	case 0:
		return defs.EEXIST
	case defs.ENOENT:
		// dstDir.Lookup already cached newName as a negative dentry; look
		// it up again from the (now populated) child map.
		dstDir.mu.Lock()
		neg = dstDir.children[newName]
		dstDir.mu.Unlock()
	default:
		return lerr
	}
	if err := Link(src, neg); err != 0 {
		return err
	}
	return src.parent.Unlink(src)
}
