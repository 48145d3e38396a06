package fuse

import (
	"os"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/valkyriedata/shardfs/internal/util"
)

// Raw implements the low-level FUSE wire protocol over the façade. The
// namespace is flat: one root directory containing one regular file per
// remote key, all mode 0444.
type Raw struct {
	gofuse.RawFileSystem
	facade       *Facade
	attrTimeout  time.Duration
	entryTimeout time.Duration

	keyToIno *xsync.Map[string, uint64]
	inoToKey *xsync.Map[uint64, string]
	lastIno  atomic.Uint64

	logger util.Logger
}

// NewRaw builds the protocol adapter between FUSE and the façade.
func NewRaw(facade *Facade, attrTimeout, entryTimeout time.Duration) *Raw {
	r := &Raw{
		RawFileSystem: gofuse.NewDefaultRawFileSystem(),
		facade:        facade,
		attrTimeout:   attrTimeout,
		entryTimeout:  entryTimeout,
		keyToIno:      xsync.NewMap[string, uint64](),
		inoToKey:      xsync.NewMap[uint64, string](),
		logger:        util.GetLogger("Fuse"),
	}
	r.lastIno.Store(gofuse.FUSE_ROOT_ID)
	return r
}

func (r *Raw) String() string {
	return "shardfs"
}

// inoFor returns the stable inode number for key, allocating on first use.
func (r *Raw) inoFor(key string) uint64 {
	if ino, ok := r.keyToIno.Load(key); ok {
		return ino
	}
	ino := r.lastIno.Add(1)
	r.inoToKey.Store(ino, key)
	if actual, loaded := r.keyToIno.LoadOrStore(key, ino); loaded {
		// lost the race; drop our placeholder
		r.inoToKey.Delete(ino)
		return actual
	}
	return ino
}

func (r *Raw) fileAttr(key string, ino uint64, attr *gofuse.Attr) bool {
	size, ok := r.facade.SizeOf(key)
	if !ok {
		return false
	}
	fillDefaultAttr(attr, ino)
	attr.Mode = uint32(syscall.S_IFREG | 0o444)
	attr.Size = size
	return true
}

func (r *Raw) rootAttr(attr *gofuse.Attr) {
	fillDefaultAttr(attr, gofuse.FUSE_ROOT_ID)
	attr.Mode = uint32(syscall.S_IFDIR | 0o555)
}

// Lookup resolves a name in the root directory.
func (r *Raw) Lookup(cancel <-chan struct{}, header *gofuse.InHeader, name string, out *gofuse.EntryOut) gofuse.Status {
	if header.NodeId != gofuse.FUSE_ROOT_ID {
		return gofuse.ENOENT
	}

	ino := r.inoFor(name)
	if !r.fileAttr(name, ino, &out.Attr) {
		return gofuse.ENOENT
	}
	out.NodeId = ino
	out.SetAttrTimeout(r.attrTimeout)
	out.SetEntryTimeout(r.entryTimeout)
	return gofuse.OK
}

func (r *Raw) GetAttr(cancel <-chan struct{}, input *gofuse.GetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	if input.NodeId == gofuse.FUSE_ROOT_ID {
		r.rootAttr(&out.Attr)
		out.SetTimeout(r.attrTimeout)
		return gofuse.OK
	}

	key, ok := r.inoToKey.Load(input.NodeId)
	if !ok || !r.fileAttr(key, input.NodeId, &out.Attr) {
		return gofuse.ENOENT
	}
	out.SetTimeout(r.attrTimeout)
	return gofuse.OK
}

// Open rejects anything but read-only access, registers the key, and
// notifies the predictor.
func (r *Raw) Open(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	key, ok := r.inoToKey.Load(input.NodeId)
	if !ok {
		return gofuse.ENOENT
	}
	if input.Flags&uint32(syscall.O_ACCMODE) != uint32(syscall.O_RDONLY) {
		return gofuse.EACCES
	}

	r.facade.Open(key)
	r.logger.Debug().Str("key", key).Msg("Open")
	return gofuse.OK
}

func (r *Raw) Read(cancel <-chan struct{}, input *gofuse.ReadIn, buf []byte) (gofuse.ReadResult, gofuse.Status) {
	key, ok := r.inoToKey.Load(input.NodeId)
	if !ok {
		return nil, gofuse.EBADF
	}

	n, err := r.facade.ReadAt(key, buf, input.Offset)
	if err != nil {
		return nil, gofuse.EIO
	}
	return gofuse.ReadResultData(buf[:n]), gofuse.OK
}

func (r *Raw) Release(cancel <-chan struct{}, input *gofuse.ReleaseIn) {
	// no per-handle state
}

func (r *Raw) OpenDir(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	if input.NodeId != gofuse.FUSE_ROOT_ID {
		return gofuse.ENOTDIR
	}
	return gofuse.OK
}

// ReadDir lists the current key set under root. Offsets index into the
// sorted listing so the kernel can resume a partial read.
func (r *Raw) ReadDir(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	return r.readDir(input, func(e gofuse.DirEntry) bool {
		return out.AddDirEntry(e)
	})
}

func (r *Raw) ReadDirPlus(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	return r.readDir(input, func(e gofuse.DirEntry) bool {
		entryOut := out.AddDirLookupEntry(e)
		if entryOut == nil {
			return false
		}
		if e.Ino != gofuse.FUSE_ROOT_ID {
			if key, ok := r.inoToKey.Load(e.Ino); ok && r.fileAttr(key, e.Ino, &entryOut.Attr) {
				entryOut.NodeId = e.Ino
				entryOut.SetAttrTimeout(r.attrTimeout)
				entryOut.SetEntryTimeout(r.entryTimeout)
			}
		}
		return true
	})
}

func (r *Raw) readDir(input *gofuse.ReadIn, add func(gofuse.DirEntry) bool) gofuse.Status {
	if input.NodeId != gofuse.FUSE_ROOT_ID {
		return gofuse.ENOTDIR
	}

	keys := r.facade.Keys()
	sort.Strings(keys)

	entries := make([]gofuse.DirEntry, 0, len(keys)+2)
	dirMode := uint32(syscall.S_IFDIR | 0o555)
	entries = append(entries,
		gofuse.DirEntry{Name: ".", Mode: dirMode, Ino: gofuse.FUSE_ROOT_ID},
		gofuse.DirEntry{Name: "..", Mode: dirMode, Ino: gofuse.FUSE_ROOT_ID},
	)
	for _, key := range keys {
		entries = append(entries, gofuse.DirEntry{
			Name: key,
			Mode: uint32(syscall.S_IFREG | 0o444),
			Ino:  r.inoFor(key),
		})
	}

	for i := int(input.Offset); i < len(entries); i++ {
		if !add(entries[i]) {
			break
		}
	}
	return gofuse.OK
}

func (r *Raw) ReleaseDir(input *gofuse.ReleaseIn) {
}

// fillDefaultAttr populates the fields common to every node.
func fillDefaultAttr(attr *gofuse.Attr, ino uint64) {
	now := time.Now()
	attr.Ino = ino
	attr.Nlink = 1
	attr.Owner = gofuse.Owner{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	attr.Atime = uint64(now.Unix())
	attr.Mtime = uint64(now.Unix())
	attr.Ctime = uint64(now.Unix())
	attr.Atimensec = uint32(now.Nanosecond())
	attr.Mtimensec = uint32(now.Nanosecond())
	attr.Ctimensec = uint32(now.Nanosecond())
	attr.Blksize = 4096 // preferred size for fs ops
}
