package tdb

import "os"

// OpenFlag is a bitmask of store-wide behaviors selected at Open time.
type OpenFlag uint32

const (
	// ClearIfFirst tells Open to truncate and reinitialize the file if this
	// handle turns out to be the first opener (no other active-instance
	// lock held anywhere). Neutralized automatically for read-only opens.
	ClearIfFirst OpenFlag = 1 << iota

	// Internal keeps the store entirely in an in-memory buffer; Path is
	// not used and no file is created. Useful for tests and ephemeral
	// caches.
	Internal

	// NoMMap disables mmap and routes all I/O through positional
	// pread/pwrite, for filesystems where mmap is unreliable.
	NoMMap

	// NoLock disables all locking. Only safe for single-process,
	// single-handle use; concurrent access under NoLock is undefined.
	NoLock

	// Spinlocks enables the atomic-CAS chain-lock accelerator in addition
	// to (not instead of) the file-lock layer, for processes doing many
	// short-held chain locks in the same address space.
	Spinlocks
)

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

// StoreMode selects Store's collision behavior.
type StoreMode int

const (
	// Insert fails with ErrCodeExists if the key is already present.
	Insert StoreMode = iota
	// Modify fails with ErrCodeNoExist if the key is absent.
	Modify
	// Replace stores unconditionally, inserting or overwriting.
	Replace
)

// Options configures Open.
type Options struct {
	// Path is the file path to open or create. Ignored when Flags has
	// Internal set.
	Path string

	// HashSize is the number of hash chains to create for a fresh file.
	// Ignored when opening an existing file (the on-disk value wins).
	// Zero means use DefaultHashSize.
	HashSize uint32

	// Flags is a bitmask of OpenFlag values.
	Flags OpenFlag

	// OSFlags are the os.OpenFile flags used for the underlying file
	// (os.O_RDWR, os.O_CREATE, and so on). Defaults to O_RDWR|O_CREATE.
	OSFlags int

	// Mode is the permission bits used when creating a new file. Defaults
	// to 0644.
	Mode os.FileMode

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger Logger

	// PageSize overrides the growth rounding unit, for tests that want
	// small, deterministic growth steps. Zero means defaultPageSize.
	PageSize uint64
}

// DefaultHashSize mirrors tdb.c's historical default chain count.
const DefaultHashSize = 131

func (o Options) pageSize() uint64 {
	if o.PageSize == 0 {
		return defaultPageSize
	}

	return o.PageSize
}

func (o Options) hashSize() uint32 {
	if o.HashSize == 0 {
		return DefaultHashSize
	}

	return o.HashSize
}

func (o Options) logger() Logger {
	if o.Logger == nil {
		return nullLogger{}
	}

	return o.Logger
}

func (o Options) osFlags() int {
	if o.OSFlags == 0 {
		return os.O_RDWR | os.O_CREATE
	}

	return o.OSFlags
}

func (o Options) mode() os.FileMode {
	if o.Mode == 0 {
		return 0o644
	}

	return o.Mode
}

// writable reports whether OSFlags requests a writable descriptor, used to
// neutralize ClearIfFirst on read-only opens.
func (o Options) writable() bool {
	flags := o.osFlags()
	return flags&os.O_WRONLY != 0 || flags&os.O_RDWR != 0
}
