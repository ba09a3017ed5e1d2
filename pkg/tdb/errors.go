package tdb

import (
	"errors"
	"fmt"
)

// ErrCode is the small error-kind enumeration surfaced to callers and
// attached to a handle as its last-error field.
type ErrCode int

const (
	// Success indicates no error. A handle's last-error is Success until one
	// of its operations fails.
	Success ErrCode = iota
	// ErrCodeCorrupt: magic, tailer, or version checks failed.
	ErrCodeCorrupt
	// ErrCodeIO: read/write/stat failure, or out-of-bounds beyond file end.
	ErrCodeIO
	// ErrCodeLock: byte-range lock acquisition failed or was not permitted.
	ErrCodeLock
	// ErrCodeOOM: heap allocation failed.
	ErrCodeOOM
	// ErrCodeExists: INSERT with an existing key.
	ErrCodeExists
	// ErrCodeNoExist: operation on an absent key.
	ErrCodeNoExist
	// ErrCodeNoLock: operation conflicts with per-key locking mode.
	ErrCodeNoLock
	// ErrCodeBusy: the file is already open in this process, or a lock that
	// must not block (a probe) was contended.
	ErrCodeBusy
	// ErrCodeInvalid: caller-supplied argument is invalid.
	ErrCodeInvalid
)

func (c ErrCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case ErrCodeCorrupt:
		return "CORRUPT"
	case ErrCodeIO:
		return "IO"
	case ErrCodeLock:
		return "LOCK"
	case ErrCodeOOM:
		return "OOM"
	case ErrCodeExists:
		return "EXISTS"
	case ErrCodeNoExist:
		return "NOEXIST"
	case ErrCodeNoLock:
		return "NOLOCK"
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type every tdb operation returns or wraps. Op
// names the failing operation ("open", "store", "delete", ...); Err is an
// optional underlying cause.
type Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tdb: %s: %s: %v", e.Op, e.Code, e.Err)
	}

	return fmt.Sprintf("tdb: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, optionally wrapping cause (which may be nil).
func newErr(code ErrCode, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Sentinel errors, one per ErrCode, usable with errors.Is.
var (
	ErrCorrupt = errors.New("tdb: corrupt")
	ErrIO      = errors.New("tdb: io error")
	ErrLock    = errors.New("tdb: lock error")
	ErrOOM     = errors.New("tdb: out of memory")
	ErrExists  = errors.New("tdb: key exists")
	ErrNoExist = errors.New("tdb: key does not exist")
	ErrNoLock  = errors.New("tdb: key not locked")
	ErrBusy    = errors.New("tdb: busy")
	ErrInvalid = errors.New("tdb: invalid argument")
)

func sentinelFor(code ErrCode) error {
	switch code {
	case ErrCodeCorrupt:
		return ErrCorrupt
	case ErrCodeIO:
		return ErrIO
	case ErrCodeLock:
		return ErrLock
	case ErrCodeOOM:
		return ErrOOM
	case ErrCodeExists:
		return ErrExists
	case ErrCodeNoExist:
		return ErrNoExist
	case ErrCodeNoLock:
		return ErrNoLock
	case ErrCodeBusy:
		return ErrBusy
	case ErrCodeInvalid:
		return ErrInvalid
	default:
		return nil
	}
}

// Is makes *Error participate in errors.Is against the package sentinels,
// so callers can write errors.Is(err, tdb.ErrExists) regardless of whether
// they hold the *Error or an error wrapping it.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

// Internal sentinel causes used only to build *Error values; never handed
// directly to callers (always wrapped via newErr so Op/Code is attached).
var (
	errShortHeader  = errors.New("file shorter than header")
	errBadMagic     = errors.New("bad magic string")
	errBadVersion   = errors.New("unrecognized version word")
	errBadTailer    = errors.New("tailer mismatch")
	errBadMagicWord = errors.New("unexpected record magic")
	errOutOfBounds  = errors.New("offset out of bounds")
	errAlreadyOpen  = errors.New("file already open in this process")
)
