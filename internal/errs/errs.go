// Package errs defines the kernel's abstract ErrorKind taxonomy and its
// mapping onto the syscall ABI's inline sentinel return values. No error
// kind gets a dedicated errno slot: every documented syscall encodes failure
// inline, either as a negative small int or a sentinel like u32::MAX,
// depending on the call's own return convention.
package errs

import "errors"

// Kind is one of the abstract error categories surfaced to callers.
type Kind int

const (
	NotFound Kind = iota
	PermissionDenied
	Exists
	NotADirectory
	IsADirectory
	BadAddress
	OutOfMemory
	Interrupted
	WouldBlock
	Timeout
	BrokenPipe
	InvalidArgument
	NotSupported
	BusyResource
	CrossDeviceLink
	TooManyLinks
	IoError
	ChildNotFound
	NoSuchProcess
	QuotaExceeded
	Unauthenticated
)

var names = map[Kind]string{
	NotFound:         "NotFound",
	PermissionDenied: "PermissionDenied",
	Exists:           "Exists",
	NotADirectory:    "NotADirectory",
	IsADirectory:     "IsADirectory",
	BadAddress:       "BadAddress",
	OutOfMemory:      "OutOfMemory",
	Interrupted:      "Interrupted",
	WouldBlock:       "WouldBlock",
	Timeout:          "Timeout",
	BrokenPipe:       "BrokenPipe",
	InvalidArgument:  "InvalidArgument",
	NotSupported:     "NotSupported",
	BusyResource:     "BusyResource",
	CrossDeviceLink:  "CrossDeviceLink",
	TooManyLinks:     "TooManyLinks",
	IoError:          "IoError",
	ChildNotFound:    "ChildNotFound",
	NoSuchProcess:    "NoSuchProcess",
	QuotaExceeded:    "QuotaExceeded",
	Unauthenticated:  "Unauthenticated",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}

// Error wraps a Kind with a human-readable message, the error value every
// subsystem in this repository returns.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

// New builds an *Error for the given kind.
func New(k Kind, msg string) error { return &Error{Kind: k, Msg: msg} }

// As extracts the Kind from err, defaulting to IoError for anything not
// produced by this package (an unclassified error is still a real failure
// and must not look like success at the ABI boundary).
func As(err error) Kind {
	if err == nil {
		return -1
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IoError
}

// SentinelU32 is the ABI encoding used by calls whose success return range
// overlaps all of uint32 except the top value (pipe_read, recv, tcp_accept, …).
const SentinelU32 = ^uint32(0)

// ToSentinelU32 maps err to the syscall ABI's inline failure sentinel for
// calls documented to return u32::MAX on any failure.
func ToSentinelU32(err error) uint32 {
	if err == nil {
		return 0
	}
	return SentinelU32
}

// ToNegativeInt maps err to a small negative int for calls documented to
// return a negative errno-like code (mirrors POSIX -errno convention without
// reserving a dedicated errno slot: the sign bit alone carries failure).
func ToNegativeInt(err error) int {
	if err == nil {
		return 0
	}
	k := As(err)
	return -(int(k) + 1)
}
