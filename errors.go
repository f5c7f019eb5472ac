package webvfs

import "fmt"

// Code is a result code from the host engine's standard code space
// (spec §6/§7). VFS operations return these directly, or wrap them in
// an *Error when a diagnostic message should travel with the code.
type Code int32

// Result codes named in spec §7. Values are arbitrary but stable within
// this module; they are not meant to match any particular engine's wire
// representation, since the engine itself is out of scope.
const (
	OK Code = iota
	ERROR
	BUSY
	BUSY_RECOVERY
	BUSY_TIMEOUT
	CANTOPEN
	READONLY
	NOTFOUND
	MISUSE
	IOERR
	IOERR_READ
	IOERR_SHORT_READ
	IOERR_WRITE
	IOERR_FSYNC
	IOERR_TRUNCATE
	IOERR_LOCK
	IOERR_UNLOCK
	IOERR_DELETE
	IOERR_DELETE_NOENT
	IOERR_CLOSE
)

var codeNames = [...]string{
	OK:                 "ok",
	ERROR:              "error",
	BUSY:               "busy",
	BUSY_RECOVERY:      "busy(recovery)",
	BUSY_TIMEOUT:       "busy(timeout)",
	CANTOPEN:           "cantopen",
	READONLY:           "readonly",
	NOTFOUND:           "notfound",
	MISUSE:             "misuse",
	IOERR:              "ioerr",
	IOERR_READ:         "ioerr(read)",
	IOERR_SHORT_READ:   "ioerr(short_read)",
	IOERR_WRITE:        "ioerr(write)",
	IOERR_FSYNC:        "ioerr(fsync)",
	IOERR_TRUNCATE:     "ioerr(truncate)",
	IOERR_LOCK:         "ioerr(lock)",
	IOERR_UNLOCK:       "ioerr(unlock)",
	IOERR_DELETE:       "ioerr(delete)",
	IOERR_DELETE_NOENT: "ioerr(delete_noent)",
	IOERR_CLOSE:        "ioerr(close)",
}

func (c Code) Error() string {
	if int(c) >= 0 && int(c) < len(codeNames) && codeNames[c] != "" {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// IsIOErr reports whether c is any of the IOERR_* family, including the
// bare IOERR itself.
func (c Code) IsIOErr() bool {
	return c == IOERR || (c >= IOERR_READ && c <= IOERR_CLOSE)
}

// Error wraps a Code with a diagnostic message, the way a failed VFS
// call records text retrievable later through FileGetLastError (spec
// §7's xGetLastError). Error implements error and unwraps to Code so
// callers can still use errors.Is against the bare code.
type Error struct {
	Code Code
	Msg  string
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Code }

// Truncate returns the error's message clipped to at most n bytes, as
// required by spec §7 ("truncated to the available buffer").
func (e *Error) Truncate(n int) string {
	s := e.Error()
	if len(s) <= n {
		return s
	}
	return s[:n]
}
