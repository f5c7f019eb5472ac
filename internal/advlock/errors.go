package advlock

import "errors"

// ErrWouldBlock is returned by Acquire when the requested name/mode is
// not immediately available: either ifAvailable was set and the lock
// was busy, or ctx was cancelled/timed out while waiting. Per spec §5,
// both cases are reported identically, as BUSY at the lock-manager
// layer.
var ErrWouldBlock = errors.New("advlock: would block")
