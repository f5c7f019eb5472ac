//go:build !unix

package opfsvfs

// osFlock/osFunlock are no-ops on platforms with no flock(2) analogue
// wired up; vfs/lockmgr's cooperative in-process primitive remains the
// only coordination on those platforms, same as when opfsvfs's pool
// directory is never actually shared across OS processes.
func osFlock(fd int, exclusive bool) error { return nil }

func osFunlock(fd int) error { return nil }
