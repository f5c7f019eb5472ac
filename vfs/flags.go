package vfs

// OpenFlag is the bit set passed to VFS.Open, mirroring the "open flags"
// grammar of spec §6: at minimum read-only vs read-write, create,
// exclusive create, delete-on-close, and a file-class bit distinguishing
// the main database from journals and temp files. Flags a backend does
// not act on are returned unchanged in outFlags, so backends should
// preserve unknown bits rather than mask them away.
type OpenFlag uint32

const (
	OPEN_READONLY OpenFlag = 1 << iota
	OPEN_READWRITE
	OPEN_CREATE
	OPEN_EXCLUSIVE
	OPEN_DELETEONCLOSE
	OPEN_MAIN_DB
	OPEN_MAIN_JOURNAL
	OPEN_TEMP_DB
	OPEN_TEMP_JOURNAL
	OPEN_MEMORY
)

// LockLevel is one of the five states of the per-file lock state machine
// (spec §3/§4.B). Levels are ordered: higher values strictly subsume the
// guarantees of lower ones.
type LockLevel int8

const (
	LOCK_NONE LockLevel = iota
	LOCK_SHARED
	LOCK_RESERVED
	LOCK_PENDING
	LOCK_EXCLUSIVE
)

func (l LockLevel) String() string {
	switch l {
	case LOCK_NONE:
		return "NONE"
	case LOCK_SHARED:
		return "SHARED"
	case LOCK_RESERVED:
		return "RESERVED"
	case LOCK_PENDING:
		return "PENDING"
	case LOCK_EXCLUSIVE:
		return "EXCLUSIVE"
	default:
		return "INVALID"
	}
}

// AccessFlag selects what VFS.Access tests for.
type AccessFlag uint32

const (
	ACCESS_EXISTS AccessFlag = iota
	ACCESS_READWRITE
	ACCESS_READ
)

// SyncFlag is passed to File.Sync, indicating the durability strength
// the caller needs (spec §4.A).
type SyncFlag uint32

const (
	SYNC_NORMAL SyncFlag = iota
	SYNC_FULL
	SYNC_DATAONLY
)

// DeviceCharacteristic is a bitset describing I/O properties of a File,
// returned from File.DeviceCharacteristics (spec §4.A).
type DeviceCharacteristic uint32

const (
	IOCAP_ATOMIC DeviceCharacteristic = 1 << iota
	IOCAP_SEQUENTIAL
	IOCAP_SAFE_APPEND
	IOCAP_POWERSAFE_OVERWRITE
	IOCAP_BATCH_ATOMIC
	IOCAP_UNDELETABLE_WHEN_OPEN
)
