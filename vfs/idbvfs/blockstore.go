// Package idbvfs implements the batch-atomic VFS backend: a block store
// over a transactional key/value substrate (github.com/dgraph-io/badger/v4
// standing in for IndexedDB, see SPEC_FULL.md's substrate table), a
// request coalescer reusing one transaction across calls between fence
// points, and a per-path live-snapshot registry bounding garbage
// collection.
package idbvfs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/internal/metrics"
)

// Metadata is the per-path row keyed by metadataKey(path): block size,
// logical file size, and the version stamp of the most recently
// committed batch.
type Metadata struct {
	BlockSize  int64 `json:"block_size"`
	FileSize   int64 `json:"file_size"`
	MaxVersion int64 `json:"max_version"`
}

// Store is the block store proper: badger plus the bookkeeping spec §4.C
// needs that a bare key/value store doesn't give for free (snapshot
// tracking for bounded purge).
type Store struct {
	db         *badger.DB
	snapshots  *snapshotRegistry
	blockSizeD int64
}

// OpenStore opens (creating if absent) the badger database at dir.
// maxSnapshotAge bounds how long a reader's snapshot blocks purge once
// it stops being renewed (spec.md §9 OQ2).
func OpenStore(dir string, defaultBlockSize int64, maxSnapshotAge time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, webvfs.NewError(webvfs.CANTOPEN, "open block store: %v", err)
	}
	return &Store{db: db, snapshots: newSnapshotRegistry(maxSnapshotAge), blockSizeD: defaultBlockSize}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) getMetadata(txn *badger.Txn, path string) (Metadata, bool, error) {
	item, err := txn.Get(metadataKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Metadata{BlockSize: s.blockSizeD}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	var m Metadata
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	if err != nil {
		return Metadata{}, false, err
	}
	return m, true, nil
}

// ReadMetadata reads the current committed metadata for path outside any
// caller-managed transaction; used to capture a reader's snapshot at
// LOCK_SHARED acquisition time (spec §4.C "Snapshot").
func (s *Store) ReadMetadata(path string) (Metadata, bool, error) {
	var m Metadata
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var ierr error
		m, ok, ierr = s.getMetadata(txn, path)
		return ierr
	})
	return m, ok, err
}

func (s *Store) putMetadata(txn *badger.Txn, path string, m Metadata) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(metadataKey(path), buf)
}

// createMetadata writes a fresh metadata row for path outside any
// caller-managed transaction, used by VFS.Open when OPEN_CREATE finds no
// existing file (spec §4.A).
func (s *Store) createMetadata(path string, m Metadata) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.putMetadata(txn, path, m)
	})
}

// readBlock resolves path's block at offset to the row with the smallest
// version not newer than snapshot: the most recent content as of that
// reader's snapshot (spec §4.C). It returns ok=false if no block has ever
// been written at this offset (caller zero-fills).
func (s *Store) readBlock(txn *badger.Txn, path string, offset, snapshot int64) ([]byte, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = blockKeyPrefix(path, offset)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(blockKey(path, offset, snapshot))
	if !it.ValidForPrefix(opts.Prefix) {
		return nil, false, nil
	}
	data, err := it.Item().ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) writeBlock(txn *badger.Txn, path string, offset, version int64, data []byte) error {
	return txn.Set(blockKey(path, offset, version), data)
}

// deletePath removes every block, the metadata row, and the purge marker
// for path in one transaction (spec §4.A VFS.Delete).
func (s *Store) deletePath(path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pathBlockPrefix(path)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		_ = txn.Delete(metadataKey(path))
		_ = txn.Delete(purgeKey(path))
		return nil
	})
}

// exists reports whether path has a metadata row, i.e. has been created
// by Open and not deleted since (spec §4.A VFS.Access).
func (s *Store) exists(path string) (bool, error) {
	_, ok, err := s.ReadMetadata(path)
	return ok, err
}

// purge deletes versions at the touched offsets that are both superseded
// by newest and older than every live snapshot, keeping every version
// newer than the oldest live snapshot, at most one protected older
// version per offset (the one a lagging reader still needs), and newest
// itself. Best-effort bounded garbage collection
// (spec §4.C): it must never delete a block reachable from a live
// snapshot, and is free to leave reclaimable blocks behind.
func (s *Store) purge(path string, touched []int64, newest int64) error {
	safe, live := s.snapshots.OldestLive(path)
	purged := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, offset := range touched {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = blockKeyPrefix(path, offset)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			protectedAssigned := false
			var toDelete [][]byte
			for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
				_, version, ok := decodeOffsetVersion(it.Item().Key(), path)
				if !ok {
					continue
				}
				key := append([]byte(nil), it.Item().Key()...)
				switch {
				case version == newest:
					continue // always keep the newest version
				case live && version < safe:
					continue // newer than the oldest live snapshot; a live reader may resolve to it
				case live && !protectedAssigned:
					// Smallest version >= safe is the one a reader
					// snapshotted at `safe` still needs (mirrors the
					// read-resolution rule in readBlock).
					protectedAssigned = true
				default:
					toDelete = append(toDelete, key)
				}
			}
			it.Close()
			for _, k := range toDelete {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			purged += len(toDelete)
		}
		return nil
	})
	if purged > 0 {
		metrics.PurgedVersions.Add(float64(purged))
		slog.Default().Debug("purged obsolete block versions", "path", path, "count", purged)
	}
	return err
}
