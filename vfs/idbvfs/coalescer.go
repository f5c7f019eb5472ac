package idbvfs

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relstore/webvfs/internal/metrics"
)

// defaultIdleCommit is how long a coalesced transaction is held open
// with no new calls before it auto-commits, standing in for the
// substrate's idle-triggered auto-commit (spec §4.D(b): "if the
// substrate auto-commits the transaction because the event loop went
// idle, the next operation simply opens a fresh one").
const defaultIdleCommit = 500 * time.Millisecond

// coalescer reuses one badger transaction across many File calls instead
// of opening one per call, the way spec §4.D's substrate transaction
// survives from the first VFS call after a fence point until the next
// one. Reads and writes within the life of a batch share the same view
// without an extra round trip; a fence point (Sync, unlock to ≤SHARED,
// Close) always commits.
type coalescer struct {
	db  *badger.DB
	dur time.Duration
	log *slog.Logger

	mu    sync.Mutex
	txn   *badger.Txn
	write bool
	timer *time.Timer
}

func newCoalescer(db *badger.DB) *coalescer {
	return &coalescer{db: db, dur: defaultIdleCommit, log: slog.Default()}
}

// with runs fn against the coalesced transaction, opening one if none is
// active or if a writable transaction is needed but the active one is
// read-only. On badger.ErrConflict it discards the transaction and
// retries fn exactly once against a fresh one (spec §4.D/§7: "retry once
// on a retryable conflict, then IOERR").
func (c *coalescer) with(writable bool, fn func(txn *badger.Txn) error) error {
	c.mu.Lock()
	txn, err := c.ensureLocked(writable)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	err = fn(txn)
	if !errors.Is(err, badger.ErrConflict) {
		c.armTimer()
		return err
	}

	metrics.TxRetries.Inc()
	c.log.Debug("retrying coalesced transaction after conflict")
	c.mu.Lock()
	c.discardLocked()
	txn, ferr := c.ensureLocked(writable)
	c.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	err = fn(txn)
	c.armTimer()
	return err
}

func (c *coalescer) ensureLocked(writable bool) (*badger.Txn, error) {
	if c.txn != nil && (!writable || c.write) {
		return c.txn, nil
	}
	if c.txn != nil {
		if err := c.commitLocked(); err != nil {
			return nil, err
		}
	}
	c.txn = c.db.NewTransaction(writable)
	c.write = writable
	return c.txn, nil
}

func (c *coalescer) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.dur, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = c.commitLocked()
	})
}

// Fence commits the active transaction, if any. Called at every fence
// point spec §4.D names: Sync, Unlock to ≤SHARED, Close.
func (c *coalescer) Fence() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked()
}

// Abort discards the active transaction without committing it, used to
// roll back an unsynced write batch when a lock is dropped below
// RESERVED (spec §4.C: writes are pending until sync).
func (c *coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardLocked()
}

func (c *coalescer) commitLocked() error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.txn == nil {
		return nil
	}
	err := c.txn.Commit()
	c.txn = nil
	return err
}

func (c *coalescer) discardLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.txn != nil {
		c.txn.Discard()
		c.txn = nil
	}
}
