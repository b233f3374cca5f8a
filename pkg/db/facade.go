// Package db implements the facade that routes rules to the right
// backend (persistent file store vs. session-scoped memory store) and
// accumulates admin edits into a replay log that is only played back
// against the backends at commit time.
//
// Grounded on db.c and queue.c: db_set routes by the session field,
// db_drop always touches both backends, db_test queries mem before
// file and keeps the strictly-greater score, and queue_play replays a
// recorded sequence of sets/drops against those two entry points.
package db

import (
	"errors"

	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/store"
)

// ErrNotInTransaction is returned by Set/Drop called outside an open
// transaction.
var ErrNotInTransaction = errors.New("db: not in transaction")

// ErrAlreadyOpen is returned by Begin called while a transaction is
// already open.
var ErrAlreadyOpen = errors.New("db: transaction already open")

type opEntry struct {
	key    rule.Key
	value  rule.Value
	isDrop bool
}

// Facade is the C3 db+queue component: pkg/cyn invokes
// Begin/Set/Drop/Commit/Rollback under its own critical section, and
// cmd/cynagorad's --init-file import calls Begin/Set/Commit directly
// before the server starts, so the facade itself needs no locking.
type Facade struct {
	mem  *store.Mem
	file *store.File

	open  bool
	queue []opEntry
}

// New builds a facade over the given backends.
func New(mem *store.Mem, file *store.File) *Facade {
	return &Facade{mem: mem, file: file}
}

// Begin opens a transaction: Set/Drop become legal and accumulate into
// the replay log instead of touching the backends.
func (f *Facade) Begin() error {
	if f.open {
		return ErrAlreadyOpen
	}
	f.open = true
	f.queue = f.queue[:0]
	return nil
}

// Set queues an insert/replace of key -> value, to be applied to the
// routed backend at Commit.
func (f *Facade) Set(key rule.Key, value rule.Value) error {
	if !f.open {
		return ErrNotInTransaction
	}
	f.queue = append(f.queue, opEntry{key: key, value: value})
	return nil
}

// Drop queues removal of every rule matching key (match search mode),
// to be applied to both backends at Commit.
func (f *Facade) Drop(key rule.Key) error {
	if !f.open {
		return ErrNotInTransaction
	}
	f.queue = append(f.queue, opEntry{key: key, isDrop: true})
	return nil
}

// Rollback discards the replay log. Since nothing was ever applied to
// a backend, there is nothing to undo there.
func (f *Facade) Rollback() error {
	if !f.open {
		return ErrNotInTransaction
	}
	f.queue = f.queue[:0]
	f.open = false
	return nil
}

// routedSet mirrors db_set: a rule whose session is WIDE/ANY/empty is
// permanent and lives in the file backend; a rule with a concrete
// session lives in memory.
func isAnyOrWideSession(s string) bool {
	return s == "" || s == rule.Any || s == rule.Wide
}

func (f *Facade) routedSet(key rule.Key, value rule.Value) error {
	if isAnyOrWideSession(key.Session) {
		return f.file.Set(key, value)
	}
	return f.mem.Set(key, value)
}

func (f *Facade) play() error {
	for _, e := range f.queue {
		var err error
		if e.isDrop {
			// db_drop applies to both backends unconditionally.
			err = f.file.Drop(e.key)
			if err == nil {
				err = f.mem.Drop(e.key)
			}
		} else {
			err = f.routedSet(e.key, e.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit starts each backend's own transaction (file: hard-link
// backup; mem: tag reset), replays the queued operations, and either
// commits or cancels both backends depending on whether replay
// succeeded in full. A failed replay leaves both backends exactly as
// they were before Commit was called and change-id must not be
// bumped by the caller.
func (f *Facade) Commit() error {
	if !f.open {
		return ErrNotInTransaction
	}
	defer func() {
		f.queue = f.queue[:0]
		f.open = false
	}()

	if err := f.file.TxStart(); err != nil {
		return err
	}
	if err := f.mem.TxStart(); err != nil {
		_ = f.file.TxCancel()
		return err
	}

	if err := f.play(); err != nil {
		_ = f.file.TxCancel()
		_ = f.mem.TxCancel()
		return err
	}

	if err := f.file.TxCommit(); err != nil {
		_ = f.mem.TxCancel()
		return err
	}
	return f.mem.TxCommit()
}

// Test consults both backends independently and keeps the value with
// the strictly greater score; the memory backend wins ties because it
// is queried first and db_test only replaces its result on s2 > s1.
func (f *Facade) Test(key rule.Key) (int, rule.Value) {
	s1, v1 := f.mem.Test(key)
	s2, v2 := f.file.Test(key)
	if s2 > s1 {
		return s2, v2
	}
	return s1, v1
}

// Get enumerates every live rule matching key in both backends.
func (f *Facade) Get(key rule.Key, fn func(rule.Key, rule.Value)) {
	f.file.Get(key, fn)
	f.mem.Get(key, fn)
}

// GC reclaims unreferenced interned strings in the file backend.
func (f *Facade) GC() error {
	return f.file.GC()
}

// Sync flushes both backends to stable storage.
func (f *Facade) Sync() error {
	if err := f.file.Sync(); err != nil {
		return err
	}
	return f.mem.Sync()
}

// RuleCounts returns the number of live rules held by each backend,
// for metrics.
func (f *Facade) RuleCounts() (mem, file int) {
	return f.mem.RuleCount(), f.file.RuleCount()
}
