package store

import (
	"errors"

	"github.com/iotbzh/cynagora/pkg/rule"
)

// ErrNotInTransaction is returned by Set/Drop when called outside an
// open transaction.
var ErrNotInTransaction = errors.New("store: not in transaction")

type tagState int8

const (
	tagClean tagState = iota
	tagDeleted
	tagChanged
)

// shadow is the prior state of a slot, captured the first time a
// transaction touches it, so TxCancel can restore it exactly.
type shadow struct {
	value   int32
	expire  int64
	removed bool
}

// Mem is the session-scoped rule store: volatile, holds rules whose
// session field is concrete. Its transaction model tags each touched
// rule Clean/Deleted/Changed and keeps a shadow of the prior value so
// a cancel can restore the pre-transaction state exactly.
type Mem struct {
	core    *core
	tags    []tagState
	shadows []shadow
	dirty   []int
	inTx    bool
}

// NewMem creates an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{core: newCore()}
}

func (m *Mem) growTo(n int) {
	for len(m.tags) < n {
		m.tags = append(m.tags, tagClean)
		m.shadows = append(m.shadows, shadow{})
	}
}

func (m *Mem) touch(i int) {
	m.growTo(len(m.core.rules))
	if m.tags[i] == tagClean {
		s := m.core.rules[i]
		m.shadows[i] = shadow{value: s.value, expire: s.expire, removed: s.removed}
		m.dirty = append(m.dirty, i)
	}
}

// Set implements Backend.
func (m *Mem) Set(key rule.Key, value rule.Value) error {
	if !m.inTx {
		return ErrNotInTransaction
	}
	if i := m.core.findIs(key); i >= 0 {
		m.touch(i)
		m.core.rules[i].value = m.core.arena.intern(value.Value, true)
		m.core.rules[i].expire = value.Expire
		m.core.rules[i].removed = false
		m.tags[i] = tagChanged
		return nil
	}
	m.core.add(key, value)
	i := len(m.core.rules) - 1
	m.growTo(len(m.core.rules))
	m.shadows[i] = shadow{removed: true}
	m.tags[i] = tagChanged
	m.dirty = append(m.dirty, i)
	return nil
}

// Drop implements Backend.
func (m *Mem) Drop(key rule.Key) error {
	if !m.inTx {
		return ErrNotInTransaction
	}
	for _, i := range m.core.matchIndices(key) {
		m.touch(i)
		m.core.rules[i].removed = true
		m.tags[i] = tagDeleted
	}
	return nil
}

// Get implements Backend.
func (m *Mem) Get(key rule.Key, fn func(rule.Key, rule.Value)) {
	m.core.match(key, func(k rule.Key, v rule.Value) Action {
		fn(k, v)
		return Continue
	})
}

// Test implements Backend.
func (m *Mem) Test(key rule.Key) (int, rule.Value) {
	return m.core.test(key)
}

// TxStart implements Backend.
func (m *Mem) TxStart() error {
	m.inTx = true
	m.dirty = m.dirty[:0]
	return nil
}

// TxCommit implements Backend.
func (m *Mem) TxCommit() error {
	for _, i := range m.dirty {
		m.tags[i] = tagClean
	}
	m.dirty = m.dirty[:0]
	m.inTx = false
	return nil
}

// TxCancel implements Backend.
func (m *Mem) TxCancel() error {
	for _, i := range m.dirty {
		sh := m.shadows[i]
		m.core.rules[i].value = sh.value
		m.core.rules[i].expire = sh.expire
		m.core.rules[i].removed = sh.removed
		m.tags[i] = tagClean
	}
	m.dirty = m.dirty[:0]
	m.inTx = false
	return nil
}

// GC implements Backend; the in-memory backend needs no compaction
// pass, it is rebuilt fresh on every daemon restart.
func (m *Mem) GC() error { return nil }

// Sync implements Backend; there is nothing to persist.
func (m *Mem) Sync() error { return nil }

// RuleCount implements Backend.
func (m *Mem) RuleCount() int { return m.core.ruleCount() }
