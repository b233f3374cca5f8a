package store

import "github.com/iotbzh/cynagora/pkg/rule"

// Backend is the capability set common to the memory and file rule
// stores. db.Facade routes each operation to the right backend based
// on whether a rule's session field is concrete.
type Backend interface {
	// Set installs value for key, replacing any rule whose fields are
	// identical under the "is" search mode. Must be called within an
	// open transaction.
	Set(key rule.Key, value rule.Value) error

	// Drop removes every rule matching key under the "match" search
	// mode. Must be called within an open transaction.
	Drop(key rule.Key) error

	// Get enumerates every live rule matching key under the "match"
	// search mode.
	Get(key rule.Key, fn func(rule.Key, rule.Value))

	// Test scores every live rule against key under the "test" search
	// mode and returns the winning value; score 0 means no rule
	// matched.
	Test(key rule.Key) (score int, value rule.Value)

	// TxStart opens a transaction. Set/Drop are only valid between
	// TxStart and TxCommit/TxCancel.
	TxStart() error

	// TxCommit finalizes the changes made since TxStart.
	TxCommit() error

	// TxCancel discards the changes made since TxStart, restoring the
	// pre-transaction state exactly.
	TxCancel() error

	// GC reclaims unreferenced interned strings. A no-op for backends
	// that do not need it.
	GC() error

	// Sync flushes any in-memory mirror to stable storage. A no-op
	// for backends with nothing to persist.
	Sync() error

	// RuleCount returns the number of live rules, for metrics.
	RuleCount() int
}
