// Package store implements cynagora's two rule backends (an in-memory
// session store and a persistent file store) and the search/match/test
// algorithm shared by both. Every backend exposes the same Backend
// interface; db.Facade (pkg/db) is the only caller that needs to know
// which concrete backend a given rule belongs in.
package store

import (
	"strings"
	"time"

	"github.com/iotbzh/cynagora/pkg/rule"
)

// Score contributions, bit layout preserved exactly: the upper bits
// count matched fields, the lower nibble is a priority bitmap
// (session > user > client > permission).
const (
	scoreSession    = 0x18
	scoreUser       = 0x14
	scoreClient     = 0x12
	scorePermission = 0x11
	scoreSomeMatch  = 0x10
	scoreNoMatch    = 0x00
)

// Action tells a core.apply visitor how to treat the rule it was
// called with; Continue/Stop control iteration, Remove deletes the
// current rule, and Update replaces its value (combinable with
// Continue, e.g. Remove|Continue).
type Action int

const (
	Continue Action = 1 << iota
	Stop
	Remove
	Update
)

// Visitor is called once per live, unexpired rule during apply.
// When it returns Update, newValue replaces the rule's stored value.
type Visitor func(key rule.Key, value rule.Value) (action Action, newValue rule.Value)

// slot is one stored rule. Fields hold interned indices, or one of
// SentinelWide (the field is a stored wildcard) — stored rules never
// carry SentinelAny, which is a query-only concept.
type slot struct {
	client, session, user, permission int32
	value                             int32
	expire                            int64
	removed                           bool
}

// core is the shared rule-index layer (C2) over an arena of interned
// strings and a flat slice of rule slots. mem and file backends embed
// a core and add their own transaction/persistence semantics.
type core struct {
	arena *arena
	rules []slot
	now   func() time.Time
}

func newCore() *core {
	return &core{arena: newArena(), now: time.Now}
}

func isAny(s string) bool { return s == "" || s == rule.Any }

func isAnyOrWide(s string) bool {
	return s == "" || s == rule.Any || s == rule.Wide
}

// idx mirrors anydb's `idx`: empty/ANY maps to the Any sentinel,
// WIDE maps to the Wide sentinel, anything else is looked up/created.
func (c *core) idx(name string, create bool) int32 {
	if name == "" || name == rule.Any {
		return SentinelAny
	}
	if name == rule.Wide {
		return SentinelWide
	}
	return c.arena.intern(name, create)
}

// idxButAny mirrors anydb's `idx_but_any`: empty/ANY/WIDE all collapse
// to the Wide sentinel; anything else is looked up/created.
func (c *core) idxButAny(name string, create bool) int32 {
	if isAnyOrWide(name) {
		return SentinelWide
	}
	return c.arena.intern(name, create)
}

func (c *core) stringOf(idx int32) string {
	switch idx {
	case SentinelAny:
		return rule.Any
	case SentinelWide:
		return rule.Wide
	default:
		return c.arena.stringOf(idx)
	}
}

func expired(exp int64, now int64) bool {
	if exp < 0 {
		exp = -(exp + 1)
	}
	return exp != 0 && exp <= now
}

// apply walks every live rule, dropping expired ones inline, and lets
// visitor decide whether to stop, remove, or update each one.
func (c *core) apply(visitor Visitor) {
	now := c.now().Unix()
	for i := range c.rules {
		s := &c.rules[i]
		if s.removed {
			continue
		}
		if expired(s.expire, now) {
			s.removed = true
			continue
		}
		key := rule.Key{
			Client:     c.stringOf(s.client),
			Session:    c.stringOf(s.session),
			User:       c.stringOf(s.user),
			Permission: c.stringOf(s.permission),
		}
		val := rule.Value{Value: c.stringOf(s.value), Expire: s.expire}
		action, newVal := visitor(key, val)
		if action&Remove != 0 {
			s.removed = true
		} else if action&Update != 0 {
			s.value = c.arena.intern(newVal.Value, true)
			s.expire = newVal.Expire
		}
		if action&Stop != 0 {
			return
		}
	}
}

// add appends a new rule. The caller must ensure no duplicate exists
// under the is-mode equality.
func (c *core) add(key rule.Key, value rule.Value) {
	c.rules = append(c.rules, slot{
		client:     c.idxButAny(key.Client, true),
		session:    c.idxButAny(key.Session, true),
		user:       c.idxButAny(key.User, true),
		permission: c.idxButAny(key.Permission, true),
		value:      c.arena.intern(value.Value, true),
		expire:     value.Expire,
	})
}

// matchKey is the prepared query for the "match" search mode (list,
// drop): client/session/user compare by interned index (Any means
// unconstrained), permission compares case-insensitively as text.
type matchKey struct {
	client, session, user int32
	permission            string
	hasPermission         bool
	ok                    bool
}

func (c *core) prepareMatch(key rule.Key) matchKey {
	cli := c.idx(key.Client, false)
	ses := c.idx(key.Session, false)
	usr := c.idx(key.User, false)
	if cli == SentinelNone || ses == SentinelNone || usr == SentinelNone {
		return matchKey{ok: false}
	}
	mk := matchKey{client: cli, session: ses, user: usr, ok: true}
	if !isAny(key.Permission) {
		mk.permission = key.Permission
		mk.hasPermission = true
	}
	return mk
}

func (mk matchKey) matches(c *core, s slot) bool {
	if !mk.ok {
		return false
	}
	if mk.client != SentinelAny && mk.client != s.client {
		return false
	}
	if mk.session != SentinelAny && mk.session != s.session {
		return false
	}
	if mk.user != SentinelAny && mk.user != s.user {
		return false
	}
	if mk.hasPermission && !strings.EqualFold(mk.permission, c.stringOf(s.permission)) {
		return false
	}
	return true
}

// match enumerates every live rule matching key under the "match"
// search mode, stopping early if visitor returns Stop. If key
// contains a concrete field unknown to the arena, prepareMatch fails
// and match reports no hits at all, per the match-mode contract.
func (c *core) match(key rule.Key, visitor func(rule.Key, rule.Value) Action) {
	mk := c.prepareMatch(key)
	if !mk.ok {
		return
	}
	now := c.now().Unix()
	for i := range c.rules {
		s := &c.rules[i]
		if s.removed {
			continue
		}
		if expired(s.expire, now) {
			s.removed = true
			continue
		}
		if !mk.matches(c, *s) {
			continue
		}
		rk := rule.Key{
			Client:     c.stringOf(s.client),
			Session:    c.stringOf(s.session),
			User:       c.stringOf(s.user),
			Permission: c.stringOf(s.permission),
		}
		rv := rule.Value{Value: c.stringOf(s.value), Expire: s.expire}
		action := visitor(rk, rv)
		if action&Remove != 0 {
			s.removed = true
		}
		if action&Stop != 0 {
			return
		}
	}
}

// isKey is the prepared query for the "is" search mode (set-time
// duplicate detection): exact equality per field, ANY/empty collapse
// to WIDE on the query side.
type isKey struct {
	client, session, user int32
	permission            string
}

func (c *core) prepareIs(key rule.Key) isKey {
	return isKey{
		client:     c.idxButAny(key.Client, true),
		session:    c.idxButAny(key.Session, true),
		user:       c.idxButAny(key.User, true),
		permission: key.Permission,
	}
}

func (ik isKey) equals(c *core, s slot) bool {
	return ik.client == s.client && ik.session == s.session && ik.user == s.user &&
		strings.EqualFold(ik.permission, c.stringOf(s.permission))
}

// findIs returns the index of the rule identical to key under the
// "is" search mode, or -1 if none exists.
func (c *core) findIs(key rule.Key) int {
	ik := c.prepareIs(key)
	now := c.now().Unix()
	for i := range c.rules {
		s := &c.rules[i]
		if s.removed || expired(s.expire, now) {
			continue
		}
		if ik.equals(c, *s) {
			return i
		}
	}
	return -1
}

// testKey is the prepared query for the "test" search mode (check,
// test): a stored field matches if it is WIDE or equals the query.
// Query strings are looked up without creating: a concrete field
// unknown to the arena (SentinelNone) cannot equal any stored index,
// so it can only pair with stored WIDE fields. This keeps arbitrary
// query keys from checkers out of the intern table.
type testKey struct {
	client, session, user int32
	permission            string
}

func (c *core) prepareTest(key rule.Key) testKey {
	return testKey{
		client:     c.idxButAny(key.Client, false),
		session:    c.idxButAny(key.Session, false),
		user:       c.idxButAny(key.User, false),
		permission: key.Permission,
	}
}

func (tk testKey) score(c *core, s slot) int {
	if s.client != SentinelWide && tk.client != s.client {
		return scoreNoMatch
	}
	if s.session != SentinelWide && tk.session != s.session {
		return scoreNoMatch
	}
	if s.user != SentinelWide && tk.user != s.user {
		return scoreNoMatch
	}
	if s.permission != SentinelWide && !strings.EqualFold(tk.permission, c.stringOf(s.permission)) {
		return scoreNoMatch
	}
	sc := scoreSomeMatch
	if s.client != SentinelWide {
		sc += scoreClient
	}
	if s.session != SentinelWide {
		sc += scoreSession
	}
	if s.user != SentinelWide {
		sc += scoreUser
	}
	if s.permission != SentinelWide {
		sc += scorePermission
	}
	return sc
}

// test scores every live rule against key under the "test" search
// mode and returns the highest score and its value. Score 0 means no
// rule matched.
func (c *core) test(key rule.Key) (int, rule.Value) {
	tk := c.prepareTest(key)
	now := c.now().Unix()
	best := 0
	var bestVal rule.Value
	for i := range c.rules {
		s := &c.rules[i]
		if s.removed {
			continue
		}
		if expired(s.expire, now) {
			s.removed = true
			continue
		}
		sc := tk.score(c, *s)
		if sc > best {
			best = sc
			bestVal = rule.Value{Value: c.stringOf(s.value), Expire: s.expire}
		}
	}
	return best, bestVal
}

// matchIndices returns the slice indices of every live rule matching
// key under the "match" search mode, dropping expired rules inline.
// It never mutates beyond that expiry cleanup.
func (c *core) matchIndices(key rule.Key) []int {
	mk := c.prepareMatch(key)
	if !mk.ok {
		return nil
	}
	now := c.now().Unix()
	var out []int
	for i := range c.rules {
		s := &c.rules[i]
		if s.removed {
			continue
		}
		if expired(s.expire, now) {
			s.removed = true
			continue
		}
		if mk.matches(c, *s) {
			out = append(out, i)
		}
	}
	return out
}

// ruleCount returns the number of live (non-removed) rules, used for
// metrics.
func (c *core) ruleCount() int {
	n := 0
	for i := range c.rules {
		if !c.rules[i].removed {
			n++
		}
	}
	return n
}
