// Package cyn implements the core engine (C4): the process-wide
// critical section with FIFO waiters, the change-id and observer
// list, the agent registry, and recursive query evaluation.
//
// Grounded on cyn.c: cyn_enter/cyn_enter_async/cyn_leave implement the
// critical section exactly as there (a single "magic" ownership
// token, a FIFO of parked enter_async callers woken from inside
// leave); cyn_query_async's test/agent-dispatch/recursion-depth logic
// is ported verbatim into queryAsync below.
//
// The daemon's single-threaded, cooperative event loop is this
// package's concurrency model: every exported method here must be
// called from the server's single dispatch goroutine (see
// pkg/server), the Go equivalent of "only one epoll callback runs at a
// time". Engine itself does no locking.
package cyn

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iotbzh/cynagora/pkg/db"
	"github.com/iotbzh/cynagora/pkg/rule"
)

// MaxSearchDepth is CYN_SEARCH_DEEP_MAX: the recursion bound a `check`
// query starts at; `test` always starts at 0 (no agent callouts).
const MaxSearchDepth = 10

// Default verdicts.
const (
	VerdictYes = "yes"
	VerdictNo  = "no"
)

// agentSeparator splits an agent-directive verdict into its agent
// name and payload, e.g. "@:%c;%s;%u;%p".
const agentSeparator = ':'

var (
	// ErrInvalidOwner is returned when Enter/Leave is called with a
	// nil ownership token.
	ErrInvalidOwner = errors.New("cyn: invalid owner token")
	// ErrBusy is returned by Enter when the critical section is held.
	ErrBusy = errors.New("cyn: critical section busy")
	// ErrNotEntered is returned by Leave when no transaction is open.
	ErrNotEntered = errors.New("cyn: not entered")
	// ErrDenied is returned by Leave when the caller is not the
	// current owner of the critical section.
	ErrDenied = errors.New("cyn: caller does not own the critical section")
	// ErrBadAgentName is returned by AgentAdd for a name that is
	// empty, too long, or contains characters outside [A-Za-z0-9@_-$].
	ErrBadAgentName = errors.New("cyn: invalid agent name")
	// ErrAgentExists is returned by AgentAdd for a name already
	// registered.
	ErrAgentExists = errors.New("cyn: agent already registered")
	// ErrAgentNotFound is returned by AgentRemoveByName for an unknown
	// name.
	ErrAgentNotFound = errors.New("cyn: agent not registered")
)

// ResultFunc receives the final value of a query, synchronously or
// asynchronously.
type ResultFunc func(rule.Value)

// AgentFunc is the callback invoked when a query resolves to a
// verdict of the form "<name>:<payload>" naming a registered agent.
// It may reply synchronously via q.Reply, or hold onto q and reply
// later; returning a non-nil error tells the engine to reply with the
// raw, unresolved verdict on the agent's behalf.
type AgentFunc func(name string, key rule.Key, payload string, q *Query) error

type observerEntry struct {
	id any
	cb func()
}

type waiterEntry struct {
	owner any
	cb    func()
}

type agentEntry struct {
	name string
	id   any
	cb   AgentFunc
}

// Engine is the C4 critical-section/query-evaluation component. It
// owns no I/O; pkg/server drives it from the per-connection protocol
// state machine.
type Engine struct {
	facade *db.Facade
	log    zerolog.Logger

	locker  any
	waiters []waiterEntry

	observers []observerEntry
	agents    []agentEntry

	changeID uint32
	maxDepth int
}

// New builds an engine over facade. The change-id starts at 1, as the
// original daemon does.
func New(facade *db.Facade, log zerolog.Logger) *Engine {
	return &Engine{facade: facade, log: log, changeID: 1, maxDepth: MaxSearchDepth}
}

// SetMaxSearchDepth overrides the recursion bound CheckAsync starts
// at. Values below 1 are ignored.
func (e *Engine) SetMaxSearchDepth(n int) {
	if n >= 1 {
		e.maxDepth = n
	}
}

// Facade exposes the underlying db facade for callers (cmd/cynagorad's
// bootstrap path, GC/Sync timers) that need direct backend access
// outside the critical section.
func (e *Engine) Facade() *db.Facade { return e.facade }

// ResetChangeID rewinds the change-id to 1. Allowed on startup only;
// callers must not call this once the server is serving requests.
func (e *Engine) ResetChangeID() { e.changeID = 1 }

// ChangeID returns the current change-id.
func (e *Engine) ChangeID() uint32 { return e.changeID }

// ChangeIDString renders the change-id in the decimal form sent on
// the wire.
func (e *Engine) ChangeIDString() string {
	return uitoa(e.changeID)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Enter attempts to take the critical section synchronously, failing
// with ErrBusy if another owner already holds it. Taking the section
// opens the facade's transaction: Set/Drop accumulate into its replay
// log until the matching Leave.
func (e *Engine) Enter(owner any) error {
	if owner == nil {
		return ErrInvalidOwner
	}
	if e.locker != nil {
		return ErrBusy
	}
	if err := e.facade.Begin(); err != nil {
		return err
	}
	e.locker = owner
	return nil
}

// EnterAsync takes the critical section and invokes cb synchronously
// if free; otherwise it parks (owner, cb) at the tail of the waiters
// FIFO to be admitted by a later Leave.
func (e *Engine) EnterAsync(owner any, cb func()) error {
	if owner == nil {
		return ErrInvalidOwner
	}
	if e.locker != nil {
		e.waiters = append(e.waiters, waiterEntry{owner: owner, cb: cb})
		return nil
	}
	if err := e.facade.Begin(); err != nil {
		return err
	}
	e.locker = owner
	cb()
	return nil
}

// EnterAsyncCancel removes a not-yet-admitted waiter for owner. It
// reports whether a waiter was found and removed.
func (e *Engine) EnterAsyncCancel(owner any) bool {
	for i, w := range e.waiters {
		if w.owner == owner {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// OnChangeAdd registers an observer fired after every successful
// commit, identified by id for later removal.
func (e *Engine) OnChangeAdd(id any, cb func()) {
	e.observers = append(e.observers, observerEntry{id: id, cb: cb})
}

// OnChangeRemove removes the observer registered under id.
func (e *Engine) OnChangeRemove(id any) {
	for i, o := range e.observers {
		if o.id == id {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// changed bumps the change-id to the next nonzero value and fires
// every observer.
func (e *Engine) changed() {
	e.changeID++
	if e.changeID == 0 {
		e.changeID = 1
	}
	for _, o := range e.observers {
		o.cb()
	}
}

// Changed broadcasts a change-id bump and observer notification
// without any underlying rule edit, for the `clearall` command.
func (e *Engine) Changed() {
	e.changed()
}

// Leave ends the transaction owner holds. On commit it plays the
// facade's replay log against both backends; a failed replay cancels
// the transaction and leaves the change-id untouched. Either way the
// oldest parked waiter, if any, is admitted before Leave returns.
func (e *Engine) Leave(owner any, commit bool) error {
	if owner == nil {
		return ErrInvalidOwner
	}
	if e.locker == nil {
		return ErrNotEntered
	}
	if e.locker != owner {
		return ErrDenied
	}

	var err error
	if commit {
		if cerr := e.facade.Commit(); cerr != nil {
			err = cerr
		} else {
			e.changed()
		}
	} else {
		err = e.facade.Rollback()
	}

	if len(e.waiters) == 0 {
		e.locker = nil
	} else {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.locker = next.owner
		if berr := e.facade.Begin(); berr != nil {
			// cannot happen: Commit/Rollback above closed the previous
			// transaction; log and surrender the section rather than
			// hand the waiter a dead one
			e.log.Error().Err(berr).Msg("reopening transaction for next waiter")
			e.locker = nil
			return err
		}
		next.cb()
	}
	return err
}

// Set queues a rule insert/replace within the transaction owner
// holds.
func (e *Engine) Set(owner any, key rule.Key, value rule.Value) error {
	if e.locker == nil || e.locker != owner {
		return ErrDenied
	}
	return e.facade.Set(key, value)
}

// Drop queues removal of every rule matching key within the
// transaction owner holds.
func (e *Engine) Drop(owner any, key rule.Key) error {
	if e.locker == nil || e.locker != owner {
		return ErrDenied
	}
	return e.facade.Drop(key)
}

// List enumerates every live rule matching key, independent of any
// transaction.
func (e *Engine) List(key rule.Key, fn func(rule.Key, rule.Value)) {
	e.facade.Get(key, fn)
}

// requiredAgent splits a stored verdict into its agent name and
// payload if it has the "<name>:<payload>" shape.
func requiredAgent(verdict string) (name, payload string, ok bool) {
	i := strings.IndexByte(verdict, agentSeparator)
	if i < 0 {
		return "", "", false
	}
	return verdict[:i], verdict[i+1:], true
}

func (e *Engine) findAgent(name string) *agentEntry {
	for i := range e.agents {
		if e.agents[i].name == name {
			return &e.agents[i]
		}
	}
	return nil
}

// Query is the suspended continuation of a query that resolved to an
// agent directive: it owns the query key and the remaining recursion
// budget, and lets the agent reply synchronously or issue a
// subquery.
type Query struct {
	e        *Engine
	resultCB ResultFunc
	key      rule.Key
	maxDepth int
}

// Key returns the 4-tuple that was being queried when the agent was
// invoked.
func (q *Query) Key() rule.Key { return q.key }

// Reply answers the suspended query with value.
func (q *Query) Reply(value rule.Value) {
	q.resultCB(value)
}

// Subquery re-enters query evaluation on a (possibly rewritten) key,
// one recursion level deeper than the current query, replying to cb.
func (q *Query) Subquery(key rule.Key, cb ResultFunc) error {
	return q.e.queryAsync(cb, key, q.maxDepth-1)
}

// queryAsync is cyn_query_async: test the database, and if the
// winning verdict names a registered agent and depth remains, suspend
// and call out to it; otherwise reply with the raw verdict (or "no"
// when nothing matched at all).
func (e *Engine) queryAsync(cb ResultFunc, key rule.Key, maxDepth int) error {
	score, value := e.facade.Test(key)
	if score == 0 {
		cb(rule.Value{Value: VerdictNo, Expire: 0})
		return nil
	}

	name, payload, isAgentForm := requiredAgent(value.Value)
	var agent *agentEntry
	if isAgentForm {
		agent = e.findAgent(name)
	}
	if agent == nil || maxDepth <= 0 {
		cb(value)
		return nil
	}

	q := &Query{e: e, resultCB: cb, key: key, maxDepth: maxDepth}
	if err := agent.cb(name, key, payload, q); err != nil {
		cb(value)
		return err
	}
	return nil
}

// CheckAsync is a query with full agent recursion, bounded by the
// engine's search depth (CYN_SEARCH_DEEP_MAX by default).
func (e *Engine) CheckAsync(key rule.Key, cb ResultFunc) error {
	return e.queryAsync(cb, key, e.maxDepth)
}

// TestAsync is a query with no agent recursion: the raw stored
// verdict is returned as-is.
func (e *Engine) TestAsync(key rule.Key, cb ResultFunc) error {
	return e.queryAsync(cb, key, 0)
}

// isAgentNameByte reports whether b is legal in an agent name:
// [A-Za-z0-9@_-$].
func isAgentNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '@' || b == '_' || b == '-' || b == '$':
		return true
	default:
		return false
	}
}

func validAgentName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isAgentNameByte(name[i]) {
			return false
		}
	}
	return true
}

// AgentAdd registers an agent callback under name, identified by id
// for later removal by AgentRemoveByClosure.
func (e *Engine) AgentAdd(name string, id any, cb AgentFunc) error {
	if !validAgentName(name) {
		return ErrBadAgentName
	}
	if e.findAgent(name) != nil {
		return ErrAgentExists
	}
	e.agents = append(e.agents, agentEntry{name: name, id: id, cb: cb})
	return nil
}

// AgentRemoveByName removes the agent registered under name.
// cyn_agent_remove, declared but never defined separately in the
// original sources, maps onto this same by-name removal.
func (e *Engine) AgentRemoveByName(name string) error {
	for i := range e.agents {
		if e.agents[i].name == name {
			e.agents = append(e.agents[:i], e.agents[i+1:]...)
			return nil
		}
	}
	return ErrAgentNotFound
}

// AgentRemoveByClosure removes every agent registered under id
// (typically the owning connection), used on connection teardown.
func (e *Engine) AgentRemoveByClosure(id any) {
	out := e.agents[:0]
	for _, a := range e.agents {
		if a.id != id {
			out = append(out, a)
		}
	}
	e.agents = out
}
