package cyn

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iotbzh/cynagora/pkg/db"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	file, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	facade := db.New(store.NewMem(), file)
	return New(facade, zerolog.Nop())
}

func TestEnterLeaveCommitBumpsChangeID(t *testing.T) {
	e := newEngine(t)
	owner := &struct{}{}
	before := e.ChangeID()

	require.NoError(t, e.Enter(owner))
	require.NoError(t, e.Set(owner, rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}, rule.Value{Value: "yes"}))
	require.NoError(t, e.Leave(owner, true))

	require.Greater(t, e.ChangeID(), before)
	require.NotZero(t, e.ChangeID())
}

func TestLeaveRollbackDoesNotBumpChangeID(t *testing.T) {
	e := newEngine(t)
	owner := &struct{}{}
	before := e.ChangeID()

	require.NoError(t, e.Enter(owner))
	require.NoError(t, e.Set(owner, rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}, rule.Value{Value: "yes"}))
	require.NoError(t, e.Leave(owner, false))

	require.Equal(t, before, e.ChangeID())

	var got rule.Value
	require.NoError(t, e.TestAsync(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}, func(v rule.Value) { got = v }))
	require.Equal(t, VerdictNo, got.Value)
}

func TestEnterBusyThenFIFOWaiters(t *testing.T) {
	e := newEngine(t)
	first := &struct{ n int }{1}
	second := &struct{ n int }{2}
	third := &struct{ n int }{3}

	require.NoError(t, e.Enter(first))
	require.ErrorIs(t, e.Enter(second), ErrBusy)

	var admittedSecond, admittedThird bool
	require.NoError(t, e.EnterAsync(second, func() { admittedSecond = true }))
	require.NoError(t, e.EnterAsync(third, func() { admittedThird = true }))
	require.False(t, admittedSecond)
	require.False(t, admittedThird)

	require.NoError(t, e.Leave(first, true))
	require.True(t, admittedSecond, "oldest waiter must be admitted first")
	require.False(t, admittedThird)

	require.NoError(t, e.Leave(second, true))
	require.True(t, admittedThird)
}

func TestAdmittedWaiterGetsFreshTransaction(t *testing.T) {
	e := newEngine(t)
	first := &struct{}{}
	second := &struct{}{}

	require.NoError(t, e.Enter(first))
	var setErr error
	require.NoError(t, e.EnterAsync(second, func() {
		setErr = e.Set(second, rule.Key{Client: "bob", Session: "*", User: "1", Permission: "p"}, rule.Value{Value: "yes"})
	}))
	require.NoError(t, e.Leave(first, false))
	require.NoError(t, setErr, "the admitted waiter must hold an open transaction")
	require.NoError(t, e.Leave(second, true))

	var got rule.Value
	require.NoError(t, e.TestAsync(rule.Key{Client: "bob", Session: "s", User: "1", Permission: "p"}, func(v rule.Value) { got = v }))
	require.Equal(t, VerdictYes, got.Value)
}

func TestLeaveDeniedForNonOwner(t *testing.T) {
	e := newEngine(t)
	owner := &struct{}{}
	other := &struct{}{}
	require.NoError(t, e.Enter(owner))
	require.ErrorIs(t, e.Leave(other, true), ErrDenied)
}

func TestCheckAsyncNoMatch(t *testing.T) {
	e := newEngine(t)
	var got rule.Value
	require.NoError(t, e.CheckAsync(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}, func(v rule.Value) { got = v }))
	require.Equal(t, VerdictNo, got.Value)
}

func TestAgentResolution(t *testing.T) {
	e := newEngine(t)
	owner := &struct{}{}
	require.NoError(t, e.Enter(owner))
	require.NoError(t, e.Set(owner, rule.Key{Client: "*", Session: "*", User: "*", Permission: "locate"}, rule.Value{Value: "@locator:payload"}))
	require.NoError(t, e.Leave(owner, true))

	var invokedName, invokedPayload string
	require.NoError(t, e.AgentAdd("@locator", nil, func(name string, key rule.Key, payload string, q *Query) error {
		invokedName, invokedPayload = name, payload
		q.Reply(rule.Value{Value: VerdictYes})
		return nil
	}))

	var got rule.Value
	require.NoError(t, e.CheckAsync(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "locate"}, func(v rule.Value) { got = v }))
	require.Equal(t, "@locator", invokedName)
	require.Equal(t, "payload", invokedPayload)
	require.Equal(t, VerdictYes, got.Value)
}

func TestAgentNameValidation(t *testing.T) {
	e := newEngine(t)
	require.ErrorIs(t, e.AgentAdd("", nil, nil), ErrBadAgentName)
	require.ErrorIs(t, e.AgentAdd("bad name!", nil, nil), ErrBadAgentName)
	require.NoError(t, e.AgentAdd("good-name_1$@", nil, func(string, rule.Key, string, *Query) error { return nil }))
	require.ErrorIs(t, e.AgentAdd("good-name_1$@", nil, nil), ErrAgentExists)
}

func TestAgentRemoveByClosureOnTeardown(t *testing.T) {
	e := newEngine(t)
	conn := &struct{}{}
	require.NoError(t, e.AgentAdd("@a", conn, func(string, rule.Key, string, *Query) error { return nil }))
	require.NoError(t, e.AgentAdd("@b", conn, func(string, rule.Key, string, *Query) error { return nil }))
	e.AgentRemoveByClosure(conn)
	require.ErrorIs(t, e.AgentRemoveByName("@a"), ErrAgentNotFound)
	require.ErrorIs(t, e.AgentRemoveByName("@b"), ErrAgentNotFound)
}

func TestBoundedDepthRecursionTerminates(t *testing.T) {
	// A rule (*,*,u,p) -> "@:%c;%s;%u;%p" rewrites to the same key
	// every time, so recursion must terminate once maxDepth hits 0
	// rather than looping forever.
	e := newEngine(t)
	owner := &struct{}{}
	require.NoError(t, e.Enter(owner))
	require.NoError(t, e.Set(owner, rule.Key{Client: "*", Session: "*", User: "1000", Permission: "locate"}, rule.Value{Value: "@:%c;%s;%u;%p"}))
	require.NoError(t, e.Leave(owner, true))

	var calls int
	require.NoError(t, e.AgentAdd("@", nil, func(name string, key rule.Key, payload string, q *Query) error {
		calls++
		if calls > MaxSearchDepth+1 {
			t.Fatal("recursion did not terminate")
		}
		return q.Subquery(key, q.Reply)
	}))

	var got rule.Value
	require.NoError(t, e.CheckAsync(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "locate"}, func(v rule.Value) { got = v }))
	require.LessOrEqual(t, calls, MaxSearchDepth)
	require.Equal(t, "@:%c;%s;%u;%p", got.Value, "depth-exhausted recursion returns the raw unresolved verdict")
}
