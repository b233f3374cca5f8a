package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/store"
)

func newFacade(t *testing.T) *Facade {
	t.Helper()
	file, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	return New(store.NewMem(), file)
}

func TestFacadeRoutesSetBySession(t *testing.T) {
	f := newFacade(t)
	require.NoError(t, f.Begin())
	require.NoError(t, f.Set(rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}, rule.Value{Value: "yes"}))
	require.NoError(t, f.Set(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "video"}, rule.Value{Value: "yes"}))
	require.NoError(t, f.Commit())

	memN, fileN := f.RuleCounts()
	require.Equal(t, 1, memN)
	require.Equal(t, 1, fileN)
}

func TestFacadeSetDropOutsideTransaction(t *testing.T) {
	f := newFacade(t)
	err := f.Set(rule.Key{Client: "a", Session: "*", User: "u", Permission: "p"}, rule.Value{Value: "yes"})
	require.ErrorIs(t, err, ErrNotInTransaction)
	err = f.Drop(rule.Key{})
	require.ErrorIs(t, err, ErrNotInTransaction)
}

func TestFacadeRollbackLeavesNoTrace(t *testing.T) {
	f := newFacade(t)
	key := rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}
	require.NoError(t, f.Begin())
	require.NoError(t, f.Set(key, rule.Value{Value: "yes"}))
	require.NoError(t, f.Rollback())

	score, _ := f.Test(key)
	require.Zero(t, score)
}

func TestFacadeTestFindsSessionRuleInMem(t *testing.T) {
	f := newFacade(t)
	key := rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}
	require.NoError(t, f.Begin())
	// A concrete-session rule is routed to the memory backend; Test
	// must find it there and return its value.
	require.NoError(t, f.Set(key, rule.Value{Value: "yes-mem"}))
	require.NoError(t, f.Commit())

	score, val := f.Test(key)
	require.NotZero(t, score)
	require.Equal(t, "yes-mem", val.Value)
}

func TestFacadeDropTouchesBothBackends(t *testing.T) {
	f := newFacade(t)
	fileKey := rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}
	memKey := rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "video"}
	require.NoError(t, f.Begin())
	require.NoError(t, f.Set(fileKey, rule.Value{Value: "yes"}))
	require.NoError(t, f.Set(memKey, rule.Value{Value: "yes"}))
	require.NoError(t, f.Commit())

	require.NoError(t, f.Begin())
	require.NoError(t, f.Drop(rule.Key{Client: "alice", Session: rule.Any, User: rule.Any, Permission: rule.Any}))
	require.NoError(t, f.Commit())

	memN, fileN := f.RuleCounts()
	require.Zero(t, memN)
	require.Zero(t, fileN)
}
