package agent

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/db"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/store"
)

func newEngine(t *testing.T) *cyn.Engine {
	t.Helper()
	file, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	return cyn.New(db.New(store.NewMem(), file), zerolog.Nop())
}

func TestSubstituteFieldsAndEscapes(t *testing.T) {
	key := rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}
	got := substitute("%u;%p", key)
	require.Equal(t, rule.Key{Client: "1000", Session: "audio", User: rule.Any, Permission: rule.Any}, got)

	got = substitute("%%;%;;x", key)
	require.Equal(t, "%", got.Client)
	require.Equal(t, ";", got.Session)
	require.Equal(t, "x", got.User)
	require.Equal(t, rule.Any, got.Permission)
}

func TestBuiltinAgentResolvesRecursiveQuery(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, Register(e))

	owner := &struct{}{}
	require.NoError(t, e.Enter(owner))
	require.NoError(t, e.Set(owner, rule.Key{Client: "*", Session: "*", User: "*", Permission: "locate"}, rule.Value{Value: "@:;;%u;resolved"}))
	require.NoError(t, e.Set(owner, rule.Key{Client: rule.Wide, Session: rule.Wide, User: rule.Wide, Permission: "resolved"}, rule.Value{Value: "yes"}))
	require.NoError(t, e.Leave(owner, true))

	var got rule.Value
	require.NoError(t, e.CheckAsync(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "locate"}, func(v rule.Value) { got = v }))
	require.Equal(t, cyn.VerdictYes, got.Value)
}
