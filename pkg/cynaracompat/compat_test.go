package cynaracompat_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/cynaracompat"
	"github.com/iotbzh/cynagora/pkg/db"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/server"
	"github.com/iotbzh/cynagora/pkg/store"
)

func startDaemon(t *testing.T) server.Config {
	t.Helper()
	dir := t.TempDir()
	file, err := store.OpenFile(dir)
	require.NoError(t, err)
	engine := cyn.New(db.New(store.NewMem(), file), zerolog.Nop())

	cfg := server.Config{
		CheckSocket: "unix:" + filepath.Join(dir, "check.sock"),
		AdminSocket: "unix:" + filepath.Join(dir, "admin.sock"),
		AgentSocket: "unix:" + filepath.Join(dir, "agent.sock"),
	}
	srv := server.New(engine, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	return cfg
}

func TestCheckCacheTriState(t *testing.T) {
	cfg := startDaemon(t)

	admin, err := cynaracompat.CreatePolicyAdmin(cfg.AdminSocket)
	require.NoError(t, err)
	defer admin.Close()

	require.NoError(t, admin.SetPolicies([]struct {
		Key        rule.Key
		Verdict    string
		ExpireText string
	}{
		{Key: rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}, Verdict: "yes"},
	}))

	allowed, indeterminate, err := cynaracompat.CheckCache(cfg.CheckSocket, "alice", "s1", "1000", "audio")
	require.NoError(t, err)
	require.True(t, allowed)
	require.False(t, indeterminate)

	allowed, indeterminate, err = cynaracompat.CheckCache(cfg.CheckSocket, "bob", "s1", "1000", "audio")
	require.NoError(t, err)
	require.False(t, allowed)
	require.False(t, indeterminate)
}

func TestEraseBucketRejectsNonDefault(t *testing.T) {
	cfg := startDaemon(t)

	admin, err := cynaracompat.CreatePolicyAdmin(cfg.AdminSocket)
	require.NoError(t, err)
	defer admin.Close()

	err = admin.EraseBucket("privacy", rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"})
	require.Error(t, err)
}

func TestEraseBucketDefaultDropsRules(t *testing.T) {
	cfg := startDaemon(t)

	admin, err := cynaracompat.CreatePolicyAdmin(cfg.AdminSocket)
	require.NoError(t, err)
	defer admin.Close()

	key := rule.Key{Client: "alice", Session: "*", User: "1000", Permission: "audio"}
	require.NoError(t, admin.SetPolicies([]struct {
		Key        rule.Key
		Verdict    string
		ExpireText string
	}{{Key: key, Verdict: "yes"}}))

	require.NoError(t, admin.EraseBucket("", key))

	allowed, _, err := cynaracompat.CheckCache(cfg.CheckSocket, "alice", "s1", "1000", "audio")
	require.NoError(t, err)
	require.False(t, allowed)
}
