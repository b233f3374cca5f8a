package sockaddr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenUnixExplicitPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	l, err := Listen("unix:" + path)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, "unix", l.Addr().Network())
}

func TestListenBarePathDefaultsToUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, "unix", l.Addr().Network())
}

func TestListenTCP(t *testing.T) {
	l, err := Listen("tcp:127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, "tcp", l.Addr().Network())
}

func TestListenActivatedWithoutEnvironment(t *testing.T) {
	t.Setenv("LISTEN_FDS", "")
	t.Setenv("LISTEN_FDNAMES", "")
	_, err := Listen("sd:cynagora.check")
	require.ErrorIs(t, err, ErrNotActivated)
}

func TestListenActivatedUnknownName(t *testing.T) {
	t.Setenv("LISTEN_FDS", "1")
	t.Setenv("LISTEN_FDNAMES", "cynagora.admin")
	_, err := Listen("sd:cynagora.check")
	require.ErrorIs(t, err, ErrNotActivated)
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	first, err := Listen("unix:" + path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Listen("unix:" + path)
	require.NoError(t, err)
	defer second.Close()
}

func TestUnixPath(t *testing.T) {
	cases := []struct {
		uri  string
		path string
		ok   bool
	}{
		{"unix:/run/cynagora/check", "/run/cynagora/check", true},
		{"/run/cynagora/check", "/run/cynagora/check", true},
		{"unix:@abstract", "", false},
		{"tcp:127.0.0.1:7777", "", false},
		{"sd:cynagora.check", "", false},
	}
	for _, c := range cases {
		path, ok := UnixPath(c.uri)
		require.Equal(t, c.ok, ok, c.uri)
		require.Equal(t, c.path, path, c.uri)
	}
}
