package lockfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	require.True(t, Held(dir))

	require.NoError(t, l.Release())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	defer l2.Release()
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	require.True(t, Held(dir))

	_, err = Acquire(dir)
	require.Error(t, err)
}

func TestHeldFalseOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.False(t, Held(dir))
}
