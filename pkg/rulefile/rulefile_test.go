package rulefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotbzh/cynagora/pkg/rule"
)

func TestParseSkipsBlankLinesAndComments(t *testing.T) {
	src := `
# a full-line comment
alice session1 user1 perm1 yes forever
bob session2 user2 perm2 no 3600 # trailing comment
`
	rules, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, rule.Key{Client: "alice", Session: "session1", User: "user1", Permission: "perm1"}, rules[0].Key)
	require.Equal(t, "yes", rules[0].Value.Value)
	require.Equal(t, "bob", rules[1].Key.Client)
	require.Equal(t, "no", rules[1].Value.Value)
}

func TestParseKeepsAnyAtomInKeyPosition(t *testing.T) {
	src := "# client session user permission value expire\n* # user1 perm1 yes forever\n"
	rules, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, rule.Any, rules[0].Key.Session)
	require.Equal(t, rule.Wide, rules[0].Key.Client)
}

func TestParseRejectsShortLine(t *testing.T) {
	_, err := Parse(strings.NewReader("alice session1 user1 perm1\n"))
	require.Error(t, err)
}

type fakeStore struct {
	begun, committed, rolledBack bool
	rules                        []Rule
}

func (f *fakeStore) Begin() error    { f.begun = true; return nil }
func (f *fakeStore) Commit() error   { f.committed = true; return nil }
func (f *fakeStore) Rollback() error { f.rolledBack = true; return nil }
func (f *fakeStore) Set(key rule.Key, value rule.Value) error {
	f.rules = append(f.rules, Rule{Key: key, Value: value})
	return nil
}

func TestImportFileAppliesWithinOneTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice session1 user1 perm1 yes forever\n"), 0600))

	fs := &fakeStore{}
	require.NoError(t, ImportFile(fs, path))
	require.True(t, fs.begun)
	require.True(t, fs.committed)
	require.False(t, fs.rolledBack)
	require.Len(t, fs.rules, 1)
}

func TestImportFileRollsBackOnSetError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice session1 user1 perm1 yes forever\n"), 0600))

	fs := &erroringStore{}
	err := ImportFile(fs, path)
	require.Error(t, err)
	require.True(t, fs.rolledBack)
}

type erroringStore struct {
	rolledBack bool
}

func (f *erroringStore) Begin() error    { return nil }
func (f *erroringStore) Commit() error   { return nil }
func (f *erroringStore) Rollback() error { f.rolledBack = true; return nil }
func (f *erroringStore) Set(key rule.Key, value rule.Value) error {
	return os.ErrInvalid
}
