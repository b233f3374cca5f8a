package store

import (
	"testing"

	"github.com/iotbzh/cynagora/pkg/rule"
)

func setCommit(t *testing.T, b Backend, key rule.Key, val rule.Value) {
	t.Helper()
	if err := b.TxStart(); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(key, val); err != nil {
		t.Fatal(err)
	}
	if err := b.TxCommit(); err != nil {
		t.Fatal(err)
	}
}

func TestMemSetAndTest(t *testing.T) {
	m := NewMem()
	key := rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}
	setCommit(t, m, key, rule.Value{Value: "yes"})

	score, val := m.Test(key)
	if score == 0 {
		t.Fatal("expected a match")
	}
	if val.Value != "yes" {
		t.Errorf("Test value = %q, want yes", val.Value)
	}
}

func TestMemScoringTieBreak(t *testing.T) {
	// Scenario 3: (*,*,*,audio)=yes and (alice,*,*,*)=no; client-score
	// beats permission-score, so the alice rule wins.
	m := NewMem()
	setCommit(t, m, rule.Key{Client: "*", Session: "*", User: "*", Permission: "audio"}, rule.Value{Value: "yes"})
	setCommit(t, m, rule.Key{Client: "alice", Session: "*", User: "*", Permission: "*"}, rule.Value{Value: "no"})

	score, val := m.Test(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"})
	if score == 0 {
		t.Fatal("expected a match")
	}
	if val.Value != "no" {
		t.Errorf("winning value = %q, want no (client beats permission)", val.Value)
	}
}

func TestMemTransactionRollback(t *testing.T) {
	m := NewMem()
	key := rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}
	setCommit(t, m, key, rule.Value{Value: "yes"})

	if err := m.TxStart(); err != nil {
		t.Fatal(err)
	}
	if err := m.Drop(rule.Key{Client: "alice", Session: "s1", User: "1000", Permission: "audio"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(rule.Key{Client: "bob", Session: "s2", User: "1001", Permission: "video"}, rule.Value{Value: "yes"}); err != nil {
		t.Fatal(err)
	}
	if err := m.TxCancel(); err != nil {
		t.Fatal(err)
	}

	if score, _ := m.Test(key); score == 0 {
		t.Error("rollback should have restored the dropped rule")
	}
	if score, _ := m.Test(rule.Key{Client: "bob", Session: "s2", User: "1001", Permission: "video"}); score != 0 {
		t.Error("rollback should have undone the added rule")
	}
}

func TestMemSetOutsideTransaction(t *testing.T) {
	m := NewMem()
	err := m.Set(rule.Key{Client: "a", Session: "s", User: "u", Permission: "p"}, rule.Value{Value: "yes"})
	if err != ErrNotInTransaction {
		t.Errorf("Set outside transaction = %v, want ErrNotInTransaction", err)
	}
}

func TestMemExpiration(t *testing.T) {
	m := NewMem()
	past := int64(1)
	setCommit(t, m, rule.Key{Client: "alice", Session: "s1", User: "u", Permission: "p"}, rule.Value{Value: "yes", Expire: past})

	if score, _ := m.Test(rule.Key{Client: "alice", Session: "s1", User: "u", Permission: "p"}); score != 0 {
		t.Error("expired rule should not match")
	}
	if m.RuleCount() != 0 {
		t.Error("expired rule should have been pruned from the backend")
	}
}

func TestMemDropWithWildcard(t *testing.T) {
	m := NewMem()
	setCommit(t, m, rule.Key{Client: "alice", Session: "s1", User: "u", Permission: "audio"}, rule.Value{Value: "yes"})
	setCommit(t, m, rule.Key{Client: "alice", Session: "s1", User: "u", Permission: "video"}, rule.Value{Value: "yes"})

	if err := m.TxStart(); err != nil {
		t.Fatal(err)
	}
	if err := m.Drop(rule.Key{Client: "alice", Session: "s1", User: "u", Permission: rule.Any}); err != nil {
		t.Fatal(err)
	}
	if err := m.TxCommit(); err != nil {
		t.Fatal(err)
	}
	if m.RuleCount() != 0 {
		t.Errorf("RuleCount() = %d, want 0 after wildcard drop", m.RuleCount())
	}
}
