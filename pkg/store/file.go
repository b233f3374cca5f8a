package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/iotbzh/cynagora/pkg/rule"
)

const ruleRecordSize = 4*5 + 8 // five 32-bit indices + a 64-bit expire

// File is the persistent rule store (C1's file backend): two files
// under a data directory, a names file and a rules file, each
// prefixed by a 40-byte magic header. Rules whose session field is
// not concrete (WIDE/ANY) live here; rules with a concrete session
// live in Mem instead.
type File struct {
	core    *core
	dir     string
	version uuid.UUID
}

func namesPath(dir string) string { return filepath.Join(dir, "cynagora.names") }
func rulesPath(dir string) string { return filepath.Join(dir, "cynagora.rules") }
func backupNamesPath(dir string) string { return namesPath(dir) + "~" }
func backupRulesPath(dir string) string { return rulesPath(dir) + "~" }

// OpenFile opens (creating if necessary) the persistent store rooted
// at dir.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	f := &File{dir: dir}
	_, err1 := os.Stat(namesPath(dir))
	_, err2 := os.Stat(rulesPath(dir))
	if os.IsNotExist(err1) || os.IsNotExist(err2) {
		f.version = uuid.New()
		f.core = newCore()
		if err := f.save(namesPath(dir), rulesPath(dir)); err != nil {
			return nil, err
		}
		return f, nil
	}
	if err := f.load(namesPath(dir), rulesPath(dir)); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load(namesFile, rulesFile string) error {
	namesRaw, err := os.ReadFile(namesFile)
	if err != nil {
		return fmt.Errorf("store: read names file: %w", err)
	}
	rulesRaw, err := os.ReadFile(rulesFile)
	if err != nil {
		return fmt.Errorf("store: read rules file: %w", err)
	}
	namesVersion, err := checkMagic(namesRaw)
	if err != nil {
		return fmt.Errorf("store: names file: %w", err)
	}
	rulesVersion, err := checkMagic(rulesRaw)
	if err != nil {
		return fmt.Errorf("store: rules file: %w", err)
	}
	if namesVersion != rulesVersion {
		return fmt.Errorf("store: names/rules version mismatch")
	}
	f.version = namesVersion

	c := newCore()
	segments := bytes.Split(namesRaw[magicSize:], []byte{0})
	// the split's final element is the artifact after the last
	// terminating NUL; every other element, empty or not, is a name
	// whose position is its index.
	segments = segments[:len(segments)-1]
	for _, name := range segments {
		c.arena.intern(string(name), true)
	}
	body := rulesRaw[magicSize:]
	for off := 0; off+ruleRecordSize <= len(body); off += ruleRecordSize {
		rec := body[off : off+ruleRecordSize]
		c.rules = append(c.rules, slot{
			client:     int32(binary.LittleEndian.Uint32(rec[0:4])),
			session:    int32(binary.LittleEndian.Uint32(rec[4:8])),
			user:       int32(binary.LittleEndian.Uint32(rec[8:12])),
			permission: int32(binary.LittleEndian.Uint32(rec[12:16])),
			value:      int32(binary.LittleEndian.Uint32(rec[16:20])),
			expire:     int64(binary.LittleEndian.Uint64(rec[20:28])),
		})
	}
	f.core = c
	return nil
}

// save performs a full rewrite of both files (never an in-place
// patch), matching the original fbuf abstraction's write-then-replace
// discipline.
func (f *File) save(namesFile, rulesFile string) error {
	magic := buildMagic(f.version)

	namesTmp := namesFile + ".tmp"
	nf, err := os.Create(namesTmp)
	if err != nil {
		return fmt.Errorf("store: write names file: %w", err)
	}
	w := bufio.NewWriter(nf)
	if _, err := w.Write(magic[:]); err != nil {
		nf.Close()
		return err
	}
	for _, name := range f.core.arena.names {
		if _, err := w.WriteString(name); err != nil {
			nf.Close()
			return err
		}
		if err := w.WriteByte(0); err != nil {
			nf.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		nf.Close()
		return err
	}
	if err := nf.Close(); err != nil {
		return err
	}
	if err := os.Rename(namesTmp, namesFile); err != nil {
		return fmt.Errorf("store: replace names file: %w", err)
	}

	rulesTmp := rulesFile + ".tmp"
	rf, err := os.Create(rulesTmp)
	if err != nil {
		return fmt.Errorf("store: write rules file: %w", err)
	}
	rw := bufio.NewWriter(rf)
	if _, err := rw.Write(magic[:]); err != nil {
		rf.Close()
		return err
	}
	var rec [ruleRecordSize]byte
	for _, s := range f.core.rules {
		if s.removed {
			continue
		}
		binary.LittleEndian.PutUint32(rec[0:4], uint32(s.client))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(s.session))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(s.user))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(s.permission))
		binary.LittleEndian.PutUint32(rec[16:20], uint32(s.value))
		binary.LittleEndian.PutUint64(rec[20:28], uint64(s.expire))
		if _, err := rw.Write(rec[:]); err != nil {
			rf.Close()
			return err
		}
	}
	if err := rw.Flush(); err != nil {
		rf.Close()
		return err
	}
	if err := rf.Close(); err != nil {
		return err
	}
	return os.Rename(rulesTmp, rulesFile)
}

// backup hard-links the current primary files to their `~` siblings,
// overwriting any previous backup.
func (f *File) backup() error {
	for _, pair := range [][2]string{
		{namesPath(f.dir), backupNamesPath(f.dir)},
		{rulesPath(f.dir), backupRulesPath(f.dir)},
	} {
		primary, backup := pair[0], pair[1]
		_ = os.Remove(backup)
		if err := os.Link(primary, backup); err != nil {
			return fmt.Errorf("store: backup %s: %w", primary, err)
		}
	}
	return nil
}

// recover reloads state from the backup files, discarding whatever
// the in-memory core accumulated since the last TxStart.
func (f *File) recover() error {
	return f.load(backupNamesPath(f.dir), backupRulesPath(f.dir))
}

// Set implements Backend.
func (f *File) Set(key rule.Key, value rule.Value) error {
	if i := f.core.findIs(key); i >= 0 {
		f.core.rules[i].value = f.core.arena.intern(value.Value, true)
		f.core.rules[i].expire = value.Expire
		f.core.rules[i].removed = false
		return nil
	}
	f.core.add(key, value)
	return nil
}

// Drop implements Backend.
func (f *File) Drop(key rule.Key) error {
	for _, i := range f.core.matchIndices(key) {
		f.core.rules[i].removed = true
	}
	return nil
}

// Get implements Backend.
func (f *File) Get(key rule.Key, fn func(rule.Key, rule.Value)) {
	f.core.match(key, func(k rule.Key, v rule.Value) Action {
		fn(k, v)
		return Continue
	})
}

// Test implements Backend.
func (f *File) Test(key rule.Key) (int, rule.Value) {
	return f.core.test(key)
}

// TxStart implements Backend.
func (f *File) TxStart() error {
	return f.backup()
}

// TxCommit implements Backend.
func (f *File) TxCommit() error {
	return f.save(namesPath(f.dir), rulesPath(f.dir))
}

// TxCancel implements Backend.
func (f *File) TxCancel() error {
	return f.recover()
}

// GC rewrites both files through save once at least 20% of the names
// are unreferenced, renumbering every rule against the surviving,
// compacted name table.
func (f *File) GC() error {
	total := len(f.core.arena.names)
	if total == 0 {
		return nil
	}
	referenced := make([]bool, total)
	mark := func(idx int32) {
		if idx >= 0 && int(idx) < total {
			referenced[idx] = true
		}
	}
	unreferenced := 0
	for _, s := range f.core.rules {
		if s.removed {
			continue
		}
		mark(s.client)
		mark(s.session)
		mark(s.user)
		mark(s.permission)
		mark(s.value)
	}
	for _, r := range referenced {
		if !r {
			unreferenced++
		}
	}
	if unreferenced*5 < total { // less than 20% unreferenced: not worth it
		return nil
	}

	remap := make([]int32, total)
	nc := newCore()
	for i, name := range f.core.arena.names {
		if referenced[i] {
			remap[i] = nc.arena.intern(name, true)
		} else {
			remap[i] = SentinelNone
		}
	}
	apply := func(idx int32) int32 {
		if idx < 0 {
			return idx // sentinel (Wide/Any/None), passes through unchanged
		}
		return remap[idx]
	}
	for _, s := range f.core.rules {
		if s.removed {
			continue
		}
		nc.rules = append(nc.rules, slot{
			client:     apply(s.client),
			session:    apply(s.session),
			user:       apply(s.user),
			permission: apply(s.permission),
			value:      apply(s.value),
			expire:     s.expire,
		})
	}
	f.core = nc
	return f.save(namesPath(f.dir), rulesPath(f.dir))
}

// Sync implements Backend: flush the in-memory mirror to disk without
// touching the backup pair.
func (f *File) Sync() error {
	return f.save(namesPath(f.dir), rulesPath(f.dir))
}

// RuleCount implements Backend.
func (f *File) RuleCount() int { return f.core.ruleCount() }
