// Package rulefile reads cynagora's plain-text initial-database
// format (spec.md §6): one rule per line, "client session user
// permission value expire", "#"-comments, whitespace-insensitive
// fields, "*" for WIDE and "#" for ANY. It is used both to seed an
// empty persistent store on first boot and by `cynagora-admin import`
// to bulk-load a rule dump into a running daemon.
//
// Grounded on original_source/src/dbinit.c and db-import.c: both read
// the same line format, one running at daemon bootstrap directly
// against the store, the other as an admin-side bulk Set loop. This
// package's Import covers both call sites by taking anything that can
// Set/Drop within a transaction.
package rulefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/iotbzh/cynagora/pkg/expire"
	"github.com/iotbzh/cynagora/pkg/rule"
)

// Setter is the minimal transaction surface Import needs: either
// db.Facade (bootstrap, already holding the lock with nothing else
// contending) or cynclient.Importer (admin CLI, over the wire).
type Setter interface {
	Set(key rule.Key, value rule.Value) error
}

// Transactional additionally supports opening/closing a transaction,
// satisfied by db.Facade directly.
type Transactional interface {
	Setter
	Begin() error
	Commit() error
	Rollback() error
}

// Rule is one parsed line of a rule dump.
type Rule struct {
	Key    rule.Key
	Value  rule.Value
	Line   int
	Source string
}

// Parse reads r and returns every rule line, skipping blank lines and
// "#"-comments. A line is "client session user permission value
// expire [# comment]"; expire uses the same textual grammar pkg/expire
// parses elsewhere, interpreted as absolute (relative to load time).
func Parse(r io.Reader) ([]Rule, error) {
	var out []Rule
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 6 {
			return out, fmt.Errorf("rulefile: line %d: expected 6 fields, got %d", lineNo, len(fields))
		}
		exp, err := expire.TxtToExp(fields[5], true)
		if err != nil {
			return out, fmt.Errorf("rulefile: line %d: %w", lineNo, err)
		}
		out = append(out, Rule{
			Key: rule.Key{
				Client:     normalize(fields[0]),
				Session:    normalize(fields[1]),
				User:       normalize(fields[2]),
				Permission: normalize(fields[3]),
			},
			Value: rule.Value{Value: fields[4], Expire: exp},
			Line:  lineNo,
		})
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// normalize leaves the wire atoms ("*" WIDE, "#" ANY) untouched; it
// exists only to document that no further field rewriting happens,
// unlike the query-time ANY/empty collapse in pkg/rule.
func normalize(s string) string { return s }

// stripComment removes a "# ..." comment, being careful not to clip a
// field whose literal value is the ANY atom "#": a comment only starts
// at a '#' that begins a whitespace-delimited token. A lone "#" that
// opens the line starts a full-line comment, so the client field of a
// rule line cannot be written as ANY.
func stripComment(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "#" && (i == 0 || i > 3) {
			// "#" opening the line or in the value/expire/comment tail
			// position is a comment marker; in the session, user or
			// permission position (1 <= i <= 3) it is ANY.
			return strings.Join(fields[:i], " ")
		}
		if strings.HasPrefix(f, "#") && f != "#" {
			fields[i] = "" // a token such as "#comment" starts a comment
			return strings.Join(fields[:i], " ")
		}
	}
	return line
}

// ImportFile parses path and applies every rule to dst within one
// transaction: Begin, one Set per rule, then Commit, or Rollback on
// the first failing Set. A parse error returns before Begin.
func ImportFile(dst Transactional, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rules, err := Parse(f)
	if err != nil {
		return err
	}
	if err := dst.Begin(); err != nil {
		return err
	}
	for _, r := range rules {
		if err := dst.Set(r.Key, r.Value); err != nil {
			_ = dst.Rollback()
			return fmt.Errorf("rulefile: %s:%d: %w", path, r.Line, err)
		}
	}
	return dst.Commit()
}

// Import is the bootstrap entry point (cynagorad --init-file): it
// opens its own transaction directly against facade, used when the
// daemon is initializing its store before any client has connected.
func Import(facade Transactional, path string) error {
	return ImportFile(facade, path)
}
