// Package cynclient implements the client side of cynagora's wire
// protocol: connect, handshake, and the request/reply shape for
// every command a checker, admin, or agent tool issues.
//
// spec.md scopes the client library out of the daemon's core and
// only names its contract (§1, §6); this package is the concrete
// shape of that contract, grounded on original_source/src/rcyn-client.c's
// connect/handshake/request-reply flow and reusing pkg/wire's framing
// so the two sides of the protocol can never drift.
package cynclient

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iotbzh/cynagora/pkg/expire"
	"github.com/iotbzh/cynagora/pkg/idgen"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/wire"
)

// Item is one rule reported by Get.
type Item struct {
	Key   rule.Key
	Value rule.Value
}

// Client is a single connection to a cynagora socket, speaking the
// line-framed protocol as either a checker, an admin, or an agent.
type Client struct {
	nc  net.Conn
	r   *bufio.Reader
	mu  sync.Mutex
	ids *idgen.Generator

	changeID atomic.Value // string
	onClear  atomic.Value // func(string)
	readErr  atomic.Value // error, set before replies is closed

	// replies is non-nil once an async reader goroutine is running
	// (Open), demultiplexing unsolicited "clear" pushes away from the
	// reply stream call()/Get() consume. OpenAgent's connection has no
	// reader goroutine: AgentSession.Next/RawResult read c.r directly,
	// since an agent connection's traffic has no fixed request/reply
	// shape for a background reader to demultiplex against.
	replies chan []string
}

// Open dials uri ("unix:/path" or "tcp:host:port"), performs the
// initial handshake fixing the protocol at version 1, and starts a
// background reader that separates unsolicited "clear" notifications
// (see Subscribe) from ordinary command replies. cyn-server.c can
// push a "clear" line between any two replies on a connection that
// has issued a check/test since the last one (spec.md §4.4.2); without
// demultiplexing, such a push would be misread as the reply to
// whatever command happens to be in flight.
func Open(uri string) (*Client, error) {
	c, err := connect(uri)
	if err != nil {
		return nil, err
	}
	c.replies = make(chan []string, 8)
	go c.readLoop()
	return c, nil
}

// connect dials and handshakes synchronously, with no background
// reader; used by Open (which then starts one) and by OpenAgent
// (which never does, since AgentSession drives c.r itself).
func connect(uri string) (*Client, error) {
	nc, err := dial(uri)
	if err != nil {
		return nil, err
	}
	c := &Client{nc: nc, r: bufio.NewReader(nc), ids: idgen.New()}
	c.changeID.Store("0")
	if err := c.handshake(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// readLoop is the background demultiplexer started by Open: every
// "clear" record updates ChangeID and fires the Subscribe callback,
// if any; every other record is handed to whichever call()/Get() is
// waiting on it.
func (c *Client) readLoop() {
	for {
		fields, err := readRecord(c.r)
		if err != nil {
			// Closing replies delivers the error to every current and
			// future caller: a connection that died mid-Get (several
			// callers queued behind c.mu) must not leave the later
			// ones blocked on a channel nobody feeds.
			c.readErr.Store(err)
			close(c.replies)
			return
		}
		if len(fields) > 0 && fields[0] == "clear" {
			if len(fields) >= 2 {
				c.changeID.Store(fields[1])
				if cb, ok := c.onClear.Load().(func(string)); ok && cb != nil {
					cb(fields[1])
				}
			}
			continue
		}
		c.replies <- fields
	}
}

// Subscribe registers cb to be called with the new change-id whenever
// the server pushes an unsolicited "clear" notification, i.e. some
// other connection committed a change since this connection's last
// check/test. Only meaningful on a Client from Open; the server only
// ever pushes "clear" to a connection that has issued a check/test
// (see broadcastClear in pkg/server), so a pure admin connection
// never sees one.
func (c *Client) Subscribe(cb func(changeID string)) {
	c.onClear.Store(cb)
}

// readOne returns the next reply record, pulling from the async
// reader's channel when one is running (Open) or reading the
// connection directly otherwise (OpenAgent's registration handshake).
func (c *Client) readOne() ([]string, error) {
	if c.replies == nil {
		return readRecord(c.r)
	}
	fields, ok := <-c.replies
	if !ok {
		if err, _ := c.readErr.Load().(error); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return fields, nil
}

func dial(uri string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(uri, "unix:"):
		return net.Dial("unix", strings.TrimPrefix(uri, "unix:"))
	case strings.HasPrefix(uri, "tcp:"):
		return net.Dial("tcp", strings.TrimPrefix(uri, "tcp:"))
	default:
		return net.Dial("unix", uri)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.nc.Close() }

// ChangeID returns the change-id last observed in a handshake, leave,
// or clear reply.
func (c *Client) ChangeID() string { return c.changeID.Load().(string) }

func (c *Client) handshake() error {
	fields, err := c.call("cynagora", "1")
	if err != nil {
		return err
	}
	if len(fields) < 3 || fields[0] != "done" {
		return fmt.Errorf("cynclient: unexpected handshake reply %v", fields)
	}
	c.changeID.Store(fields[2])
	return nil
}

// call writes one request record and reads back exactly one reply
// record. It must not be used for `get`, whose reply streams several
// records; see Get.
func (c *Client) call(fields ...string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundtrip(fields...)
}

func (c *Client) roundtrip(fields ...string) ([]string, error) {
	enc, err := wire.EncodeFields(fields...)
	if err != nil {
		return nil, err
	}
	if _, err := c.nc.Write(enc); err != nil {
		return nil, err
	}
	return c.readOne()
}

// readRecord reads bytes up to the next unescaped RS and decodes them
// into fields, tracking escape state byte-by-byte so an escaped
// newline never terminates early.
func readRecord(r *bufio.Reader) ([]string, error) {
	var buf []byte
	escaped := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if escaped {
			buf = append(buf, b)
			escaped = false
			continue
		}
		if b == wire.ESC {
			buf = append(buf, b)
			escaped = true
			continue
		}
		if b == wire.RS {
			return wire.DecodeRecord(buf)
		}
		buf = append(buf, b)
	}
}

func asErr(fields []string) error {
	if len(fields) == 0 || fields[0] != "error" {
		return nil
	}
	return fmt.Errorf("cynclient: server error: %s", strings.Join(fields[1:], " "))
}

// Check asks a full (agent-recursive) query. expire is the "-"
// no-cache flag or a relative duration text; it is empty when the
// server omitted an expire field (the rule never expires).
func (c *Client) Check(key rule.Key) (verdict, expireText string, err error) {
	return c.checkOrTest("check", key)
}

// Test asks a query with no agent recursion: the raw stored verdict
// is returned unresolved.
func (c *Client) Test(key rule.Key) (verdict, expireText string, err error) {
	return c.checkOrTest("test", key)
}

func (c *Client) checkOrTest(cmd string, key rule.Key) (string, string, error) {
	id := c.ids.Next()
	fields, err := c.call(cmd, id, key.Client, key.Session, key.User, key.Permission)
	if err != nil {
		return "", "", err
	}
	if err := asErr(fields); err != nil {
		return "", "", err
	}
	if len(fields) < 2 {
		return "", "", fmt.Errorf("cynclient: short %s reply %v", cmd, fields)
	}
	verdict := fields[0]
	expireText := ""
	if len(fields) >= 3 {
		expireText = fields[2]
	}
	return verdict, expireText, nil
}

// Enter begins an admin transaction.
func (c *Client) Enter() error {
	fields, err := c.call("enter")
	if err != nil {
		return err
	}
	return asErr(fields)
}

// Leave ends the open admin transaction. On commit the reply's
// change-id is recorded for ChangeID.
func (c *Client) Leave(commit bool) error {
	arg := "rollback"
	if commit {
		arg = "commit"
	}
	fields, err := c.call("leave", arg)
	if err != nil {
		return err
	}
	if err := asErr(fields); err != nil {
		return err
	}
	if commit && len(fields) >= 2 {
		c.changeID.Store(fields[1])
	}
	return nil
}

// Set queues a rule insert/replace within the open transaction.
// expireText is the textual expiration grammar (§4.7); pass "" for
// forever.
func (c *Client) Set(key rule.Key, verdict, expireText string) error {
	args := []string{"set", key.Client, key.Session, key.User, key.Permission, verdict}
	if expireText != "" {
		args = append(args, expireText)
	}
	fields, err := c.call(args...)
	if err != nil {
		return err
	}
	return asErr(fields)
}

// Drop queues removal of every rule matching key.
func (c *Client) Drop(key rule.Key) error {
	fields, err := c.call("drop", key.Client, key.Session, key.User, key.Permission)
	if err != nil {
		return err
	}
	return asErr(fields)
}

// Get lists every live rule matching key.
func (c *Client) Get(key rule.Key) ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc, err := wire.EncodeFields("get", key.Client, key.Session, key.User, key.Permission)
	if err != nil {
		return nil, err
	}
	if _, err := c.nc.Write(enc); err != nil {
		return nil, err
	}
	var items []Item
	for {
		fields, err := c.readOne()
		if err != nil {
			return items, err
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "item":
			if len(fields) < 6 {
				return items, fmt.Errorf("cynclient: short item %v", fields)
			}
			it := Item{
				Key:   rule.Key{Client: fields[1], Session: fields[2], User: fields[3], Permission: fields[4]},
				Value: rule.Value{Value: fields[5]},
			}
			if len(fields) >= 7 {
				// the server renders a remaining duration; convert it
				// back to the absolute epoch form rules carry
				exp, perr := expire.TxtToExp(fields[6], true)
				if perr != nil {
					return items, fmt.Errorf("cynclient: item expire: %w", perr)
				}
				it.Value.Expire = exp
			}
			items = append(items, it)
		case "done":
			return items, nil
		case "error":
			return items, asErr(fields)
		default:
			return items, fmt.Errorf("cynclient: unexpected get reply %v", fields)
		}
	}
}

// ClearAll forces a change-id bump and cache-invalidation broadcast
// with no underlying rule edit.
func (c *Client) ClearAll() error {
	fields, err := c.call("clearall")
	if err != nil {
		return err
	}
	if err := asErr(fields); err != nil {
		return err
	}
	if len(fields) >= 2 {
		c.changeID.Store(fields[1])
	}
	return nil
}

// Importer adapts a Client to rulefile.Transactional: Begin/Commit/
// Rollback wrap Enter/Leave, and Set takes a rule.Value rather than
// the split verdict/expireText Client.Set uses directly, rendering
// the expiration back to text via pkg/expire the way an admin-side
// rule dump would.
type Importer struct {
	*Client
}

// NewImporter wraps c for use with rulefile.ImportFile.
func NewImporter(c *Client) Importer { return Importer{Client: c} }

// Begin opens the admin transaction an import runs inside.
func (i Importer) Begin() error { return i.Client.Enter() }

// Commit closes the transaction, keeping every imported rule.
func (i Importer) Commit() error { return i.Client.Leave(true) }

// Rollback closes the transaction, discarding every imported rule.
func (i Importer) Rollback() error { return i.Client.Leave(false) }

// Set queues one rule insert/replace, translating value's numeric
// expiration into the wire's textual grammar.
func (i Importer) Set(key rule.Key, value rule.Value) error {
	return i.Client.Set(key, value.Value, expire.ExpToTxt(value.Expire, true))
}

// Log toggles or reports server-side protocol logging.
func (c *Client) Log(state string) (string, error) {
	var fields []string
	var err error
	if state == "" {
		fields, err = c.call("log")
	} else {
		fields, err = c.call("log", state)
	}
	if err != nil {
		return "", err
	}
	if err := asErr(fields); err != nil {
		return "", err
	}
	if len(fields) < 2 {
		return "", fmt.Errorf("cynclient: short log reply %v", fields)
	}
	return fields[1], nil
}

// AgentSession wraps a connection opened on the agent socket: after
// OpenAgent, Next delivers each incoming "ask" line for the caller to
// answer with Reply or Sub.
type AgentSession struct {
	c *Client
}

// Ask is one outstanding server->agent request.
type Ask struct {
	ID      string
	Name    string
	Payload string
	Key     rule.Key
}

// OpenAgent dials the agent socket and registers name.
func OpenAgent(uri, name string) (*AgentSession, error) {
	c, err := connect(uri)
	if err != nil {
		return nil, err
	}
	fields, err := c.call("agent", name)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := asErr(fields); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &AgentSession{c: c}, nil
}

// Close closes the agent connection.
func (a *AgentSession) Close() error { return a.c.Close() }

// Next blocks for the next "ask" record addressed to this agent.
func (a *AgentSession) Next() (Ask, error) {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	for {
		fields, err := readRecord(a.c.r)
		if err != nil {
			return Ask{}, err
		}
		if len(fields) == 0 {
			continue
		}
		if fields[0] != "ask" {
			continue
		}
		if len(fields) != 8 {
			return Ask{}, fmt.Errorf("cynclient: malformed ask %v", fields)
		}
		return Ask{
			ID:      fields[1],
			Name:    fields[2],
			Payload: fields[3],
			Key:     rule.Key{Client: fields[4], Session: fields[5], User: fields[6], Permission: fields[7]},
		}, nil
	}
}

// Reply answers ask.ID with yes/no and an optional expire. The
// server's "done" acknowledgment is not read here: it would race the
// next incoming "ask" on this connection, so Next simply skims any
// non-"ask" record off the stream instead.
func (a *AgentSession) Reply(ask Ask, verdict string, expireText string) error {
	args := []string{"reply", ask.ID, verdict}
	if expireText != "" {
		args = append(args, expireText)
	}
	enc, err := wire.EncodeFields(args...)
	if err != nil {
		return err
	}
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	_, err = a.c.nc.Write(enc)
	return err
}

// Sub issues a recursive sub-check under ask, identified by its own
// checkID for correlating the eventual yes/no/ack reply delivered as
// a later record on the agent connection the caller reads via RawResult.
func (a *AgentSession) Sub(ask Ask, checkID string, key rule.Key) error {
	enc, err := wire.EncodeFields("sub", ask.ID, checkID, key.Client, key.Session, key.User, key.Permission)
	if err != nil {
		return err
	}
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	_, err = a.c.nc.Write(enc)
	return err
}

// RawResult reads the next record on the agent connection, whatever
// its first field, used after Sub to collect the sub-check's
// yes/no/ack reply; an "ask" arriving first is returned as is.
func (a *AgentSession) RawResult() ([]string, error) {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return readRecord(a.c.r)
}
