package server

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/idgen"
	"github.com/iotbzh/cynagora/pkg/wire"
)

// connKind is the socket a connection was accepted on; it gates which
// commands are legal, mirroring cyn-server.c's server_type_t.
type connKind int

const (
	kindCheck connKind = iota
	kindAgent
	kindAdmin
)

func (k connKind) String() string {
	switch k {
	case kindCheck:
		return "check"
	case kindAgent:
		return "agent"
	case kindAdmin:
		return "admin"
	default:
		return "?"
	}
}

// pendingCheck is the suspended reply path of one in-flight check/test
// query. cc is nulled by destroyClient so a callback firing after the
// connection died is a silent no-op, the way cyn-server.c nulls
// check->client.
type pendingCheck struct {
	cc      *conn
	id      string
	isCheck bool
}

// conn is one client connection's protocol state, the Go counterpart
// of cyn-server.c's client_t. Every field here is read and written
// only from the owning Server's dispatch goroutine; the per-connection
// reader goroutine never touches it.
type conn struct {
	srv  *Server
	kind connKind
	nc   net.Conn
	log  zerolog.Logger
	out  *wire.RingBuffer

	version  int
	relax    bool
	invalid  bool
	entered  bool
	entering bool
	caching  bool

	checks []*pendingCheck

	// idgen/asks are only populated for kindAgent connections, which
	// issue ask ids and hold the queries waiting on a reply/sub.
	idgen *idgen.Generator
	asks  map[string]*cyn.Query
}

func newConn(srv *Server, nc net.Conn, kind connKind) *conn {
	c := &conn{
		srv:  srv,
		kind: kind,
		nc:   nc,
		log:  srv.log.With().Str("peer", nc.RemoteAddr().String()).Str("socket", kind.String()).Logger(),
		out:  wire.NewRingBuffer(2 * wire.MaxBytes),
	}
	if kind == kindAgent {
		c.idgen = idgen.New()
		c.asks = make(map[string]*cyn.Query)
	}
	return c
}

// send encodes fields as one record and writes it out, flushing the
// ring buffer first if the new record does not fit.
func (c *conn) send(fields ...string) error {
	enc, err := wire.EncodeFields(fields...)
	if err != nil {
		return err
	}
	if !c.out.Put(enc) {
		if _, ferr := c.out.WriteTo(c.nc); ferr != nil {
			return ferr
		}
		if !c.out.Put(enc) {
			return wire.ErrTooLarge
		}
	}
	_, err = c.out.WriteTo(c.nc)
	return err
}

func (c *conn) sendDone(extra ...string) error {
	return c.send(append([]string{tokDone}, extra...)...)
}

// sendError sends an "error" reply, bare when msg is empty. The
// original never echoes internal error detail to the wire; msg is only
// one of the fixed words "invalid", "refused" or "denied".
func (c *conn) sendError(msg string) error {
	if msg == "" {
		return c.send(tokError)
	}
	return c.send(tokError, msg)
}

// removeCheck unlinks pc from the connection's pending-check list.
func (c *conn) removeCheck(pc *pendingCheck) {
	for i, x := range c.checks {
		if x == pc {
			c.checks = append(c.checks[:i], c.checks[i+1:]...)
			return
		}
	}
}

// searchAsk finds the ask registered under id, optionally unlinking it
// (reply consumes an ask; sub only peeks at it), mirroring searchask.
func (c *conn) searchAsk(id string, unlink bool) *cyn.Query {
	q, ok := c.asks[id]
	if !ok {
		return nil
	}
	if unlink {
		delete(c.asks, id)
	}
	return q
}

// nextAskID allocates an id not already in use by this connection,
// looping the way agentcb does against searchask.
func (c *conn) nextAskID() string {
	id := c.idgen.Next()
	for {
		if _, busy := c.asks[id]; !busy {
			return id
		}
		id = c.idgen.Next()
	}
}
