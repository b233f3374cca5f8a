// Package server implements the C6 multiplexer: three listening
// sockets (check/admin/agent), per-connection protocol state, and
// dispatch of every wire command into pkg/cyn.
//
// Grounded on cyn-server.c's single-threaded, epoll-driven client_t
// handling; this port replaces the epoll loop with one dispatch
// goroutine fed by a channel, and one reader goroutine per
// connection doing only I/O (never touching engine state), so the
// "single mutable runtime struct owned by the event loop" invariant
// described in spec.md's Design Notes still holds: every read of the
// engine, the connection registry, or any conn's protocol fields
// happens on the dispatch goroutine alone.
package server

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/cynmetrics"
	"github.com/iotbzh/cynagora/pkg/rule"
	"github.com/iotbzh/cynagora/pkg/sockaddr"
	"github.com/iotbzh/cynagora/pkg/wire"
)

// Config holds the three socket URIs the multiplexer binds.
type Config struct {
	CheckSocket string
	AdminSocket string
	AgentSocket string
}

type evKind int

const (
	evConnect evKind = iota
	evData
	evOverflow
	evClose
)

type event struct {
	kind      evKind
	c         *conn
	fields    []string
	malformed bool
}

// Server owns the connection registry and drives cyn.Engine. All of
// its state is read and written only from dispatchLoop's goroutine.
type Server struct {
	log    zerolog.Logger
	engine *cyn.Engine
	cfg    Config

	events chan event
	conns  map[*conn]struct{}

	logTraffic bool
}

// New builds a Server over engine. It registers itself as the
// engine's sole change observer: broadcastClear fans the change-id
// bump out to every connection that has caching set, matching
// spec.md's description of one process-wide observer list collapsed
// into the single-threaded server.
func New(engine *cyn.Engine, cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		log:    log,
		engine: engine,
		cfg:    cfg,
		events: make(chan event, 256),
		conns:  make(map[*conn]struct{}),
	}
	engine.OnChangeAdd(s, s.broadcastClear)
	return s
}

// Serve binds the check/admin/agent sockets and runs until ctx is
// canceled or a listener fails irrecoverably.
func (s *Server) Serve(ctx context.Context) error {
	binds := []struct {
		uri  string
		kind connKind
		mode os.FileMode
	}{
		// The check socket is world-rw; admin and agent deny world
		// write, filesystem permissions being the only admin gate.
		{s.cfg.CheckSocket, kindCheck, 0666},
		{s.cfg.AdminSocket, kindAdmin, 0660},
		{s.cfg.AgentSocket, kindAgent, 0660},
	}

	var lns []net.Listener
	for _, b := range binds {
		ln, err := sockaddr.Listen(b.uri)
		if err != nil {
			for _, prev := range lns {
				_ = prev.Close()
			}
			return err
		}
		if path, ok := sockaddr.UnixPath(b.uri); ok {
			if err := os.Chmod(path, b.mode); err != nil {
				for _, prev := range append(lns, ln) {
					_ = prev.Close()
				}
				return err
			}
		}
		s.log.Info().Str("socket", b.uri).Str("kind", b.kind.String()).Msg("listening")
		lns = append(lns, ln)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(lns))
	for i, ln := range lns {
		wg.Add(1)
		go func(ln net.Listener, kind connKind) {
			defer wg.Done()
			s.acceptLoop(ctx, ln, kind, errCh)
		}(ln, binds[i].kind)
	}

	done := make(chan struct{})
	go func() {
		s.dispatchLoop(ctx)
		close(done)
	}()

	select {
	case err := <-errCh:
		for _, ln := range lns {
			_ = ln.Close()
		}
		<-done
		return err
	case <-ctx.Done():
		for _, ln := range lns {
			_ = ln.Close()
		}
		wg.Wait()
		<-done
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, kind connKind, errCh chan<- error) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			errCh <- err
			return
		}
		c := newConn(s, nc, kind)
		s.events <- event{kind: evConnect, c: c}
		go s.readLoop(c)
	}
}

// readLoop does I/O only: it accumulates bytes, slices off complete
// frames with wire.ScanRecords, and hands decoded fields to the
// dispatch goroutine. It never reads or writes conn protocol state.
func (s *Server) readLoop(c *conn) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := c.nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := wire.ScanRecords(buf)
				if idx < 0 {
					break
				}
				if idx+1 > wire.MaxBytes {
					s.events <- event{kind: evOverflow, c: c}
					return
				}
				record := buf[:idx]
				fields, derr := wire.DecodeRecord(record)
				rest := make([]byte, len(buf)-idx-1)
				copy(rest, buf[idx+1:])
				buf = rest
				if derr != nil {
					s.events <- event{kind: evData, c: c, malformed: true}
					continue
				}
				s.events <- event{kind: evData, c: c, fields: fields}
			}
			if len(buf) > wire.MaxBytes*2 {
				s.events <- event{kind: evOverflow, c: c}
				return
			}
		}
		if err != nil {
			s.events <- event{kind: evClose, c: c}
			return
		}
	}
}

func (s *Server) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evConnect:
		s.conns[ev.c] = struct{}{}
		cynmetrics.ConnectionsTotal.WithLabelValues(ev.c.kind.String()).Inc()
	case evData:
		if _, ok := s.conns[ev.c]; !ok {
			return
		}
		if ev.malformed {
			s.protoError(ev.c)
			return
		}
		if s.logTraffic {
			ev.c.log.Debug().Strs("fields", ev.fields).Msg("recv")
		}
		s.handleFields(ev.c, ev.fields)
	case evOverflow:
		if _, ok := s.conns[ev.c]; ok {
			_ = ev.c.sendError("invalid")
			s.closeConn(ev.c)
		}
	case evClose:
		if _, ok := s.conns[ev.c]; ok {
			s.closeConn(ev.c)
		}
	}
}

// closeConn tears down c per §4.6: cancel any waiter enrolment,
// roll back any held transaction, deny-and-do-not-cache every
// pending ask, null every pending check's back-pointer so a late
// callback no-ops, and unregister any agent this connection owned.
func (s *Server) closeConn(c *conn) {
	if c.entering {
		s.engine.EnterAsyncCancel(c)
		c.entering = false
	}
	if c.entered {
		_ = s.engine.Leave(c, false)
		c.entered = false
	}
	for _, pc := range c.checks {
		pc.cc = nil
	}
	c.checks = nil
	for _, q := range c.asks {
		q.Reply(rule.Value{Value: cyn.VerdictNo, Expire: -1})
	}
	c.asks = nil
	s.engine.AgentRemoveByClosure(c)
	delete(s.conns, c)
	cynmetrics.ConnectionsTotal.WithLabelValues(c.kind.String()).Dec()
	_ = c.nc.Close()
}

// broadcastClear is the engine's sole change observer: every
// connection that has issued a check/test since the last clear gets
// "clear <changeid>" and has its caching flag reset.
func (s *Server) broadcastClear() {
	id := s.engine.ChangeIDString()
	cynmetrics.ChangeID.Set(float64(s.engine.ChangeID()))
	for cc := range s.conns {
		if cc.caching {
			_ = cc.send(tokClear, id)
			cc.caching = false
		}
	}
}
