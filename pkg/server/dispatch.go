package server

import (
	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/cynmetrics"
	"github.com/iotbzh/cynagora/pkg/expire"
	"github.com/iotbzh/cynagora/pkg/rule"
)

// protoError replies "error invalid" and, unless the connection is
// relaxed, tears it down. Grounded on cyn-server.c's on_any_error:
// a malformed request is fatal except when the client has asked for
// tolerance.
func (s *Server) protoError(c *conn) {
	_ = c.sendError("invalid")
	if !c.relax {
		c.invalid = true
		s.closeConn(c)
	}
}

// unauthorized replies "error refused" for a command the connection's
// socket classification does not permit.
func (s *Server) unauthorized(c *conn) {
	_ = c.sendError("refused")
	if !c.relax {
		c.invalid = true
		s.closeConn(c)
	}
}

// denied replies "error denied" for a command that is well-formed and
// permitted for this connection kind but fails a state precondition
// (no open transaction, unknown ask id, ...).
func (s *Server) denied(c *conn) {
	_ = c.sendError("denied")
	if !c.relax {
		c.invalid = true
		s.closeConn(c)
	}
}

func (s *Server) authorize(c *conn, kinds ...connKind) bool {
	for _, k := range kinds {
		if c.kind == k {
			return true
		}
	}
	return false
}

// handleFields routes one decoded record. Per §4.6, a client that
// never sends the handshake is silently assumed to be at version 1 the
// moment its first recognized command arrives.
func (s *Server) handleFields(c *conn, fields []string) {
	if c.invalid || len(fields) == 0 {
		s.protoError(c)
		return
	}
	cmd := fields[0]
	if c.version == 0 {
		if cmd == tokCynagora {
			s.handleHandshake(c, fields)
			return
		}
		c.version = 1
	}

	switch cmd {
	case tokCynagora:
		s.handleHandshake(c, fields)
	case tokCheck:
		s.handleCheckOrTest(c, fields, true)
	case tokTest:
		s.handleCheckOrTest(c, fields, false)
	case tokEnter:
		s.handleEnter(c, fields)
	case tokLeave:
		s.handleLeave(c, fields)
	case tokSet:
		s.handleSet(c, fields)
	case tokDrop:
		s.handleDrop(c, fields)
	case tokGet:
		s.handleGet(c, fields)
	case tokLog:
		s.handleLog(c, fields)
	case tokAgent:
		s.handleAgentRegister(c, fields)
	case tokReply:
		s.handleReply(c, fields)
	case tokSub:
		s.handleSub(c, fields)
	case tokClearall:
		s.handleClearall(c, fields)
	default:
		s.protoError(c)
	}
}

func (s *Server) handleHandshake(c *conn, fields []string) {
	if len(fields) != 2 || fields[1] != protocolVersion {
		s.protoError(c)
		return
	}
	c.version = 1
	_ = c.send(tokDone, protocolVersion, s.engine.ChangeIDString())
}

// handleCheckOrTest implements the `check`/`test` commands: a check
// runs with full agent recursion, a test always resolves at depth 0.
// The reply is delivered later (possibly after an agent round trip)
// through replyVerdict, referenced by the query's textual id rather
// than by arrival order.
func (s *Server) handleCheckOrTest(c *conn, fields []string, deep bool) {
	if len(fields) != 6 {
		s.protoError(c)
		return
	}
	id := fields[1]
	key := rule.Key{Client: fields[2], Session: fields[3], User: fields[4], Permission: fields[5]}

	pc := &pendingCheck{cc: c, id: id, isCheck: deep}
	c.checks = append(c.checks, pc)
	c.caching = true

	kindLabel := "test"
	query := s.engine.TestAsync
	if deep {
		kindLabel = "check"
		query = s.engine.CheckAsync
	}
	timer := cynmetrics.NewTimer()
	err := query(key, func(v rule.Value) {
		if pc.cc == nil {
			return // the owning connection died before this resolved
		}
		pc.cc.removeCheck(pc)
		timer.ObserveDurationVec(cynmetrics.QueryDuration, kindLabel)
		s.replyVerdict(pc.cc, pc.id, v, kindLabel)
	})
	if err != nil {
		c.removeCheck(pc)
		s.protoError(c)
	}
}

// replyVerdict encodes a resolved query value as the check/sub reply
// grammar: "yes"/"no" with an optional expire field, or "ack" for any
// other (indeterminate, unresolved-agent) verdict string.
func (s *Server) replyVerdict(c *conn, id string, v rule.Value, kindLabel string) {
	switch v.Value {
	case cyn.VerdictYes:
		cynmetrics.QueriesTotal.WithLabelValues(kindLabel, tokYes).Inc()
		if txt, present := formatCheckExpire(v.Expire); present {
			_ = c.send(tokYes, id, txt)
		} else {
			_ = c.send(tokYes, id)
		}
	case cyn.VerdictNo:
		cynmetrics.QueriesTotal.WithLabelValues(kindLabel, tokNo).Inc()
		if txt, present := formatCheckExpire(v.Expire); present {
			_ = c.send(tokNo, id, txt)
		} else {
			_ = c.send(tokNo, id)
		}
	default:
		cynmetrics.QueriesTotal.WithLabelValues(kindLabel, tokAck).Inc()
		_ = c.send(tokAck, id)
	}
}

func (s *Server) handleEnter(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 1 {
		s.protoError(c)
		return
	}
	if c.entered || c.entering {
		s.denied(c)
		return
	}
	c.entering = true
	err := s.engine.EnterAsync(c, func() {
		c.entering = false
		c.entered = true
		_ = c.send(tokDone)
	})
	if err != nil {
		c.entering = false
		s.protoError(c)
	}
}

func (s *Server) handleLeave(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) < 1 || len(fields) > 2 {
		s.protoError(c)
		return
	}
	if !c.entered {
		s.denied(c)
		return
	}
	commit := false
	if len(fields) == 2 {
		switch {
		case ckarg(fields[1], tokCommit):
			commit = true
		case ckarg(fields[1], tokRollback):
			commit = false
		default:
			s.protoError(c)
			return
		}
	}

	err := s.engine.Leave(c, commit)
	c.entered = false
	outcome := "rollback"
	if commit {
		outcome = "commit"
	}
	if err != nil {
		// A failed commit replay already rolled both backends back and
		// left the change-id stable; the connection itself stays up.
		cynmetrics.TransactionsTotal.WithLabelValues("failed").Inc()
		_ = c.sendError("")
		return
	}
	cynmetrics.TransactionsTotal.WithLabelValues(outcome).Inc()
	if commit {
		mem, file := s.engine.Facade().RuleCounts()
		cynmetrics.RulesTotal.WithLabelValues("mem").Set(float64(mem))
		cynmetrics.RulesTotal.WithLabelValues("file").Set(float64(file))
	}
	_ = c.send(tokDone, s.engine.ChangeIDString())
}

func (s *Server) handleSet(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) < 6 || len(fields) > 7 {
		s.protoError(c)
		return
	}
	if !c.entered {
		s.denied(c)
		return
	}
	key := rule.Key{Client: fields[1], Session: fields[2], User: fields[3], Permission: fields[4]}
	var exp int64
	if len(fields) == 7 {
		v, err := expire.TxtToExp(fields[6], true)
		if err != nil {
			s.protoError(c)
			return
		}
		exp = v
	}
	if err := s.engine.Set(c, key, rule.Value{Value: fields[5], Expire: exp}); err != nil {
		s.denied(c)
		return
	}
	_ = c.sendDone()
}

func (s *Server) handleDrop(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 5 {
		s.protoError(c)
		return
	}
	if !c.entered {
		s.denied(c)
		return
	}
	key := rule.Key{Client: fields[1], Session: fields[2], User: fields[3], Permission: fields[4]}
	if err := s.engine.Drop(c, key); err != nil {
		s.denied(c)
		return
	}
	_ = c.sendDone()
}

func (s *Server) handleGet(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 5 {
		s.protoError(c)
		return
	}
	key := rule.Key{Client: fields[1], Session: fields[2], User: fields[3], Permission: fields[4]}
	s.engine.List(key, func(k rule.Key, v rule.Value) {
		if txt, present := formatGetExpire(v.Expire); present {
			_ = c.send(tokItem, k.Client, k.Session, k.User, k.Permission, v.Value, txt)
		} else {
			_ = c.send(tokItem, k.Client, k.Session, k.User, k.Permission, v.Value)
		}
	})
	_ = c.sendDone()
}

func (s *Server) handleLog(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin) {
		s.unauthorized(c)
		return
	}
	if len(fields) < 1 || len(fields) > 2 {
		s.protoError(c)
		return
	}
	if len(fields) == 2 {
		switch {
		case ckarg(fields[1], tokOn):
			s.logTraffic = true
		case ckarg(fields[1], tokOff):
			s.logTraffic = false
		default:
			s.protoError(c)
			return
		}
	}
	state := tokOff
	if s.logTraffic {
		state = tokOn
	}
	_ = c.send(tokDone, state)
}

func (s *Server) handleAgentRegister(c *conn, fields []string) {
	if !s.authorize(c, kindAgent) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 2 {
		s.protoError(c)
		return
	}
	name := fields[1]
	err := s.engine.AgentAdd(name, c, func(agentName string, key rule.Key, payload string, q *cyn.Query) error {
		return s.issueAsk(c, agentName, key, payload, q)
	})
	if err != nil {
		s.denied(c)
		return
	}
	_ = c.sendDone()
}

// issueAsk allocates an ask id unique on c and forwards the ask line
// to the connected agent. The ask stays pending until `reply` (or
// connection loss) resolves it.
func (s *Server) issueAsk(c *conn, name string, key rule.Key, payload string, q *cyn.Query) error {
	id := c.nextAskID()
	c.asks[id] = q
	cynmetrics.AgentInvocationsTotal.WithLabelValues(name).Inc()
	return c.send(tokAsk, id, name, payload, key.Client, key.Session, key.User, key.Permission)
}

func (s *Server) handleReply(c *conn, fields []string) {
	if !s.authorize(c, kindAgent) {
		s.unauthorized(c)
		return
	}
	if len(fields) < 3 || len(fields) > 4 {
		s.protoError(c)
		return
	}
	verdict := fields[2]
	if verdict != tokYes && verdict != tokNo {
		s.protoError(c)
		return
	}
	q := c.searchAsk(fields[1], true)
	if q == nil {
		s.denied(c)
		return
	}
	var exp int64
	if len(fields) == 4 {
		v, err := expire.TxtToExp(fields[3], true)
		if err != nil {
			s.protoError(c)
			return
		}
		exp = v
	}
	q.Reply(rule.Value{Value: verdict, Expire: exp})
	_ = c.sendDone()
}

// handleSub implements the agent-initiated recursive sub-check: the
// ask stays open (it may still carry a final `reply`, or further
// `sub`s), and the resolved verdict is reported back to the agent on
// this same connection, correlated by the caller-supplied checkid
// rather than the ask id, the way a top-level check is correlated by
// its own id.
func (s *Server) handleSub(c *conn, fields []string) {
	if !s.authorize(c, kindAgent) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 7 {
		s.protoError(c)
		return
	}
	q := c.searchAsk(fields[1], false)
	if q == nil {
		s.denied(c)
		return
	}
	checkID := fields[2]
	key := rule.Key{Client: fields[3], Session: fields[4], User: fields[5], Permission: fields[6]}
	err := q.Subquery(key, func(v rule.Value) {
		s.replyVerdict(c, checkID, v, "sub")
	})
	if err != nil {
		s.denied(c)
	}
}

func (s *Server) handleClearall(c *conn, fields []string) {
	if !s.authorize(c, kindAdmin, kindAgent) {
		s.unauthorized(c)
		return
	}
	if len(fields) != 1 {
		s.protoError(c)
		return
	}
	s.engine.Changed()
	_ = c.send(tokDone, s.engine.ChangeIDString())
}
