// Package agent implements cynagora's built-in "@" agent: a
// template-driven key rewrite that issues a recursive sub-query.
//
// Grounded on cyn.c's required_agent/agent dispatch and cyn.h's
// description of the "@" name; the template grammar itself (3 ';'
// separated fields, %c/%s/%u/%p/%%/%; substitution, empty field means
// ANY) is spec.md §4.8's description, there being no surviving
// original_source file dedicated to it (the C sources register it the
// same way any other agent is registered, via cyn_agent_add).
package agent

import (
	"strings"

	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/rule"
)

// Name is the registration name of the built-in agent.
const Name = "@"

// Register installs the built-in agent on e.
func Register(e *cyn.Engine) error {
	return e.AgentAdd(Name, nil, onAsk)
}

func onAsk(name string, key rule.Key, payload string, q *cyn.Query) error {
	rewritten := substitute(payload, key)
	return q.Subquery(rewritten, q.Reply)
}

// substitute expands payload's %c/%s/%u/%p/%%/%; escapes against key,
// splits the result on unescaped ';' into up to 4 fields (missing
// trailing fields are empty), and maps each empty field to ANY.
func substitute(payload string, key rule.Key) rule.Key {
	fields := splitTemplate(payload)
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	resolve := func(s string) string {
		s = expand(s, key)
		if s == "" {
			return rule.Any
		}
		return s
	}
	return rule.Key{
		Client:     resolve(fields[0]),
		Session:    resolve(fields[1]),
		User:       resolve(fields[2]),
		Permission: resolve(fields[3]),
	}
}

// splitTemplate splits on ';' that is not preceded by an unconsumed
// '%' escape.
func splitTemplate(tpl string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(tpl); {
		if tpl[i] == '%' && i+1 < len(tpl) {
			cur.WriteByte(tpl[i])
			cur.WriteByte(tpl[i+1])
			i += 2
			continue
		}
		if tpl[i] == ';' {
			fields = append(fields, cur.String())
			cur.Reset()
			i++
			continue
		}
		cur.WriteByte(tpl[i])
		i++
	}
	fields = append(fields, cur.String())
	return fields
}

func expand(s string, key rule.Key) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '%' && i+1 < len(s) {
			switch s[i+1] {
			case 'c':
				b.WriteString(key.Client)
			case 's':
				b.WriteString(key.Session)
			case 'u':
				b.WriteString(key.User)
			case 'p':
				b.WriteString(key.Permission)
			case '%':
				b.WriteByte('%')
			case ';':
				b.WriteByte(';')
			default:
				b.WriteByte(s[i])
				b.WriteByte(s[i+1])
			}
			i += 2
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
