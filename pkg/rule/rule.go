// Package rule defines the shared shape of an authorization rule: a
// four-field key (client, session, user, permission) and a value
// (verdict, expire). Every backend, the db facade, and the query
// engine exchange rules in this form.
package rule

// Field atoms recognized on the wire and in stored rules.
const (
	// Wide is the stored-field wildcard: it matches any queried value.
	Wide = "*"
	// Any is the query-field wildcard used by list/drop; it matches
	// both concrete stored values and Wide.
	Any = "#"
)

// Key is the 4-tuple identifying a rule.
type Key struct {
	Client     string
	Session    string
	User       string
	Permission string
}

// Value is the verdict and expiration carried by a rule.
type Value struct {
	Value  string
	Expire int64
}

// Field names a position in a Key, used to index per-field scoring
// tables and error messages.
type Field int

const (
	FieldClient Field = iota
	FieldSession
	FieldUser
	FieldPermission
	fieldCount
)

// At returns the key's field at the given position.
func (k Key) At(f Field) string {
	switch f {
	case FieldClient:
		return k.Client
	case FieldSession:
		return k.Session
	case FieldUser:
		return k.User
	case FieldPermission:
		return k.Permission
	default:
		return ""
	}
}

// NormalizeStored maps an empty field to Wide, the form stored rules
// use for "matches anything".
func NormalizeStored(v string) string {
	if v == "" {
		return Wide
	}
	return v
}

// NormalizeQuery maps an empty field to Any, the form search patterns
// use for "unconstrained at this position".
func NormalizeQuery(v string) string {
	if v == "" {
		return Any
	}
	return v
}
