package server

import "github.com/iotbzh/cynagora/pkg/expire"

// formatCheckExpire renders the expire field of a check/test reply.
// Grounded on exp2check: a value that never expires (0) omits the
// field entirely, a no-cache value (negative) collapses to the bare
// "-" flag, and anything else is the exact remaining-duration text.
func formatCheckExpire(exp int64) (txt string, present bool) {
	if exp == 0 {
		return "", false
	}
	if exp < 0 {
		return "-", true
	}
	return expire.ExpToTxt(exp, true), true
}

// formatGetExpire renders the expire field of a "get" listing item.
// Grounded on exp2get: omits the field for a value that never
// expires, otherwise prints the full remaining-duration text (a
// no-cache value still shows its "-"-prefixed duration here, unlike
// formatCheckExpire).
func formatGetExpire(exp int64) (txt string, present bool) {
	if exp == 0 {
		return "", false
	}
	return expire.ExpToTxt(exp, true), true
}
