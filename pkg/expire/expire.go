// Package expire converts between the textual expiration grammar used
// on the wire and the signed 64-bit epoch values stored in rules.
//
// Grammar: {-}? {N[ywdhms]}* | "always" | "forever" | "0" | "*"
// A leading '-' means "honor but do not cache at the checker"; it is
// encoded in the numeric form as a negative value, never as a sign bit
// next to zero (see TxtToExp).
package expire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	sec  int64 = 1
	min  int64 = 60
	hour int64 = 60 * 60
	day  int64 = 24 * 60 * 60
	week int64 = 7 * 24 * 60 * 60
	// year is the average year length including leap days, matching
	// the original's (365*day + day/4).
	year int64 = 365*24*60*60 + 24*60*60/4
)

const (
	tmax = math.MaxInt64
)

// ptAdd adds two non-negative durations with saturation at tmax.
func ptAdd(x, y int64) int64 {
	r := x + y
	if r < 0 {
		return tmax
	}
	return r
}

// ptMul multiplies a non-negative duration by a small non-negative
// factor with saturation at tmax.
func ptMul(x int64, m int) int64 {
	if m <= 1 {
		if m == 1 {
			return x
		}
		return 0
	}
	r := ptMul(x, m>>1)
	r2 := r << 1
	if r2 < 0 || r2 < r {
		r2 = tmax
	}
	if m&1 != 0 {
		return ptAdd(r2, x)
	}
	return r2
}

func ptMulAdd(x int64, m int, y int64) int64 {
	return ptAdd(ptMul(x, m), y)
}

func ptTm10a(x int64, d int) int64 {
	return ptMulAdd(x, 10, int64(d))
}

func parseTimeSpec(txt string) (int64, bool) {
	var r int64
	i := 0
	n := len(txt)
	for i < n {
		var x int64
		for i < n && txt[i] >= '0' && txt[i] <= '9' {
			x = ptTm10a(x, int(txt[i]-'0'))
			i++
		}
		if i >= n {
			r = ptMulAdd(x, int(sec), r)
			break
		}
		switch txt[i] {
		case 'y':
			r = ptMulAdd(x, int(year), r)
			i++
		case 'w':
			r = ptMulAdd(x, int(week), r)
			i++
		case 'd':
			r = ptMulAdd(x, int(day), r)
			i++
		case 'h':
			r = ptMulAdd(x, int(hour), r)
			i++
		case 'm':
			r = ptMulAdd(x, int(min), r)
			i++
		case 's':
			r = ptMulAdd(x, int(sec), r)
			i++
		default:
			return 0, false
		}
	}
	return r, true
}

// TxtToExp parses a textual expiration into its numeric form. When
// absolute is true the relative duration is added to the current
// time; when false the numeric form stays relative (used by the
// round-trip tests).
func TxtToExp(txt string, absolute bool) (int64, error) {
	nocache := strings.HasPrefix(txt, "-")
	if nocache {
		txt = txt[1:]
	}

	var r int64
	switch {
	case txt == "" || txt == "always" || txt == "forever" || txt == "*" || txt == "0":
		r = 0
	default:
		v, ok := parseTimeSpec(txt)
		if !ok {
			return 0, fmt.Errorf("expire: invalid specification %q", txt)
		}
		r = v
		if absolute && r != 0 {
			r = ptAdd(r, time.Now().Unix())
		}
	}

	if nocache {
		return -(r + 1), nil
	}
	return r, nil
}

// ExpToTxt renders a numeric expiration back to its canonical textual
// form, preferring the largest unit that divides the value and
// otherwise concatenating descending unit components.
func ExpToTxt(expireVal int64, absolute bool) string {
	var b strings.Builder
	expireVal2 := expireVal
	if expireVal2 < 0 {
		b.WriteByte('-')
		expireVal2 = -(expireVal2 + 1)
	}
	if expireVal2 == 0 {
		if b.Len() == 0 {
			return "forever"
		}
		return b.String()
	}
	if absolute {
		expireVal2 -= time.Now().Unix()
	}
	add := func(unit int64, suffix string) {
		if expireVal2 >= unit {
			b.WriteString(strconv.FormatInt(expireVal2/unit, 10))
			b.WriteString(suffix)
			expireVal2 %= unit
		}
	}
	add(year, "y")
	add(week, "w")
	add(day, "d")
	add(hour, "h")
	add(min, "m")
	add(sec, "s")
	return b.String()
}
