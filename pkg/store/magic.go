package store

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// magicSize is the fixed length of the identifier header every
// persisted names/rules file begins with.
const magicSize = 40

// magicPrefix identifies the on-disk format; bumping it invalidates
// every previously written database.
var magicPrefix = [8]byte{'c', 'y', 'n', 'a', 'g', 'o', 'r', 'a'}

// buildMagic lays out the 40-byte header: 8-byte format prefix, a
// 16-byte version UUID identifying this database instance, and 16
// bytes reserved (zero) for future use.
func buildMagic(version uuid.UUID) [magicSize]byte {
	var m [magicSize]byte
	copy(m[0:8], magicPrefix[:])
	copy(m[8:24], version[:])
	return m
}

// checkMagic verifies the format prefix and returns the embedded
// version UUID.
func checkMagic(b []byte) (uuid.UUID, error) {
	if len(b) < magicSize {
		return uuid.UUID{}, fmt.Errorf("store: truncated magic header (%d bytes)", len(b))
	}
	if !bytes.Equal(b[0:8], magicPrefix[:]) {
		return uuid.UUID{}, fmt.Errorf("store: unrecognized file magic")
	}
	var v uuid.UUID
	copy(v[:], b[8:24])
	return v, nil
}
