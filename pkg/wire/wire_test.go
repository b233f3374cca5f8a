package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fields := []string{"check", "q1", "alice", "*", "1000", "audio"}
	enc, err := EncodeFields(fields...)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(enc, []byte{RS}))

	end := ScanRecords(enc)
	require.Equal(t, len(enc)-1, end)

	got, err := DecodeRecord(enc[:end])
	require.NoError(t, err)
	require.Equal(t, fields, got)
}

func TestEscapingOfStructuralBytes(t *testing.T) {
	fields := []string{"has space", "has\nnewline", "has\\backslash"}
	enc, err := EncodeFields(fields...)
	require.NoError(t, err)

	end := ScanRecords(enc)
	require.GreaterOrEqual(t, end, 0)

	got, err := DecodeRecord(enc[:end])
	require.NoError(t, err)
	require.Equal(t, fields, got)
}

func TestEmptyFieldsPermitted(t *testing.T) {
	enc, err := EncodeFields("a", "", "c")
	require.NoError(t, err)
	end := ScanRecords(enc)
	got, err := DecodeRecord(enc[:end])
	require.NoError(t, err)
	require.Equal(t, []string{"a", "", "c"}, got)
}

func TestEncodeTooManyFields(t *testing.T) {
	fields := make([]string, MaxFields+1)
	_, err := EncodeFields(fields...)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestScanRecordsIncomplete(t *testing.T) {
	if ScanRecords([]byte("check q1 alice")) != -1 {
		t.Error("expected -1 for a buffer with no terminator")
	}
}

func TestScanRecordsSkipsEscapedTerminator(t *testing.T) {
	buf := []byte("a\\\nb\n")
	end := ScanRecords(buf)
	if end != len(buf)-1 {
		t.Errorf("ScanRecords = %d, want %d", end, len(buf)-1)
	}
}

func TestRingBufferOverflowThenFlush(t *testing.T) {
	r := NewRingBuffer(8)
	if !r.Put([]byte("1234567")) {
		t.Fatal("expected first Put to fit")
	}
	if r.Put([]byte("xx")) {
		t.Fatal("expected overflow on second Put")
	}
	var out bytes.Buffer
	n, err := r.WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 0, r.Len())
	if !r.Put([]byte("xx")) {
		t.Fatal("expected Put to succeed after flush")
	}
}
