package logrecord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := Record{
		Type:       Inline,
		UserHeader: []byte("hdr"),
		Key:        []byte("key-1"),
		Payload:    []byte("hello world"),
	}
	buf, err := r.Marshal()
	require.NoError(t, err)
	require.Equal(t, r.Size(), len(buf))

	got, n, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, CurrentMajor, got.Major)
	require.Equal(t, r.UserHeader, got.UserHeader)
	require.Equal(t, r.Key, got.Key)
	require.Equal(t, r.Payload, got.Payload)
}

func TestUnmarshalDetectsCorruption(t *testing.T) {
	r := Record{Key: []byte("k"), Payload: []byte("payload")}
	buf, err := r.Marshal()
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF
	_, _, err = Unmarshal(buf)
	require.Error(t, err)
}

func TestUnmarshalMultipleRecordsFromOneBuffer(t *testing.T) {
	r1 := Record{Key: []byte("a"), Payload: []byte("1")}
	r2 := Record{Key: []byte("bb"), Payload: []byte("22")}
	b1, _ := r1.Marshal()
	b2, _ := r2.Marshal()
	buf := append(append([]byte(nil), b1...), b2...)

	got1, n1, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, r1.Key, got1.Key)

	got2, n2, err := Unmarshal(buf[n1:])
	require.NoError(t, err)
	require.Equal(t, r2.Key, got2.Key)
	require.Equal(t, len(buf), n1+n2)
}

func TestLargeDataType(t *testing.T) {
	blkID := []byte{1, 2, 3, 4}
	r := Record{Type: LargeData, Key: []byte("big"), Payload: blkID}
	buf, err := r.Marshal()
	require.NoError(t, err)
	got, _, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, LargeData, got.Type)
	require.Equal(t, blkID, got.Payload)
}
