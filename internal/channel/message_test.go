package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	req := Request{
		Class:     ClassFilesystem,
		Verb:      VerbWrite,
		ID:        42,
		Offset:    10,
		Offset2:   20,
		Length:    5,
		Mode:      0644,
		Name:      "file.txt",
		NewName:   "renamed.txt",
		Data:      "/target/path",
		Bytes:     []byte("hello world"),
		Exclusive: true,
		Owner:     99,
	}

	buf, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(buf)
	require.NoError(t, err)

	require.Equal(t, req.Class, got.Class)
	require.Equal(t, req.Verb, got.Verb)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.Offset, got.Offset)
	require.Equal(t, req.Offset2, got.Offset2)
	require.Equal(t, req.Length, got.Length)
	require.Equal(t, req.Mode, got.Mode)
	require.Equal(t, req.Name, got.Name)
	require.Equal(t, req.NewName, got.NewName)
	require.Equal(t, req.Data, got.Data)
	require.Equal(t, req.Bytes, got.Bytes)
	require.True(t, got.Exclusive)
	require.Equal(t, req.Owner, got.Owner)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	resp := Response{
		Errno:   7,
		ID:      3,
		N:       123,
		Bytes:   []byte("payload"),
		Name:    "first",
		Entries: []string{"a", "b", "c"},
	}

	buf, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)

	require.Equal(t, resp.Errno, got.Errno)
	require.Equal(t, resp.ID, got.ID)
	require.Equal(t, resp.N, got.N)
	require.Equal(t, resp.Bytes, got.Bytes)
	require.Equal(t, resp.Name, got.Name)
	require.Equal(t, resp.Entries, got.Entries)
}

func TestEncodeRequestRejectsOversizePayload(t *testing.T) {
	huge := make([]byte, SlotPayloadSize)
	_, err := EncodeRequest(Request{Bytes: huge})
	require.Error(t, err)
}
