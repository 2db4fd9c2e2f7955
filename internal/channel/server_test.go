package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fsgeek/bitbucket/internal/core"
	"github.com/fsgeek/bitbucket/internal/dispatch"
	"github.com/fsgeek/bitbucket/internal/inode"
)

func newTestServer(t *testing.T) (*Server, *Client, func()) {
	t.Helper()
	tbl := inode.NewTable(16)
	tbl.CreateRoot()
	c := core.New(tbl, core.Options{}, nil)
	d := dispatch.New(c, nil)

	region := NewRegion()
	srv := NewServer(region, d, 2, nil)
	client := NewClient(region)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	return srv, client, cancel
}

func TestClientServerMkdirAndLookup(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	resp, err := client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbMkdir,
		Parent: inode.RootID, Name: "dir", Mode: 0755,
	})
	require.NoError(t, err)
	require.Zero(t, resp.Errno)
	dirID := resp.ID

	resp, err = client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbLookup,
		Parent: inode.RootID, Name: "dir",
	})
	require.NoError(t, err)
	require.Zero(t, resp.Errno)
	require.Equal(t, dirID, resp.ID)
}

func TestClientServerWriteReadRoundTrip(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	resp, err := client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbCreate,
		Parent: inode.RootID, Name: "f", Mode: 0644,
	})
	require.NoError(t, err)
	fileID := resp.ID

	resp, err = client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbWrite,
		ID: fileID, Bytes: []byte("hello"), Offset: 0,
	})
	require.NoError(t, err)
	require.EqualValues(t, 5, resp.N)

	resp, err = client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbRead,
		ID: fileID, Length: 5, Offset: 0,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", string(resp.Bytes))
}

func TestClientServerSetattrResizesFile(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	resp, err := client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbCreate,
		Parent: inode.RootID, Name: "f", Mode: 0644,
	})
	require.NoError(t, err)
	fileID := resp.ID

	resp, err = client.Call(ctx, Request{
		Class: ClassFilesystem, Verb: VerbSetattr,
		ID: fileID, Length: 10, Exclusive: true,
	})
	require.NoError(t, err)
	require.Zero(t, resp.Errno)
	require.EqualValues(t, 10, resp.N)
}

func TestClientServerNativeTestVerb(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	resp, err := client.Call(ctx, Request{Class: ClassNative, Verb: VerbTest})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Name)
}

func TestClientServerServerStat(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	_, err := client.Call(ctx, Request{Class: ClassFilesystem, Verb: VerbMkdir, Parent: inode.RootID, Name: "d", Mode: 0755})
	require.NoError(t, err)
	_, err = client.Call(ctx, Request{Class: ClassFilesystem, Verb: VerbMkdir, Parent: 999999, Name: "e", Mode: 0755})
	require.NoError(t, err) // the channel call itself succeeds; the mkdir fails and is counted

	resp, err := client.Call(ctx, Request{Class: ClassNative, Verb: VerbServerStat})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Entries)

	var found bool
	for _, line := range resp.Entries {
		entry, err := ParseStatEntry(line)
		require.NoError(t, err)
		if entry.Op != "Mkdir" {
			continue
		}
		found = true
		require.Equal(t, int64(2), entry.Calls)
		require.Equal(t, int64(1), entry.Success)
		require.Equal(t, int64(1), entry.Failure)
	}
	require.True(t, found, "ServerStat response did not carry a Mkdir entry")
}

func TestClientServerMapResolvesNestedPath(t *testing.T) {
	_, client, cancel := newTestServer(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	resp, err := client.Call(ctx, Request{Class: ClassFilesystem, Verb: VerbMkdir, Parent: inode.RootID, Name: "a", Mode: 0755})
	require.NoError(t, err)
	dirID := resp.ID

	resp, err = client.Call(ctx, Request{Class: ClassFilesystem, Verb: VerbCreate, Parent: dirID, Name: "b", Mode: 0644})
	require.NoError(t, err)
	fileID := resp.ID

	resp, err = client.Call(ctx, Request{Class: ClassNative, Verb: VerbMap, Data: "/a/b"})
	require.NoError(t, err)
	require.Zero(t, resp.Errno)
	require.Equal(t, fileID, resp.ID)

	resp, err = client.Call(ctx, Request{Class: ClassNative, Verb: VerbMapRelease, ID: fileID})
	require.NoError(t, err)
	require.Zero(t, resp.Errno)
}
