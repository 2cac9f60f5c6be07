package coordstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/errs"
)

// newTestServer bootstraps a single-node coordination-store replica bound to
// OS-assigned ports and waits for it to win its own raft election, then
// dials a client against it.
func newTestServer(t *testing.T, sessionTimeout time.Duration) (*Server, *Client) {
	t.Helper()
	s, err := NewServer(ServerConfig{
		NodeID:         "node-1",
		RaftBindAddr:   "127.0.0.1:0",
		ClientAddr:     "127.0.0.1:0",
		WatchAddr:      "127.0.0.1:0",
		DataDir:        t.TempDir(),
		Bootstrap:      true,
		SessionTimeout: sessionTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for !s.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, s.IsLeader(), "single-node raft must become its own leader")

	c := Dial(s.router.Addr().String(), s.watch.Addr().String(), 50*time.Millisecond)
	t.Cleanup(func() { c.Close() })
	return s, c
}

func TestServerCreateEphemeralAndGetData(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.CreatePersistent("/pubs", nil))
	require.NoError(t, c.CreateEphemeral("/pubs/a", []byte("hello")))

	data, err := c.GetData("/pubs/a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	exists, err := c.Exists("/pubs/a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestServerCreateSequentialEphemeralAssignsOrderedNames(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.EnsurePath("/topics/t1/publishers"))

	n1, err := c.CreateSequentialEphemeral("/topics/t1/publishers/member-", nil)
	require.NoError(t, err)
	n2, err := c.CreateSequentialEphemeral("/topics/t1/publishers/member-", nil)
	require.NoError(t, err)
	assert.Less(t, n1, n2)

	children, err := c.Children("/topics/t1/publishers")
	require.NoError(t, err)
	assert.Equal(t, []string{n1, n2}, children)
}

func TestServerDuplicateEphemeralFails(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.CreatePersistent("/pubs", nil))
	require.NoError(t, c.CreateEphemeral("/pubs/a", nil))

	err := c.CreateEphemeral("/pubs/a", nil)
	require.Error(t, err)
	assert.True(t, errs.IsAlreadyExists(err))
}

func TestServerDeleteRemovesNode(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.CreatePersistent("/a", nil))
	require.NoError(t, c.Delete("/a"))

	exists, err := c.Exists("/a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestServerWatchChildrenFiresImmediatelyAndOnChange(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.CreatePersistent("/pubs", nil))

	seen := make(chan []string, 4)
	require.NoError(t, c.WatchChildren("/pubs", func(children []string) {
		seen <- append([]string(nil), children...)
	}))

	select {
	case first := <-seen:
		assert.Empty(t, first)
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback never fired on registration")
	}

	require.NoError(t, c.CreateEphemeral("/pubs/a", nil))

	select {
	case next := <-seen:
		assert.Equal(t, []string{"/pubs/a"}, next)
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback never fired on create")
	}
}

func TestServerSessionExpiryRemovesOwnedEphemerals(t *testing.T) {
	s, c := newTestServer(t, 150*time.Millisecond)
	require.NoError(t, c.CreatePersistent("/pubs", nil))
	require.NoError(t, c.CreateEphemeral("/pubs/a", nil))

	// Let at least one heartbeat land before killing the client, otherwise
	// the session's lastSeen stays at its zero value and the expiry loop
	// treats it as never having been seen rather than as timed out.
	time.Sleep(120 * time.Millisecond)

	// Kill the client without an orderly delete, simulating a crashed
	// process: heartbeats stop, so the leader's expiry sweep must reclaim
	// the ephemeral node on its own.
	c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for s.fsm.tree.exists("/pubs/a") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, s.fsm.tree.exists("/pubs/a"))
}

func TestServerEnsurePathIsIdempotent(t *testing.T) {
	_, c := newTestServer(t, time.Hour)
	require.NoError(t, c.EnsurePath("/a/b/c"))
	require.NoError(t, c.EnsurePath("/a/b/c"))

	exists, err := c.Exists("/a/b/c")
	require.NoError(t, err)
	assert.True(t, exists)
}
