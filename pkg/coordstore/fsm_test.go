package coordstore

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSnapshotSink is a minimal raft.SnapshotSink backed by an in-memory
// buffer, enough to exercise snapshot.Persist without a real raft node.
type fakeSnapshotSink struct {
	bytes.Buffer
}

func (s *fakeSnapshotSink) ID() string       { return "fake-snapshot" }
func (s *fakeSnapshotSink) Cancel() error    { return nil }
func (s *fakeSnapshotSink) Close() error     { return nil }
func (s *fakeSnapshotSink) reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.Bytes()))
}

func newFakeSnapshotSink(t *testing.T) *fakeSnapshotSink {
	t.Helper()
	return &fakeSnapshotSink{}
}

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	mirror, err := newBoltMirror(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { mirror.close() })
	fsm, err := NewFSM(mirror)
	require.NoError(t, err)
	return fsm
}

func applyCmd(t *testing.T, fsm *FSM, op string, payload interface{}) applyResult {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Data: body, AppendedAt: time.Now()})
	ar, ok := res.(applyResult)
	require.True(t, ok)
	return ar
}

func TestFSMApplyCreateThenGetData(t *testing.T) {
	fsm := newTestFSM(t)

	res := applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1", Value: []byte("v1")})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Node)
	assert.Equal(t, "/a", res.Node.Path)

	n, ok := fsm.tree.getData("/a")
	require.True(t, ok)
	assert.Equal(t, "v1", string(n.Value))
}

func TestFSMApplyCreateDuplicateErrors(t *testing.T) {
	fsm := newTestFSM(t)
	res := applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1"})
	require.NoError(t, res.Err)

	res = applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s2"})
	require.Error(t, res.Err)
}

func TestFSMApplyDeleteRemovesNode(t *testing.T) {
	fsm := newTestFSM(t)
	res := applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1"})
	require.NoError(t, res.Err)

	res = applyCmd(t, fsm, opDelete, deletePayload{Path: "/a"})
	require.NoError(t, res.Err)
	assert.False(t, fsm.tree.exists("/a"))
}

func TestFSMApplyExpireSessionCascadesDelete(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1"})
	applyCmd(t, fsm, opCreate, createPayload{Path: "/b", Kind: KindEphemeral, SessionID: "s1"})

	res := applyCmd(t, fsm, opExpireSession, expireSessionPayload{SessionID: "s1"})
	require.NoError(t, res.Err)
	assert.False(t, fsm.tree.exists("/a"))
	assert.False(t, fsm.tree.exists("/b"))
}

func TestFSMApplyTouchSessionStampsAppendedAt(t *testing.T) {
	fsm := newTestFSM(t)
	before := time.Now().UnixNano()
	res := applyCmd(t, fsm, opTouchSession, touchSessionPayload{SessionID: "s1"})
	require.NoError(t, res.Err)

	assert.GreaterOrEqual(t, fsm.tree.lastSeenUnixNano("s1"), before)
}

func TestFSMApplyUnknownOpErrors(t *testing.T) {
	fsm := newTestFSM(t)
	body, err := json.Marshal(Command{Op: "bogus", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Data: body, AppendedAt: time.Now()})
	ar := res.(applyResult)
	require.Error(t, ar.Err)
}

func TestFSMOnChangeFiresOnCreateAndDelete(t *testing.T) {
	fsm := newTestFSM(t)
	var notified []string
	fsm.onChange = func(parent string) { notified = append(notified, parent) }

	applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1"})
	applyCmd(t, fsm, opDelete, deletePayload{Path: "/a"})

	assert.Equal(t, []string{"/", "/"}, notified)
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, opCreate, createPayload{Path: "/a", Kind: KindEphemeral, SessionID: "s1", Value: []byte("v1")})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := newFakeSnapshotSink(t)
	require.NoError(t, snap.Persist(sink))

	fsm2 := newTestFSM(t)
	require.NoError(t, fsm2.Restore(sink.reader()))
	assert.True(t, fsm2.tree.exists("/a"))
	n, ok := fsm2.tree.getData("/a")
	require.True(t, ok)
	assert.Equal(t, "v1", string(n.Value))
}
