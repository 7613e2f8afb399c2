package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"

	"github.com/moby/cmirrord/daemon/linkmon"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
)

type fakeEngine struct {
	executed  []ulog.Type
	finalized int
	state     mirrorlog.State
	pulled    []string
}

func (e *fakeEngine) Execute(_ context.Context, req *ulog.Request, _ cpg.NodeID, _ bool) ([]byte, error) {
	e.executed = append(e.executed, req.Type)
	return nil, nil
}

func (e *fakeEngine) Finalize(context.Context, string, uint64) error {
	e.finalized++
	return nil
}

func (e *fakeEngine) State(string, uint64) (mirrorlog.State, bool) {
	return e.state, true
}

func (e *fakeEngine) PushState(_ context.Context, _ string, _ uint64, section string, _ cpg.NodeID) ([]byte, error) {
	return []byte(section), nil
}

func (e *fakeEngine) PullState(_ context.Context, _ string, _ uint64, section string, _ []byte) error {
	e.pulled = append(e.pulled, section)
	return nil
}

type fakeHandle struct {
	sent     []*Message
	tryAgain int
	left     bool
}

func (h *fakeHandle) Multicast(data []byte) error {
	if h.tryAgain > 0 {
		h.tryAgain--
		return cpg.ErrTryAgain
	}
	var m Message
	if err := m.UnmarshalBinary(data); err != nil {
		return err
	}
	h.sent = append(h.sent, &m)
	return nil
}

func (h *fakeHandle) Leave() error {
	h.left = true
	return nil
}

func (h *fakeHandle) Ready() <-chan struct{} { return nil }
func (h *fakeHandle) Dispatch() error        { return nil }
func (h *fakeHandle) Close() error           { return nil }

type fakeTransport struct{ id cpg.NodeID }

func (t fakeTransport) LocalNode() cpg.NodeID { return t.id }

func (t fakeTransport) Join(string, cpg.Callbacks) (cpg.Handle, error) {
	return nil, errors.New("not supported")
}

type recordingReplier struct {
	replies []*ulog.Request
}

func (r *recordingReplier) Reply(_ context.Context, req *ulog.Request) error {
	r.replies = append(r.replies, req.Clone())
	return nil
}

type groupFixture struct {
	g      *group
	engine *fakeEngine
	handle *fakeHandle
	kernel *recordingReplier
	store  *ckpt.MemoryStore
	alarms int
}

func newGroupFixture(me cpg.NodeID) *groupFixture {
	f := &groupFixture{
		engine: &fakeEngine{state: mirrorlog.StateResumed},
		handle: &fakeHandle{},
		kernel: &recordingReplier{},
		store:  ckpt.NewMemoryStore(),
	}
	c := New(Config{
		Engine:        f.engine,
		Kernel:        f.kernel,
		Transport:     fakeTransport{id: me},
		Store:         f.store,
		Monitor:       linkmon.New(),
		Alarm:         func() { f.alarms++ },
		ImportRetry:   time.Millisecond,
		ImportTimeout: 20 * time.Millisecond,
	})
	f.g = &group{c: c, name: testUUID, ctx: context.Background(), handle: f.handle, joined: true}
	c.groups = append(c.groups, f.g)
	return f
}

func members(ids ...cpg.NodeID) []cpg.Member {
	var m []cpg.Member
	for _, id := range ids {
		m = append(m, cpg.Member{Node: id, Reason: cpg.ReasonJoin})
	}
	return m
}

func encode(t *testing.T, m *Message) []byte {
	t.Helper()
	b, err := m.MarshalBinary()
	assert.NilError(t, err)
	return b
}

func TestFirstToJoin(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.lowest = 1

	// Node 3 joins after us, then node 1 leaves before sending a checkpoint.
	g.ConfigChange(members(1, 2, 3), nil, members(3))
	assert.Assert(t, is.Len(g.startup, 1))
	assert.Check(t, is.Equal(g.startup[0].Request.Type, ulog.MemberJoin))

	g.ConfigChange(members(2, 3), []cpg.Member{{Node: 1, Reason: cpg.ReasonProcDown}}, nil)
	assert.Check(t, is.Equal(g.state, stateValid))
	assert.Check(t, is.Equal(g.lowest, cpg.NodeID(2)))
	assert.Check(t, is.Len(g.startup, 0))
	assert.Assert(t, is.Len(g.checkpoints, 1))
	assert.Check(t, is.Equal(g.checkpoints[0].requester, cpg.NodeID(3)))
}

func TestStartupFlushKeepsServerOfDelivery(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.lowest = 1

	req := &ulog.Request{UUID: testUUID, Version: ulog.Version, Type: ulog.IsClean, Seq: 5}
	g.Deliver(3, encode(t, &Message{Request: req}))
	assert.Assert(t, is.Len(g.startup, 1))
	assert.Check(t, is.Equal(g.startup[0].PITServer, cpg.NodeID(1)))
	assert.Check(t, is.Equal(g.startup[0].Originator, cpg.NodeID(3)))

	assert.NilError(t, f.store.CreateSection(context.Background(), checkpointName(testUUID, 2), mirrorlog.SectionCleanBits, nil))
	assert.NilError(t, f.store.CreateSection(context.Background(), checkpointName(testUUID, 2), mirrorlog.SectionSyncBits, nil))
	assert.NilError(t, f.store.CreateSection(context.Background(), checkpointName(testUUID, 2), mirrorlog.SectionRecovering, nil))
	ready := &ulog.Request{UUID: testUUID, Version: ulog.Version, Type: ulog.CheckpointReady, Seq: 1}
	g.Deliver(1, encode(t, &Message{Originator: 2, Request: ready}))

	assert.Check(t, is.Equal(g.state, stateValid))
	assert.Check(t, is.DeepEqual(f.engine.pulled, mirrorlog.Sections))
	assert.Check(t, is.DeepEqual(f.engine.executed, []ulog.Type{ulog.IsClean}))
	// Node 1 was the server when the request was delivered; it answers.
	assert.Check(t, is.Len(f.handle.sent, 0))

	_, err := f.store.Sections(context.Background(), checkpointName(testUUID, 2))
	assert.Check(t, err != nil)
}

func TestResendAfterServerLeaves(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.state = stateValid
	g.lowest = 1

	assert.NilError(t, g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.GetSyncCount, Seq: 7}}))
	assert.NilError(t, g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.SetRegionSync, Seq: 8}}))
	assert.NilError(t, g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.ClearRegion, Seq: 9}}))
	assert.Assert(t, is.Len(g.working, 2))

	suspend := &ulog.Request{UUID: testUUID, Version: ulog.Version, Type: ulog.Postsuspend, Seq: 1}
	g.Deliver(1, encode(t, &Message{Request: suspend}))
	assert.Check(t, g.resendRequired)
	assert.Check(t, is.Equal(g.delay, 1))
	assert.Check(t, is.Len(f.engine.executed, 0))

	// Still waiting for node 1 to be gone.
	g.resendRequests(g.ctx)
	assert.Check(t, is.Len(f.handle.sent, 3))

	g.ConfigChange(members(2), members(1), nil)
	assert.Check(t, is.Equal(g.delay, 0))
	assert.Check(t, g.resendRequired)
	assert.Check(t, is.Equal(g.lowest, cpg.NodeID(2)))

	g.resendRequests(g.ctx)
	assert.Check(t, !g.resendRequired)
	assert.Assert(t, is.Len(f.kernel.replies, 1))
	assert.Check(t, is.Equal(f.kernel.replies[0].Type, ulog.SetRegionSync))
	assert.Check(t, is.Equal(f.kernel.replies[0].Seq, uint32(8)))
	assert.Assert(t, is.Len(f.handle.sent, 4))
	assert.Check(t, is.Equal(f.handle.sent[3].Request.Type, ulog.GetSyncCount))
	assert.Assert(t, is.Len(g.working, 1))
	assert.Check(t, is.Equal(g.working[0].Request.Seq, uint32(7)))
}

func TestLeaveWithoutPendingWorkCancelsResend(t *testing.T) {
	f := newGroupFixture(3)
	g := f.g
	g.state = stateValid
	g.lowest = 1

	suspend := &ulog.Request{UUID: testUUID, Version: ulog.Version, Type: ulog.Postsuspend}
	g.Deliver(1, encode(t, &Message{Request: suspend}))
	g.Deliver(2, encode(t, &Message{Request: suspend}))
	assert.Check(t, is.Equal(g.delay, 2))

	g.ConfigChange(members(2, 3), members(1), nil)
	assert.Check(t, is.Equal(g.delay, 1))
	assert.Check(t, g.resendRequired)

	g.ConfigChange(members(3), members(2), nil)
	assert.Check(t, is.Equal(g.delay, 0))
	assert.Check(t, !g.resendRequired)
}

func TestResponseMatchesWorkingRequest(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.state = stateValid
	g.lowest = 1

	assert.NilError(t, g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.IsClean, Seq: 4}}))

	resp := &ulog.Request{UUID: testUUID, Type: ulog.IsClean | ulog.ResponseFlag, Seq: 4, Data: ulog.EncodeBool(true)}
	g.Deliver(1, encode(t, &Message{Originator: 3, Request: resp}))
	assert.Check(t, is.Len(f.kernel.replies, 0), "response for another node")

	g.Deliver(1, encode(t, &Message{Originator: 2, Request: resp}))
	assert.Assert(t, is.Len(f.kernel.replies, 1))
	assert.Check(t, is.Equal(f.kernel.replies[0].Type, ulog.IsClean))
	assert.Check(t, is.DeepEqual(f.kernel.replies[0].Data, ulog.EncodeBool(true)))
	assert.Check(t, is.Len(g.working, 0))
}

func TestServerRespondsToRequests(t *testing.T) {
	f := newGroupFixture(1)
	g := f.g
	g.state = stateValid
	g.lowest = 1

	g.Deliver(2, encode(t, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.MarkRegion, Seq: 3}}))
	g.Deliver(2, encode(t, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.ClearRegion, Seq: 4}}))
	assert.Check(t, is.DeepEqual(f.engine.executed, []ulog.Type{ulog.MarkRegion, ulog.ClearRegion}))
	assert.Assert(t, is.Len(f.handle.sent, 1))
	assert.Check(t, is.Equal(f.handle.sent[0].Request.Type, ulog.MarkRegion|ulog.ResponseFlag))
	assert.Check(t, is.Equal(f.handle.sent[0].Originator, cpg.NodeID(2)))
}

func TestSelfLeaveAnswersPostsuspend(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.state = stateValid
	g.lowest = 1

	assert.NilError(t, g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.Postsuspend, Seq: 11}}))
	g.destroy(g.ctx)
	assert.Check(t, f.handle.left)
	assert.Check(t, is.Equal(g.state, stateLeaving))

	// Late traffic is dropped.
	g.Deliver(1, encode(t, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.IsClean}}))
	assert.Check(t, is.Len(f.engine.executed, 0))

	g.ConfigChange(members(1), members(2), nil)
	assert.Check(t, g.freeMe)
	assert.Check(t, is.Equal(f.engine.finalized, 1))
	assert.Assert(t, is.Len(f.kernel.replies, 1))
	assert.Check(t, is.Equal(f.kernel.replies[0].Seq, uint32(11)))
	assert.Check(t, is.Len(g.c.groups, 0))

	err := g.send(g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.IsClean}})
	assert.Check(t, is.ErrorIs(err, errNotJoined))
}

func TestMulticastRetriesTryAgain(t *testing.T) {
	f := newGroupFixture(1)
	f.handle.tryAgain = 3
	assert.NilError(t, f.g.send(f.g.ctx, &Message{Request: &ulog.Request{UUID: testUUID, Type: ulog.IsClean, Seq: 1}}))
	assert.Check(t, is.Len(f.handle.sent, 1))
}

func TestExportCheckpoint(t *testing.T) {
	f := newGroupFixture(1)
	g := f.g
	g.state = stateValid
	g.lowest = 1
	g.requesters = []cpg.NodeID{2}

	g.prepareRequestedCheckpoints()
	assert.Assert(t, is.Len(g.checkpoints, 1))
	g.doCheckpoints(g.ctx)
	assert.Check(t, is.Len(g.checkpoints, 0))

	sections, err := f.store.Sections(context.Background(), checkpointName(testUUID, 2))
	assert.NilError(t, err)
	assert.Check(t, is.Len(sections, 3))
	assert.Assert(t, is.Len(f.handle.sent, 1))
	sent := f.handle.sent[0]
	assert.Check(t, is.Equal(sent.Request.Type, ulog.CheckpointReady))
	assert.Check(t, is.Equal(sent.Originator, cpg.NodeID(2)))
	assert.Check(t, is.Equal(sent.Request.Seq, uint32(1)))

	// A second exporter finds the checkpoint in place.
	g.checkpoints = append(g.checkpoints, &checkpointJob{requester: 2, sections: sections})
	g.doCheckpoints(g.ctx)
	assert.Check(t, is.Len(f.handle.sent, 1))
}

func TestWithholdCheckpointUntilResumed(t *testing.T) {
	f := newGroupFixture(1)
	f.engine.state = mirrorlog.StateSuspended
	g := f.g
	g.state = stateValid
	g.requesters = []cpg.NodeID{2}

	g.prepareRequestedCheckpoints()
	assert.Check(t, is.Len(g.checkpoints, 0))
	assert.Check(t, is.Len(g.requesters, 1))
}

// failingStore fails the first attempt to write one section.
type failingStore struct {
	*ckpt.MemoryStore
	section string
	failed  bool
}

func (s *failingStore) CreateSection(ctx context.Context, name, section string, data []byte) error {
	if section == s.section && !s.failed {
		s.failed = true
		return errors.Wrap(errdefs.ErrInternal, "disk full")
	}
	return s.MemoryStore.CreateSection(ctx, name, section, data)
}

func TestExportRetriesIncompleteCheckpoint(t *testing.T) {
	f := newGroupFixture(1)
	store := &failingStore{MemoryStore: f.store, section: mirrorlog.SectionSyncBits}
	f.g.c.store = store
	g := f.g
	g.state = stateValid
	g.lowest = 1
	g.requesters = []cpg.NodeID{2}

	g.prepareRequestedCheckpoints()
	g.doCheckpoints(g.ctx)
	assert.Check(t, is.Len(g.checkpoints, 1))
	assert.Check(t, is.Len(f.handle.sent, 0))
	_, err := f.store.Sections(context.Background(), checkpointName(testUUID, 2))
	assert.Check(t, is.ErrorIs(err, errdefs.ErrNotFound), "partial checkpoint left behind")

	g.doCheckpoints(g.ctx)
	assert.Check(t, is.Len(g.checkpoints, 0))
	sections, err := f.store.Sections(context.Background(), checkpointName(testUUID, 2))
	assert.NilError(t, err)
	assert.Check(t, is.Len(sections, 3))
	assert.Assert(t, is.Len(f.handle.sent, 1))
	assert.Check(t, is.Equal(f.handle.sent[0].Request.Type, ulog.CheckpointReady))
	assert.Check(t, is.Equal(f.handle.sent[0].Originator, cpg.NodeID(2)))
}

func TestImportRetriedAfterTimeout(t *testing.T) {
	f := newGroupFixture(2)
	g := f.g
	g.lowest = 1
	ctx := context.Background()
	name := checkpointName(testUUID, 2)

	assert.NilError(t, f.store.CreateSection(ctx, name, mirrorlog.SectionCleanBits, nil))
	ready := &ulog.Request{UUID: testUUID, Version: ulog.Version, Type: ulog.CheckpointReady, Seq: 1}
	g.Deliver(1, encode(t, &Message{Originator: 2, Request: ready}))
	assert.Check(t, is.Equal(g.state, stateInvalid))
	assert.Check(t, g.importPending)
	assert.Check(t, is.Equal(f.alarms, 1))

	assert.NilError(t, g.dispatch(ctx))
	assert.Check(t, is.Equal(g.state, stateInvalid))
	assert.Check(t, is.Equal(f.alarms, 1))

	assert.NilError(t, f.store.CreateSection(ctx, name, mirrorlog.SectionSyncBits, nil))
	assert.NilError(t, f.store.CreateSection(ctx, name, mirrorlog.SectionRecovering, nil))
	assert.NilError(t, g.dispatch(ctx))
	assert.Check(t, is.Equal(g.state, stateValid))
	assert.Check(t, !g.importPending)
	assert.Check(t, is.DeepEqual(f.engine.pulled, mirrorlog.Sections))
	_, err := f.store.Sections(ctx, name)
	assert.Check(t, is.ErrorIs(err, errdefs.ErrNotFound))
}

// Whatever order the transport lists members in, every member agrees on
// the server and exactly one of them is it.
func TestSingleServer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.Uint32Range(1, 64), 3, 8, rapid.ID[uint32]).Draw(t, "ids")
		nodes := make([]cpg.NodeID, len(ids))
		for i, id := range ids {
			nodes[i] = cpg.NodeID(id)
		}
		joiner := nodes[len(nodes)-1]
		initial := nodes[:len(nodes)-1]

		groups := map[cpg.NodeID]*group{}
		for _, n := range initial {
			f := newGroupFixture(n)
			f.g.state = stateValid
			f.g.lowest = cpg.Lowest(members(initial...))
			groups[n] = f.g
		}
		groups[joiner] = newGroupFixture(joiner).g

		check := func(t *rapid.T, current []cpg.NodeID) {
			want := cpg.Lowest(members(current...))
			servers := 0
			for _, n := range current {
				g := groups[n]
				if g.lowest != want {
					t.Fatalf("node %d: server %d, want %d", n, g.lowest, want)
				}
				if g.isServer() {
					servers++
				}
			}
			if servers != 1 {
				t.Fatalf("%d servers among %v", servers, current)
			}
		}

		all := members(nodes...)
		for _, n := range nodes {
			groups[n].ConfigChange(rapid.Permutation(all).Draw(t, "members"), nil, members(joiner))
		}
		check(t, nodes)

		gone := rapid.SampledFrom(nodes).Draw(t, "leaving")
		var rest []cpg.NodeID
		for _, n := range nodes {
			if n != gone {
				rest = append(rest, n)
			}
		}
		remaining := members(rest...)
		for _, n := range rest {
			groups[n].ConfigChange(rapid.Permutation(remaining).Draw(t, "members"), []cpg.Member{{Node: gone, Reason: cpg.ReasonProcDown}}, nil)
		}
		check(t, rest)
	})
}
