package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
	"github.com/moby/cmirrord/pkg/cpg/hub"
)

type recorder struct {
	delivered []string
	changes   [][]cpg.Member
	left      []cpg.Member
}

func (r *recorder) Deliver(sender cpg.NodeID, data []byte) {
	r.delivered = append(r.delivered, string(data))
}

func (r *recorder) ConfigChange(members, left, joined []cpg.Member) {
	r.changes = append(r.changes, members)
	r.left = append(r.left, left...)
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	srv := NewServer(hub.New(0), ckpt.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		assert.Check(t, <-done)
	})
	return srv, l.Addr().String()
}

func dial(t *testing.T, addr string, node cpg.NodeID) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "tcp", addr, node)
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dispatchUntil(h cpg.Handle, cond func() bool) poll.Check {
	return func(poll.LogT) poll.Result {
		if err := h.Dispatch(); err != nil {
			return poll.Error(err)
		}
		if cond() {
			return poll.Success()
		}
		return poll.Continue("waiting for events")
	}
}

func TestGroupOverConnection(t *testing.T) {
	srv, addr := startServer(t)
	c1 := dial(t, addr, 1)
	c2 := dial(t, addr, 2)
	assert.Check(t, c1.Session() != c2.Session())
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(srv.Sessions()) == 2 {
			return poll.Success()
		}
		return poll.Continue("sessions")
	})

	r1, r2 := &recorder{}, &recorder{}
	h1, err := c1.Join("mirror", r1)
	assert.NilError(t, err)
	h2, err := c2.Join("mirror", r2)
	assert.NilError(t, err)

	assert.NilError(t, h1.Multicast([]byte("one")))
	assert.NilError(t, h2.Multicast([]byte("two")))

	opts := poll.WithTimeout(10 * time.Second)
	poll.WaitOn(t, dispatchUntil(h1, func() bool { return len(r1.delivered) == 2 }), opts)
	poll.WaitOn(t, dispatchUntil(h2, func() bool { return len(r2.delivered) == 2 }), opts)
	assert.Check(t, is.DeepEqual(r1.delivered, []string{"one", "two"}))
	assert.Check(t, is.DeepEqual(r1.delivered, r2.delivered))
	assert.Check(t, is.Len(r1.changes, 2))
	assert.Check(t, is.Len(r2.changes, 1))

	// A dropped connection is a dead process to the rest of the group.
	c2.Close()
	poll.WaitOn(t, dispatchUntil(h1, func() bool { return len(r1.left) == 1 }), opts)
	assert.Check(t, is.DeepEqual(r1.left, []cpg.Member{{Node: 2, Reason: cpg.ReasonProcDown}}))

	assert.NilError(t, h1.Leave())
	poll.WaitOn(t, dispatchUntil(h1, func() bool { return len(r1.left) == 2 }), opts)
	assert.Check(t, is.Equal(r1.left[1].Node, cpg.NodeID(1)))
	assert.NilError(t, h1.Close())

	err = h1.Multicast([]byte("late"))
	assert.Check(t, is.ErrorIs(err, cpg.ErrNotJoined))
}

func TestCheckpointStoreOverConnection(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr, 3)
	ctx := context.Background()

	_, err := c.Sections(ctx, "bitmaps_x_3")
	assert.Check(t, errdefs.IsNotFound(err))

	assert.NilError(t, c.CreateSection(ctx, "bitmaps_x_3", "clean_bits", []byte{1, 2}))
	assert.NilError(t, c.CreateSection(ctx, "bitmaps_x_3", "sync_bits", []byte{3}))
	err = c.CreateSection(ctx, "bitmaps_x_3", "sync_bits", []byte{3})
	assert.Check(t, errdefs.IsAlreadyExists(err))

	sections, err := c.Sections(ctx, "bitmaps_x_3")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(sections, []ckpt.Section{
		{ID: "clean_bits", Data: []byte{1, 2}},
		{ID: "sync_bits", Data: []byte{3}},
	}))

	assert.NilError(t, c.Unlink(ctx, "bitmaps_x_3"))
	_, err = c.Sections(ctx, "bitmaps_x_3")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestClientRejectsZeroNode(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := NewClient(a, 0)
	assert.Check(t, is.ErrorContains(err, "must not be zero"))
}

func TestCallsFailAfterClose(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr, 4)
	c.Close()
	<-c.Done()
	_, err := c.Join("mirror", &recorder{})
	assert.Check(t, is.ErrorIs(err, ErrClosed))
}
