package daemon

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/moby/cmirrord/daemon/config"
	"github.com/moby/cmirrord/daemon/kernel"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg/hub"
	"github.com/moby/cmirrord/pkg/cpg/remote"
)

const testUUID = "LVM-ZGFlbW9uLXdpcmluZy10ZXN0LWxvZy1kZXZpY2UtdXVpZA"

type fakeKernel struct {
	in      chan []kernel.Packet
	replies chan kernel.Packet

	once sync.Once
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{in: make(chan []kernel.Packet, 16), replies: make(chan kernel.Packet, 64)}
}

func (k *fakeKernel) Receive() ([]kernel.Packet, error) {
	p, ok := <-k.in
	if !ok {
		return nil, unix.EBADF
	}
	return p, nil
}

func (k *fakeKernel) Send(p kernel.Packet) error {
	k.replies <- p
	return nil
}

func (k *fakeKernel) Close() error {
	k.once.Do(func() { close(k.in) })
	return nil
}

func (k *fakeKernel) request(t *testing.T, typ ulog.Type, seq uint32, data []byte) {
	t.Helper()
	req := &ulog.Request{UUID: testUUID, LUID: 5, Version: ulog.Version, Type: typ, Seq: seq, Data: data}
	b, err := req.MarshalBinary()
	assert.NilError(t, err)
	k.in <- []kernel.Packet{{Seq: seq, Data: b}}
}

func (k *fakeKernel) reply(t *testing.T, seq uint32) *ulog.Request {
	t.Helper()
	select {
	case p := <-k.replies:
		req, _, err := ulog.DecodeRequest(p.Data, binary.NativeEndian)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(req.Seq, seq), "reply to %s", req.Type)
		return req
	case <-time.After(10 * time.Second):
		t.Fatalf("no reply to seq %d", seq)
	}
	return nil
}

func (k *fakeKernel) roundTrip(t *testing.T, typ ulog.Type, seq uint32, data []byte) *ulog.Request {
	t.Helper()
	k.request(t, typ, seq, data)
	r := k.reply(t, seq)
	assert.Check(t, is.Equal(r.Error, int32(0)), "%s", typ)
	return r
}

func testConfig(node uint32) *config.Config {
	conf := config.New()
	conf.NodeID = node
	conf.Transport = config.TransportLocal
	conf.ResumeThrottle = -1
	return conf
}

func startDaemon(t *testing.T, conf *config.Config, opts Options) (*Daemon, *fakeKernel) {
	t.Helper()
	k := newFakeKernel()
	opts.Kernel = k
	if opts.Alarm == nil {
		opts.Alarm = func() { t.Errorf("node %d raised the alarm", conf.NodeID) }
	}
	d, err := New(context.Background(), conf, opts)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.Check(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
		assert.Check(t, d.Close())
	})
	return d, k
}

func TestDaemonLifecycle(t *testing.T) {
	d, k := startDaemon(t, testConfig(1), Options{})
	ctx := context.Background()

	k.roundTrip(t, ulog.Ctr, 1, []byte("clustered_core 1024 8192"))
	assert.Check(t, errdefs.IsFailedPrecondition(d.Shutdown(ctx)))

	k.roundTrip(t, ulog.Resume, 2, nil)

	r := k.roundTrip(t, ulog.GetRegionSize, 3, nil)
	size, err := ulog.DecodeUint64(r.Data)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(size, uint64(1024)))

	k.roundTrip(t, ulog.MarkRegion, 4, ulog.EncodeRegions(6))
	r = k.roundTrip(t, ulog.IsClean, 5, ulog.EncodeRegion(6))
	clean, err := ulog.DecodeBool(r.Data)
	assert.NilError(t, err)
	assert.Check(t, !clean)

	var buf bytes.Buffer
	assert.NilError(t, d.Dump(ctx, &buf))
	assert.Check(t, is.Contains(buf.String(), "Log #0: "+ulog.ShortUUID(testUUID)+"/5 (official)"))
	assert.Check(t, is.Contains(buf.String(), "region size:        1024 (512KiB)"))
	assert.Check(t, is.Contains(buf.String(), "state:              VALID"))

	k.roundTrip(t, ulog.Postsuspend, 6, nil)
	k.roundTrip(t, ulog.Dtr, 7, nil)
	assert.Check(t, d.Shutdown(ctx))

	buf.Reset()
	assert.NilError(t, d.Dump(ctx, &buf))
	assert.Check(t, is.Contains(buf.String(), "Log list (0)"))
	assert.Check(t, is.Contains(buf.String(), "Group list (0)"))
}

func TestDaemonsShareGroup(t *testing.T) {
	h := hub.New(0)
	store := ckpt.NewMemoryStore()
	_, a := startDaemon(t, testConfig(1), Options{Transport: h.Node(1), Store: store})
	_, b := startDaemon(t, testConfig(2), Options{Transport: h.Node(2), Store: store})

	a.roundTrip(t, ulog.Ctr, 1, []byte("clustered_core 1024 8192"))
	a.roundTrip(t, ulog.Resume, 2, nil)
	a.roundTrip(t, ulog.MarkRegion, 3, ulog.EncodeRegions(2))

	b.roundTrip(t, ulog.Ctr, 10, []byte("clustered_core 1024 8192"))
	b.roundTrip(t, ulog.Resume, 11, nil)

	r := b.roundTrip(t, ulog.IsClean, 12, ulog.EncodeRegion(2))
	clean, err := ulog.DecodeBool(r.Data)
	assert.NilError(t, err)
	assert.Check(t, !clean)

	// Clearing is acknowledged before it reaches the group.
	b.roundTrip(t, ulog.ClearRegion, 13, ulog.EncodeRegions(2))
	a.roundTrip(t, ulog.ClearRegion, 4, ulog.EncodeRegions(2))
	a.roundTrip(t, ulog.Flush, 5, nil)

	r = b.roundTrip(t, ulog.IsClean, 14, ulog.EncodeRegion(2))
	clean, err = ulog.DecodeBool(r.Data)
	assert.NilError(t, err)
	assert.Check(t, clean)
}

func startHub(t *testing.T) (addr string, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	srv := remote.NewServer(hub.New(0), ckpt.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Check(t, srv.Serve(ctx, l))
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return "tcp://" + l.Addr().String(), stop
}

func TestDaemonOverHub(t *testing.T) {
	addr, _ := startHub(t)
	confA, confB := testConfig(1), testConfig(2)
	for _, c := range []*config.Config{confA, confB} {
		c.Transport = config.TransportHub
		c.HubAddress = addr
	}
	_, a := startDaemon(t, confA, Options{})
	_, b := startDaemon(t, confB, Options{})

	a.roundTrip(t, ulog.Ctr, 1, []byte("clustered_core 1024 8192"))
	a.roundTrip(t, ulog.Resume, 2, nil)
	a.roundTrip(t, ulog.MarkRegion, 3, ulog.EncodeRegions(7))

	b.roundTrip(t, ulog.Ctr, 10, []byte("clustered_core 1024 8192"))
	b.roundTrip(t, ulog.Resume, 11, nil)
	r := b.roundTrip(t, ulog.IsClean, 12, ulog.EncodeRegion(7))
	clean, err := ulog.DecodeBool(r.Data)
	assert.NilError(t, err)
	assert.Check(t, !clean)
}

func TestLostHubStopsDaemon(t *testing.T) {
	addr, stopHub := startHub(t)
	conf := testConfig(1)
	conf.Transport = config.TransportHub
	conf.HubAddress = addr
	d, err := New(context.Background(), conf, Options{Kernel: newFakeKernel()})
	assert.NilError(t, err)
	defer d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	stopHub()

	select {
	case err := <-done:
		assert.Check(t, is.ErrorContains(err, "hub"))
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestKernelFailureStopsDaemon(t *testing.T) {
	k := newFakeKernel()
	d, err := New(context.Background(), testConfig(1), Options{Kernel: k})
	assert.NilError(t, err)
	defer d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	k.Close()

	select {
	case err := <-done:
		assert.Check(t, is.ErrorIs(err, unix.EBADF))
		assert.Check(t, is.ErrorContains(err, "kernel connector failed"))
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestInvalidConfiguration(t *testing.T) {
	conf := testConfig(0)
	_, err := New(context.Background(), conf, Options{Kernel: newFakeKernel()})
	assert.Check(t, errdefs.IsInvalidArgument(err))
}
