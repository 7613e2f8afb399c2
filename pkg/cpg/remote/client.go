package remote

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("remote: connection closed")

// Client is one node's connection to a Server.
type Client struct {
	node    cpg.NodeID
	conn    net.Conn
	session string

	// Timeout bounds the wait for each reply.
	Timeout time.Duration

	wmu sync.Mutex
	enc *codec.Encoder
	dec *codec.Decoder

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *frame
	handles  map[uint64]*clientHandle
	closed   bool
	closeErr error
	done     chan struct{}
}

var (
	_ cpg.Transport = (*Client)(nil)
	_ ckpt.Store    = (*Client)(nil)
)

// Dial connects to a server as node.
func Dial(ctx context.Context, network, address string, node cpg.NodeID) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}
	c, err := NewClient(conn, node)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the handshake on conn and starts reading events.
func NewClient(conn net.Conn, node cpg.NodeID) (*Client, error) {
	if node == 0 {
		return nil, errors.New("remote: node id must not be zero")
	}
	mh := newHandle()
	c := &Client{
		node:    node,
		conn:    conn,
		Timeout: 30 * time.Second,
		enc:     codec.NewEncoder(conn, mh),
		dec:     codec.NewDecoder(bufio.NewReader(conn), mh),
		pending: make(map[uint64]chan *frame),
		handles: make(map[uint64]*clientHandle),
		done:    make(chan struct{}),
	}
	if err := c.enc.Encode(&frame{Op: opHello, Version: protocolVersion, Node: uint32(node)}); err != nil {
		return nil, errors.Wrap(err, "failed to send hello")
	}
	var reply frame
	if err := c.dec.Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "failed to read hello reply")
	}
	if reply.Version != protocolVersion {
		return nil, errors.Errorf("remote: server speaks version %d", reply.Version)
	}
	c.session = reply.Session
	go c.readLoop()
	return c, nil
}

// Session returns the id the server gave this connection.
func (c *Client) Session() string {
	return c.session
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection is gone.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close drops the connection. The server treats every group of this node
// as left by a dead process.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var err error
	for {
		var f frame
		if err = c.dec.Decode(&f); err != nil {
			break
		}
		switch f.Op {
		case opReply:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &f
			}
		case opDeliver, opConfigChange:
			c.mu.Lock()
			h := c.handles[f.Handle]
			c.mu.Unlock()
			if h != nil {
				h.push(&f)
			}
		default:
			log.G(context.TODO()).Warnf("remote: unexpected frame %d", f.Op)
		}
	}

	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	handles := c.handles
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	for _, h := range handles {
		h.signal()
	}
	close(c.done)
}

func (c *Client) call(ctx context.Context, f *frame) (*frame, error) {
	ch := make(chan *frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.enc.Encode(f)
	c.wmu.Unlock()
	if err != nil {
		c.conn.Close()
		return nil, errors.Wrap(err, "remote: write")
	}

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply, replyError(reply)
	case <-timer.C:
		c.conn.Close()
		return nil, errors.Errorf("remote: no reply to operation %d", f.Op)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) LocalNode() cpg.NodeID {
	return c.node
}

func (c *Client) Join(name string, cb cpg.Callbacks) (cpg.Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	h := &clientHandle{c: c, id: c.nextID, cb: cb, ready: make(chan struct{}, 1)}
	c.handles[h.id] = h
	c.mu.Unlock()

	if _, err := c.call(context.Background(), &frame{Op: opJoin, Handle: h.id, Name: name}); err != nil {
		c.forget(h.id)
		return nil, err
	}
	return h, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.handles, id)
	c.mu.Unlock()
}

func (c *Client) CreateSection(ctx context.Context, name, section string, data []byte) error {
	_, err := c.call(ctx, &frame{Op: opCreateSection, Name: name, Section: section, Data: data})
	return err
}

func (c *Client) Sections(ctx context.Context, name string) ([]ckpt.Section, error) {
	reply, err := c.call(ctx, &frame{Op: opSections, Name: name})
	if err != nil {
		return nil, err
	}
	return fromSections(reply.Sections), nil
}

func (c *Client) Unlink(ctx context.Context, name string) error {
	_, err := c.call(ctx, &frame{Op: opUnlink, Name: name})
	return err
}

type clientHandle struct {
	c     *Client
	id    uint64
	cb    cpg.Callbacks
	ready chan struct{}

	mu     sync.Mutex
	events []*frame
}

func (h *clientHandle) push(f *frame) {
	h.mu.Lock()
	h.events = append(h.events, f)
	h.mu.Unlock()
	h.signal()
}

func (h *clientHandle) signal() {
	select {
	case h.ready <- struct{}{}:
	default:
	}
}

func (h *clientHandle) Multicast(data []byte) error {
	_, err := h.c.call(context.Background(), &frame{Op: opMulticast, Handle: h.id, Data: data})
	return err
}

func (h *clientHandle) Leave() error {
	_, err := h.c.call(context.Background(), &frame{Op: opLeave, Handle: h.id})
	return err
}

func (h *clientHandle) Ready() <-chan struct{} {
	return h.ready
}

// Dispatch issues the callbacks of the events received so far. It fails
// once the connection is gone and every received event was dispatched.
func (h *clientHandle) Dispatch() error {
	h.mu.Lock()
	events := h.events
	h.events = nil
	h.mu.Unlock()

	for _, f := range events {
		if f.Op == opDeliver {
			h.cb.Deliver(cpg.NodeID(f.Node), f.Data)
		} else {
			h.cb.ConfigChange(fromMembers(f.Members), fromMembers(f.Left), fromMembers(f.Joined))
		}
	}
	select {
	case <-h.c.done:
		if len(events) == 0 {
			return errors.Wrapf(ErrClosed, "%v", h.c.Err())
		}
	default:
	}
	return nil
}

func (h *clientHandle) Close() error {
	h.c.forget(h.id)
	_, err := h.c.call(context.Background(), &frame{Op: opClose, Handle: h.id})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
