package remote

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
	"github.com/moby/cmirrord/pkg/cpg/hub"
)

// Server serves a hub and a checkpoint store to clients.
type Server struct {
	hub   *hub.Hub
	store ckpt.Store

	// OnSessions, if set, is called with the number of open sessions each
	// time it changes.
	OnSessions func(n int)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer returns a Server for h and store.
func NewServer(h *hub.Hub, store ckpt.Store) *Server {
	return &Server{hub: h, store: store, sessions: make(map[string]*session)}
}

// Serve accepts connections on l until ctx is done or l fails. Open
// connections are dropped when ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.serveConn(ctx, conn)
	}
}

// Sessions returns the ids of the open sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) track(sess *session, add bool) {
	s.mu.Lock()
	if add {
		s.sessions[sess.id] = sess
	} else {
		delete(s.sessions, sess.id)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if s.OnSessions != nil {
		s.OnSessions(n)
	}
}

type session struct {
	id   string
	node *hub.Node
	conn net.Conn

	wmu sync.Mutex
	enc *codec.Encoder

	mu      sync.Mutex
	handles map[uint64]*serverHandle
}

type serverHandle struct {
	sess   *session
	id     uint64
	handle cpg.Handle
	done   chan struct{}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()
	mh := newHandle()
	dec := codec.NewDecoder(bufio.NewReader(conn), mh)

	var hello frame
	if err := dec.Decode(&hello); err != nil {
		log.G(ctx).WithError(err).Debug("Failed to read hello")
		return
	}
	if hello.Op != opHello || hello.Version != protocolVersion || hello.Node == 0 {
		log.G(ctx).Warnf("Rejecting client: op %d version %d node %d", hello.Op, hello.Version, hello.Node)
		return
	}

	sess := &session{
		id:      uuid.New().String(),
		node:    s.hub.Node(cpg.NodeID(hello.Node)),
		conn:    conn,
		enc:     codec.NewEncoder(conn, mh),
		handles: make(map[uint64]*serverHandle),
	}
	logger := log.G(ctx).WithFields(log.Fields{"session": sess.id, "node": hello.Node})
	if err := sess.write(&frame{Op: opReply, Session: sess.id, Version: protocolVersion}); err != nil {
		logger.WithError(err).Debug("Failed to send hello reply")
		return
	}
	s.track(sess, true)
	logger.Info("Client connected")

	defer func() {
		sess.closeAll()
		s.track(sess, false)
		logger.Info("Client disconnected")
	}()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Debug("Connection closed")
			}
			return
		}
		reply := s.handle(ctx, sess, &f)
		reply.Op = opReply
		reply.ID = f.ID
		if err := sess.write(reply); err != nil {
			logger.WithError(err).Debug("Failed to write reply")
			return
		}
	}
}

func errorReply(err error) *frame {
	if err == nil {
		return &frame{}
	}
	return &frame{Code: errorCode(err), Error: err.Error()}
}

func (s *Server) handle(ctx context.Context, sess *session, f *frame) *frame {
	switch f.Op {
	case opJoin:
		return errorReply(sess.join(ctx, f.Handle, f.Name))
	case opLeave:
		sh := sess.get(f.Handle)
		if sh == nil {
			return errorReply(cpg.ErrNotJoined)
		}
		return errorReply(sh.handle.Leave())
	case opClose:
		if sh := sess.remove(f.Handle); sh != nil {
			sh.close()
		}
		return &frame{}
	case opMulticast:
		sh := sess.get(f.Handle)
		if sh == nil {
			return errorReply(cpg.ErrNotJoined)
		}
		return errorReply(sh.handle.Multicast(f.Data))
	case opCreateSection:
		return errorReply(s.store.CreateSection(ctx, f.Name, f.Section, f.Data))
	case opSections:
		sections, err := s.store.Sections(ctx, f.Name)
		if err != nil {
			return errorReply(err)
		}
		return &frame{Sections: toSections(sections)}
	case opUnlink:
		return errorReply(s.store.Unlink(ctx, f.Name))
	}
	return &frame{Code: codeInvalid, Error: "unknown operation"}
}

func (sess *session) write(f *frame) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return sess.enc.Encode(f)
}

func (sess *session) get(id uint64) *serverHandle {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.handles[id]
}

func (sess *session) remove(id uint64) *serverHandle {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sh := sess.handles[id]
	delete(sess.handles, id)
	return sh
}

func (sess *session) join(ctx context.Context, id uint64, name string) error {
	sess.mu.Lock()
	if _, ok := sess.handles[id]; ok {
		sess.mu.Unlock()
		return errors.Errorf("handle %d in use", id)
	}
	sh := &serverHandle{sess: sess, id: id, done: make(chan struct{})}
	sess.handles[id] = sh
	sess.mu.Unlock()

	h, err := sess.node.Join(name, sh)
	if err != nil {
		sess.remove(id)
		return err
	}
	sh.handle = h
	go sh.pump(ctx)
	return nil
}

// closeAll releases every handle of a dropped session. The other members
// see the node leave as if its process died.
func (sess *session) closeAll() {
	sess.mu.Lock()
	handles := sess.handles
	sess.handles = make(map[uint64]*serverHandle)
	sess.mu.Unlock()
	for _, sh := range handles {
		sh.close()
	}
}

func (sh *serverHandle) close() {
	select {
	case <-sh.done:
	default:
		close(sh.done)
	}
	if sh.handle != nil {
		sh.handle.Close()
	}
}

// pump forwards the events of the hub handle to the client.
func (sh *serverHandle) pump(ctx context.Context) {
	for {
		select {
		case <-sh.done:
			return
		case <-ctx.Done():
			return
		case <-sh.handle.Ready():
			if err := sh.handle.Dispatch(); err != nil {
				return
			}
		}
	}
}

func (sh *serverHandle) Deliver(sender cpg.NodeID, data []byte) {
	if err := sh.sess.write(&frame{Op: opDeliver, Handle: sh.id, Node: uint32(sender), Data: data}); err != nil {
		sh.sess.conn.Close()
	}
}

func (sh *serverHandle) ConfigChange(members, left, joined []cpg.Member) {
	f := &frame{
		Op:      opConfigChange,
		Handle:  sh.id,
		Members: toMembers(members),
		Left:    toMembers(left),
		Joined:  toMembers(joined),
	}
	if err := sh.sess.write(f); err != nil {
		sh.sess.conn.Close()
	}
}
