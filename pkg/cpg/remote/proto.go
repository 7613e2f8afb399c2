// Package remote carries closed process groups and checkpoints over a
// stream connection. A Server exposes a hub and a checkpoint store; a Client
// implements cpg.Transport and ckpt.Store on top of one connection.
//
// Each direction is a sequence of msgpack encoded frames. Requests of the
// client carry an id echoed by the reply; group events pushed by the server
// carry the handle id chosen by the client at join time.
package remote

import (
	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
)

const protocolVersion = 1

type op uint8

const (
	opHello op = iota + 1
	opJoin
	opLeave
	opClose
	opMulticast
	opCreateSection
	opSections
	opUnlink

	opReply
	opDeliver
	opConfigChange
)

type member struct {
	Node   uint32
	Reason int
}

type section struct {
	ID   string
	Data []byte
}

type frame struct {
	Op      op
	ID      uint64
	Handle  uint64
	Version int
	Node    uint32
	Session string

	Name     string
	Section  string
	Data     []byte
	Sections []section

	Members []member
	Left    []member
	Joined  []member

	Code  string
	Error string
}

func newHandle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

func toMembers(ms []cpg.Member) []member {
	if len(ms) == 0 {
		return nil
	}
	out := make([]member, len(ms))
	for i, m := range ms {
		out[i] = member{Node: uint32(m.Node), Reason: int(m.Reason)}
	}
	return out
}

func fromMembers(ms []member) []cpg.Member {
	out := make([]cpg.Member, len(ms))
	for i, m := range ms {
		out[i] = cpg.Member{Node: cpg.NodeID(m.Node), Reason: cpg.Reason(m.Reason)}
	}
	return out
}

func toSections(ss []ckpt.Section) []section {
	out := make([]section, len(ss))
	for i, s := range ss {
		out[i] = section{ID: s.ID, Data: s.Data}
	}
	return out
}

func fromSections(ss []section) []ckpt.Section {
	out := make([]ckpt.Section, len(ss))
	for i, s := range ss {
		out[i] = ckpt.Section{ID: s.ID, Data: s.Data}
	}
	return out
}

// Error codes carried in replies.
const (
	codeTryAgain      = "try_again"
	codeNotJoined     = "not_joined"
	codeNotFound      = "not_found"
	codeAlreadyExists = "already_exists"
	codeInvalid       = "invalid"
	codeUnavailable   = "unavailable"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, cpg.ErrTryAgain):
		return codeTryAgain
	case errors.Is(err, cpg.ErrNotJoined):
		return codeNotJoined
	case errdefs.IsNotFound(err):
		return codeNotFound
	case errdefs.IsAlreadyExists(err):
		return codeAlreadyExists
	case errdefs.IsInvalidArgument(err):
		return codeInvalid
	case errdefs.IsUnavailable(err):
		return codeUnavailable
	}
	return ""
}

func replyError(f *frame) error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	switch f.Code {
	case codeTryAgain:
		return cpg.ErrTryAgain
	case codeNotJoined:
		return cpg.ErrNotJoined
	case codeNotFound:
		return errors.Wrap(errdefs.ErrNotFound, f.Error)
	case codeAlreadyExists:
		return errors.Wrap(errdefs.ErrAlreadyExists, f.Error)
	case codeInvalid:
		return errors.Wrap(errdefs.ErrInvalidArgument, f.Error)
	case codeUnavailable:
		return errors.Wrap(errdefs.ErrUnavailable, f.Error)
	}
	return errors.New(f.Error)
}
