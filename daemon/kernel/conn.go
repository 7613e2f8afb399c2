package kernel

import (
	"encoding/binary"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Connector ids of the dm-log-userspace target.
const (
	CnIdxDM           = 0x7
	CnValUserspaceLog = 0x1
)

const cnMsgHeaderSize = 20

var nativeEndian = binary.NativeEndian

// Packet is one connector message: a sequence number and the envelope it
// carries. A packet without data answers the request with that sequence
// number with "resend".
type Packet struct {
	Seq  uint32
	Ack  uint32
	Data []byte
}

// Conn is the datagram transport to the kernel.
type Conn interface {
	// Receive blocks until at least one packet arrives.
	Receive() ([]Packet, error)
	Send(p Packet) error
	Close() error
}

// marshalCnMsg encodes p behind a cn_msg header addressed to the log
// target.
func marshalCnMsg(p Packet) []byte {
	b := make([]byte, 0, cnMsgHeaderSize+len(p.Data))
	b = binary.NativeEndian.AppendUint32(b, CnIdxDM)
	b = binary.NativeEndian.AppendUint32(b, CnValUserspaceLog)
	b = binary.NativeEndian.AppendUint32(b, p.Seq)
	b = binary.NativeEndian.AppendUint32(b, p.Ack)
	b = binary.NativeEndian.AppendUint16(b, uint16(len(p.Data)))
	b = binary.NativeEndian.AppendUint16(b, 0)
	return append(b, p.Data...)
}

// unmarshalCnMsg decodes a cn_msg. Messages for other connector users are
// reported as errdefs.ErrNotFound.
func unmarshalCnMsg(b []byte) (Packet, error) {
	if len(b) < cnMsgHeaderSize {
		return Packet{}, errors.Wrapf(errdefs.ErrInvalidArgument, "short connector message (%d bytes)", len(b))
	}
	idx := binary.NativeEndian.Uint32(b[0:])
	val := binary.NativeEndian.Uint32(b[4:])
	if idx != CnIdxDM || val != CnValUserspaceLog {
		return Packet{}, errors.Wrapf(errdefs.ErrNotFound, "connector message for %d:%d", idx, val)
	}
	n := int(binary.NativeEndian.Uint16(b[16:]))
	if n > len(b)-cnMsgHeaderSize {
		return Packet{}, errors.Wrapf(errdefs.ErrInvalidArgument, "connector message truncated (%d of %d bytes)", len(b)-cnMsgHeaderSize, n)
	}
	return Packet{
		Seq:  binary.NativeEndian.Uint32(b[8:]),
		Ack:  binary.NativeEndian.Uint32(b[12:]),
		Data: append([]byte(nil), b[cnMsgHeaderSize:cnMsgHeaderSize+n]...),
	}, nil
}
