package cluster

import (
	"encoding/binary"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// messageVersion prefixes every message. A peer speaking another version
// is rejected instead of misread.
const messageVersion = 5

const messageHeaderSize = 12

// Message is the record multicast within a group. Messages travel in
// little-endian byte order regardless of the host, payloads included.
type Message struct {
	// Originator is the node whose kernel issued the request. Receivers
	// fill it in from the sender of a request; responses and checkpoint
	// notices carry it explicitly.
	Originator cpg.NodeID

	// PITServer is the server at the time a buffered request was
	// delivered.
	PITServer cpg.NodeID

	Request *ulog.Request
}

func (m *Message) clone() *Message {
	c := *m
	c.Request = m.Request.Clone()
	return &c
}

// MarshalBinary encodes the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, messageHeaderSize+ulog.HeaderSize+len(m.Request.Data))
	b = binary.LittleEndian.AppendUint32(b, messageVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Originator))
	b = binary.LittleEndian.AppendUint32(b, uint32(m.PITServer))
	req := m.Request
	if wordPayload(req.Type) {
		req = req.Clone()
		req.Data = swapWords(req.Data, binary.NativeEndian, binary.LittleEndian)
	}
	return req.AppendBinary(b, binary.LittleEndian)
}

// UnmarshalBinary decodes a message.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < messageHeaderSize {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "short cluster message (%d bytes)", len(b))
	}
	if v := binary.LittleEndian.Uint32(b); v != messageVersion {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "cluster message version %d, expected %d", v, messageVersion)
	}
	req, _, err := ulog.DecodeRequest(b[messageHeaderSize:], binary.LittleEndian)
	if err != nil {
		return err
	}
	m.Originator = cpg.NodeID(binary.LittleEndian.Uint32(b[4:]))
	m.PITServer = cpg.NodeID(binary.LittleEndian.Uint32(b[8:]))
	if wordPayload(req.Type) {
		req.Data = swapWords(req.Data, binary.LittleEndian, binary.NativeEndian)
	}
	m.Request = req
	return nil
}

// wordPayload reports whether requests and responses of type t carry only
// 64-bit words, which the kernel encodes in host byte order.
func wordPayload(t ulog.Type) bool {
	switch t.Base() {
	case ulog.GetRegionSize, ulog.IsClean, ulog.InSync, ulog.MarkRegion, ulog.ClearRegion,
		ulog.GetResyncWork, ulog.SetRegionSync, ulog.GetSyncCount, ulog.IsRemoteRecovering:
		return true
	}
	return false
}

// swapWords re-encodes every 64-bit word of data from one byte order to
// the other. A trailing partial word is copied as is.
func swapWords(data []byte, from, to binary.ByteOrder) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	for i := 0; i+8 <= len(out); i += 8 {
		to.PutUint64(out[i:], from.Uint64(data[i:]))
	}
	return out
}
