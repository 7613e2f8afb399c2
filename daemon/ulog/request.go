package ulog

import (
	"bytes"
	"encoding/binary"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

const (
	// Version is the envelope version carrying a luid.
	Version = 3

	// UUIDLen is the size of the uuid field, including the terminating NUL.
	UUIDLen = 129

	// HeaderSize is the size of the envelope without data.
	HeaderSize = 8 + UUIDLen + 3 + 4*5

	// DefaultRequestSize bounds a whole envelope, header included.
	DefaultRequestSize = 1024
)

// ByteOrder is implemented by binary.LittleEndian and binary.NativeEndian.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Request is a dm_ulog_request envelope. Error and Data are filled in with
// the result before the envelope is returned to the kernel.
type Request struct {
	LUID    uint64
	UUID    string
	Version uint32
	Error   int32
	Seq     uint32
	Type    Type
	Data    []byte
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return &c
}

// SetResult stores a result into the envelope: on error the data is dropped
// and the errno recorded.
func (r *Request) SetResult(data []byte, err error) {
	if err != nil {
		r.Error = Errno(err)
		r.Data = nil
		return
	}
	r.Error = 0
	r.Data = data
}

// AppendBinary appends the envelope encoded with the given byte order.
func (r *Request) AppendBinary(b []byte, order ByteOrder) ([]byte, error) {
	if len(r.UUID) >= UUIDLen {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "uuid too long (%d bytes)", len(r.UUID))
	}
	var uuid [UUIDLen + 3]byte
	copy(uuid[:], r.UUID)

	b = order.AppendUint64(b, r.LUID)
	b = append(b, uuid[:]...)
	b = order.AppendUint32(b, r.Version)
	b = order.AppendUint32(b, uint32(r.Error))
	b = order.AppendUint32(b, r.Seq)
	b = order.AppendUint32(b, uint32(r.Type))
	b = order.AppendUint32(b, uint32(len(r.Data)))
	return append(b, r.Data...), nil
}

// MarshalBinary encodes the envelope in host byte order, the layout used by
// the kernel.
func (r *Request) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, HeaderSize+len(r.Data)), binary.NativeEndian)
}

// UnmarshalBinary decodes an envelope in host byte order.
func (r *Request) UnmarshalBinary(b []byte) error {
	_, err := r.decode(b, binary.NativeEndian)
	return err
}

// DecodeRequest decodes one envelope from b using order and returns the
// number of bytes consumed.
func DecodeRequest(b []byte, order ByteOrder) (*Request, int, error) {
	r := &Request{}
	n, err := r.decode(b, order)
	if err != nil {
		return nil, 0, err
	}
	return r, n, nil
}

func (r *Request) decode(b []byte, order ByteOrder) (int, error) {
	if len(b) < HeaderSize {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "short request envelope (%d bytes)", len(b))
	}
	r.LUID = order.Uint64(b[0:8])
	uuid := b[8 : 8+UUIDLen]
	if i := bytes.IndexByte(uuid, 0); i >= 0 {
		uuid = uuid[:i]
	}
	r.UUID = string(uuid)
	off := 8 + UUIDLen + 3
	r.Version = order.Uint32(b[off:])
	r.Error = int32(order.Uint32(b[off+4:]))
	r.Seq = order.Uint32(b[off+8:])
	r.Type = Type(order.Uint32(b[off+12:]))
	size := order.Uint32(b[off+16:])
	if uint64(size) > uint64(len(b)-HeaderSize) {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "request data truncated (%d of %d bytes)", len(b)-HeaderSize, size)
	}
	r.Data = nil
	if size > 0 {
		r.Data = append([]byte(nil), b[HeaderSize:HeaderSize+int(size)]...)
	}
	return HeaderSize + int(size), nil
}
