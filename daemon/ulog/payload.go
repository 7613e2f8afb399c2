package ulog

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Payload is the decoded data of a request. The concrete type depends on
// the request type; see DecodePayload.
type Payload interface {
	payload()
}

// Empty is the payload of requests that carry no data.
type Empty struct{}

// CtrArgs is the constructor argument string split on spaces.
type CtrArgs struct {
	Args []string
}

// RegionArg names a single region (IsClean, InSync, IsRemoteRecovering).
type RegionArg struct {
	Region uint64
}

// RegionList is the region array of MarkRegion and ClearRegion.
type RegionList struct {
	Regions []uint64
}

// RegionSyncArg is the payload of SetRegionSync.
type RegionSyncArg struct {
	Region uint64
	InSync bool
}

func (Empty) payload()         {}
func (CtrArgs) payload()       {}
func (RegionArg) payload()     {}
func (RegionList) payload()    {}
func (RegionSyncArg) payload() {}

// DecodePayload decodes the data of a request of type t. Request data is in
// host byte order.
func DecodePayload(t Type, data []byte) (Payload, error) {
	order := binary.NativeEndian
	switch t.Base() {
	case Ctr:
		if len(data) == 0 {
			return nil, errors.Wrap(errdefs.ErrInvalidArgument, "constructor request with no data")
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		args := strings.Fields(string(data))
		if len(args) == 0 {
			return nil, errors.Wrap(errdefs.ErrInvalidArgument, "constructor request with bad data")
		}
		return CtrArgs{Args: args}, nil
	case IsClean, InSync, IsRemoteRecovering:
		if len(data) < 8 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "bad data size %d for %s", len(data), t)
		}
		return RegionArg{Region: order.Uint64(data)}, nil
	case MarkRegion, ClearRegion:
		if len(data)%8 != 0 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "bad data size %d for %s", len(data), t)
		}
		regions := make([]uint64, 0, len(data)/8)
		for i := 0; i < len(data); i += 8 {
			regions = append(regions, order.Uint64(data[i:]))
		}
		return RegionList{Regions: regions}, nil
	case SetRegionSync:
		if len(data) < 16 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "bad data size %d for %s", len(data), t)
		}
		return RegionSyncArg{
			Region: order.Uint64(data),
			InSync: int64(order.Uint64(data[8:])) != 0,
		}, nil
	}
	return Empty{}, nil
}

// Encoders for request data, used by the kernel side of tests and tools.

// EncodeRegion encodes a single region argument.
func EncodeRegion(region uint64) []byte {
	return binary.NativeEndian.AppendUint64(nil, region)
}

// EncodeRegions encodes a region array.
func EncodeRegions(regions ...uint64) []byte {
	b := make([]byte, 0, 8*len(regions))
	for _, r := range regions {
		b = binary.NativeEndian.AppendUint64(b, r)
	}
	return b
}

// EncodeRegionSync encodes a SetRegionSync argument.
func EncodeRegionSync(region uint64, inSync bool) []byte {
	b := binary.NativeEndian.AppendUint64(nil, region)
	return binary.NativeEndian.AppendUint64(b, uint64(boolToInt64(inSync)))
}

// Result encodings.

// EncodeBool encodes a boolean result as the kernel's int64.
func EncodeBool(v bool) []byte {
	return binary.NativeEndian.AppendUint64(nil, uint64(boolToInt64(v)))
}

// EncodeUint64 encodes a counter or size result.
func EncodeUint64(v uint64) []byte {
	return binary.NativeEndian.AppendUint64(nil, v)
}

// ResyncWork is the result of GetResyncWork. Assigned is false when no
// region was handed out.
type ResyncWork struct {
	Assigned bool
	Region   uint64
}

// MarshalBinary encodes the {int64 i; uint64 r} result.
func (w ResyncWork) MarshalBinary() ([]byte, error) {
	b := binary.NativeEndian.AppendUint64(nil, uint64(boolToInt64(w.Assigned)))
	return binary.NativeEndian.AppendUint64(b, w.Region), nil
}

// UnmarshalBinary decodes a GetResyncWork result.
func (w *ResyncWork) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "bad resync work size %d", len(b))
	}
	w.Assigned = int64(binary.NativeEndian.Uint64(b)) != 0
	w.Region = binary.NativeEndian.Uint64(b[8:])
	return nil
}

// RecoveringStatus is the result of IsRemoteRecovering.
type RecoveringStatus struct {
	IsRecovering bool
	InSyncHint   uint64
}

// MarshalBinary encodes the {int64 is_recovering; uint64 in_sync_hint} result.
func (s RecoveringStatus) MarshalBinary() ([]byte, error) {
	b := binary.NativeEndian.AppendUint64(nil, uint64(boolToInt64(s.IsRecovering)))
	return binary.NativeEndian.AppendUint64(b, s.InSyncHint), nil
}

// UnmarshalBinary decodes an IsRemoteRecovering result.
func (s *RecoveringStatus) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "bad recovering status size %d", len(b))
	}
	s.IsRecovering = int64(binary.NativeEndian.Uint64(b)) != 0
	s.InSyncHint = binary.NativeEndian.Uint64(b[8:])
	return nil
}

// DecodeBool decodes an int64 boolean result.
func DecodeBool(b []byte) (bool, error) {
	v, err := DecodeUint64(b)
	return v != 0, err
}

// DecodeUint64 decodes a uint64 result.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "bad result size %d", len(b))
	}
	return binary.NativeEndian.Uint64(b), nil
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
