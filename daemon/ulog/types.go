// Package ulog describes the userspace mirror-log protocol spoken between the
// dm-log-userspace kernel target and cmirrord: request types, the request
// envelope and the typed payloads carried by each request.
package ulog

import "fmt"

// Type is the request_type field of a request envelope.
type Type uint32

// Request types issued by the kernel.
const (
	Ctr                Type = 1
	Dtr                Type = 2
	Presuspend         Type = 3
	Postsuspend        Type = 4
	Resume             Type = 5
	GetRegionSize      Type = 6
	IsClean            Type = 7
	InSync             Type = 8
	Flush              Type = 9
	MarkRegion         Type = 10
	ClearRegion        Type = 11
	GetResyncWork      Type = 12
	SetRegionSync      Type = 13
	GetSyncCount       Type = 14
	StatusInfo         Type = 15
	StatusTable        Type = 16
	IsRemoteRecovering Type = 17
)

// Request types that only travel between cluster members.
const (
	CheckpointReady Type = 21
	MemberJoin      Type = 22
)

// ResponseFlag is or'ed into the type of a request multicast back by the
// server as a response.
const ResponseFlag Type = 0x1000

var typeNames = map[Type]string{
	Ctr:                "DM_ULOG_CTR",
	Dtr:                "DM_ULOG_DTR",
	Presuspend:         "DM_ULOG_PRESUSPEND",
	Postsuspend:        "DM_ULOG_POSTSUSPEND",
	Resume:             "DM_ULOG_RESUME",
	GetRegionSize:      "DM_ULOG_GET_REGION_SIZE",
	IsClean:            "DM_ULOG_IS_CLEAN",
	InSync:             "DM_ULOG_IN_SYNC",
	Flush:              "DM_ULOG_FLUSH",
	MarkRegion:         "DM_ULOG_MARK_REGION",
	ClearRegion:        "DM_ULOG_CLEAR_REGION",
	GetResyncWork:      "DM_ULOG_GET_RESYNC_WORK",
	SetRegionSync:      "DM_ULOG_SET_REGION_SYNC",
	GetSyncCount:       "DM_ULOG_GET_SYNC_COUNT",
	StatusInfo:         "DM_ULOG_STATUS_INFO",
	StatusTable:        "DM_ULOG_STATUS_TABLE",
	IsRemoteRecovering: "DM_ULOG_IS_REMOTE_RECOVERING",
	CheckpointReady:    "DM_ULOG_CHECKPOINT_READY",
	MemberJoin:         "DM_ULOG_MEMBER_JOIN",
}

// Base strips the response flag.
func (t Type) Base() Type {
	return t &^ ResponseFlag
}

// IsResponse reports whether the response flag is set.
func (t Type) IsResponse() bool {
	return t&ResponseFlag != 0
}

// Valid reports whether t (without the response flag) is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t.Base()]
	return ok
}

func (t Type) String() string {
	name, ok := typeNames[t.Base()]
	if !ok {
		name = fmt.Sprintf("DM_ULOG_UNKNOWN(%d)", uint32(t.Base()))
	}
	if t.IsResponse() {
		return name + "(RESPONSE)"
	}
	return name
}

// ShortUUID returns the last 8 characters of a device uuid, the form used in
// log output and checkpoint names.
func ShortUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[len(uuid)-8:]
	}
	return uuid
}
