package raftpd

import (
	"encoding/gob"
	"fmt"
)

// EntryKind tags the replicated log entry variants.
type EntryKind int

// Kind tags are part of the binary format and must keep
// their numeric values.
const (
	EntryCommand EntryKind = iota
	EntryQuery
	EntryChangeConfig
	EntryLeaderElected
	EntryAddFollower
	EntryRemoveFollower
)

var entryKindStr = []string{
	"Command",
	"Query",
	"ChangeConfig",
	"LeaderElected",
	"AddFollower",
	"RemoveFollower",
}

func (k EntryKind) String() string {
	if k < 0 || int(k) >= len(entryKindStr) {
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
	return entryKindStr[k]
}

// ValidEntryKind report whether k is a known kind tag.
func ValidEntryKind(k EntryKind) bool {
	return k >= EntryCommand && k <= EntryRemoveFollower
}

// Entry is one replicated log record. Data holds the gob encoded
// payload struct matching Kind; the binary codec treats it as opaque.
type Entry struct {
	Term  uint64
	Index uint64
	Kind  EntryKind
	Data  []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("raftpd.Entry{idx: %d, term: %d, kind: %v}",
		e.Index, e.Term, e.Kind)
}

// ClientHandle identify a pending synchronous client call; the
// communication module routes commit-time replies through it.
type ClientHandle uint64

// NoClient marks entries without a waiting caller.
const NoClient ClientHandle = 0

// CommandPayload is the payload of an EntryCommand record.
type CommandPayload struct {
	Client ClientHandle
	Arg    interface{}
	ID     uint64 // client chosen, deduplication key
}

func (p *CommandPayload) Reset() { *p = CommandPayload{} }

// QueryPayload is the payload of an EntryQuery record. Queries
// reach the log only when the leader lease was invalid.
type QueryPayload struct {
	Client ClientHandle
	Arg    interface{}
}

func (p *QueryPayload) Reset() { *p = QueryPayload{} }

// PeerPayload is the payload of LeaderElected, AddFollower and
// RemoveFollower records.
type PeerPayload struct {
	Peer uint64
}

func (p *PeerPayload) Reset() { *p = PeerPayload{} }

func init() {
	gob.Register(Entry{})
	gob.Register(CommandPayload{})
	gob.Register(QueryPayload{})
	gob.Register(PeerPayload{})
}
