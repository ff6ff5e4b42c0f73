package raftpd

import "encoding/gob"

type MessageType int

// Message from leader:
// - Append request (doubles as heartbeat)
// - InstallSnapshot (membership join, or follower fell behind
//   the retained log window)
// - TimeoutNow (cooperative leader replacement)
// - RemoveFollowerCompleted (termination notice to a removed peer)
//
// Message from follower:
// - Append response
//
// Message from candidate:
// - Vote request
//
// Message from all server:
// - Vote response
const (
	MsgAppendRequest MessageType = iota
	MsgAppendResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgInstallSnapshot
	MsgTimeoutNow
	MsgRemoveFollowerCompleted
)

var messageTypeStr = []string{
	"Append request",
	"Append response",
	"Vote request",
	"Vote response",
	"Install snapshot",
	"Timeout now",
	"Remove follower completed",
}

func (tp MessageType) String() string {
	return messageTypeStr[tp]
}

// Message is the single wire envelope; the populated fields depend
// on MsgType. All messages carry Term.
type Message struct {
	MsgType  MessageType
	From, To uint64
	Term     uint64

	// Append request: previous entry the entries hang off,
	// the batch itself and the leader commit index.
	LogIndex, LogTerm uint64
	Entries           []Entry
	Commit            uint64

	// Append/vote response. Reject carries failure for both;
	// Replicated is the follower's last index after a successful
	// append and is meaningless on rejection.
	Reject     bool
	Replicated uint64

	// Vote request: LogIndex/LogTerm double as the candidate's
	// last entry; ReplacingLeader bypasses the lease guard during
	// cooperative leader replacement.
	ReplacingLeader bool

	// Install snapshot.
	Snapshot *Snapshot

	// Timeout now piggybacks the latest append request so the
	// target proves its log is caught up before campaigning.
	AppendReq *Message
}

func (c *Message) Reset() { *c = Message{} }

// Snapshot is the bulk state transfer: full membership, the entry
// at the commit point, and the user visible machine state. It is
// generated and consumed in process, so Data payloads keep their
// transport specific client handles.
type Snapshot struct {
	Members        []uint64
	Term           uint64
	LastCommitted  Entry
	Data           []byte // gob encoded user data
	CommandResults []byte // gob encoded dedup cache
	Conf           []byte // gob encoded tunables
}

func (s *Snapshot) Reset() { *s = Snapshot{} }

// ValueBox wraps a user supplied value for the gob codec; the
// concrete type must be registered by the user module.
type ValueBox struct {
	Value interface{}
}

func (b *ValueBox) Reset() { *b = ValueBox{} }

func init() {
	gob.Register(Message{})
	gob.Register(Snapshot{})
	gob.Register(ValueBox{})
}
