package conf

import (
	"encoding/gob"
	"math"

	log "github.com/sirupsen/logrus"

	raftpd "github.com/thinkermao/raftfsm/raft/proto"
)

// Invalid value for raft.
const (
	InvalidIndex uint64 = 0
	InvalidID    uint64 = math.MaxUint64
	InvalidTerm  uint64 = 0
)

// Default tunables.
const (
	DefaultHeartbeatTimeout          = 200  // milliseconds
	DefaultElectionTimeout           = 1000 // milliseconds
	DefaultMaxRetainedCommittedLogs  = 100
	DefaultMaxRetainedCommandResults = 100
)

// DataOps is the user supplied deterministic state machine. Data
// values flow through Command/Query untouched by the replica core;
// determinism is the user's obligation.
type DataOps interface {
	// New return the initial data value.
	New() interface{}

	// Command apply arg to data, returning the client visible
	// result and the successor data value.
	Command(data interface{}, arg interface{}) (result interface{}, next interface{})

	// Query read data without mutating it.
	Query(data interface{}, arg interface{}) (result interface{})
}

// Communicator is the fire-and-forget transport. Messages may be
// dropped, reordered or duplicated; the protocol tolerates all three.
type Communicator interface {
	SendEvent(dest uint64, msg *raftpd.Message)

	// Reply deliver a commit-time result to a waiting client.
	Reply(client raftpd.ClientHandle, value interface{})
}

// LeaderHook observes leader-side events, best effort. A panicking
// hook must not corrupt replica state; callers run it behind recover.
type LeaderHook interface {
	OnElected()
	OnCommandCommitted(result interface{})
	OnQueryAnswered(result interface{})
	OnFollowerAdded(peer uint64)
	OnFollowerRemoved(peer uint64)
}

// Tunables are the runtime adjustable knobs. They travel inside
// change_config log entries, so every replica converges on the same
// values at the same log position.
type Tunables struct {
	HeartbeatTimeout          int // milliseconds
	ElectionTimeout           int // milliseconds
	MaxRetainedCommittedLogs  int
	MaxRetainedCommandResults int
}

func (t *Tunables) Reset() { *t = Tunables{} }

// DefaultTunables return the documented defaults.
func DefaultTunables() Tunables {
	return Tunables{
		HeartbeatTimeout:          DefaultHeartbeatTimeout,
		ElectionTimeout:           DefaultElectionTimeout,
		MaxRetainedCommittedLogs:  DefaultMaxRetainedCommittedLogs,
		MaxRetainedCommandResults: DefaultMaxRetainedCommandResults,
	}
}

// Config given information to build one replica: the plug-in module
// bindings, fixed at construction, plus the tunables.
type Config struct {
	// ID is the identity of the local replica. Cannot be InvalidID.
	ID uint64

	// DataOps is required; the others fall back to defaults
	// at Verify time (Hook to a no-op, Comm must be set by the
	// enclosing server before the core runs).
	DataOps DataOps
	Comm    Communicator
	Hook    LeaderHook

	Tunables Tunables
}

// Verify check whether fields of Config is valid. Invalid
// configuration is fatal to the initiator.
func (c *Config) Verify() {
	if c.ID == InvalidID {
		log.Panicf("replica id cannot be the invalid id")
	}

	if c.DataOps == nil {
		log.Panicf("data ops module is required")
	}

	if c.Comm == nil {
		log.Panicf("communication module is required")
	}

	if c.Hook == nil {
		c.Hook = noopHook{}
	}

	if c.Tunables.HeartbeatTimeout <= 0 {
		log.Panicf("heartbeat timeout must be great than zero")
	}

	if c.Tunables.ElectionTimeout <= c.Tunables.HeartbeatTimeout {
		log.Panicf("election timeout must be great than heartbeat timeout")
	}

	if c.Tunables.MaxRetainedCommittedLogs <= 0 ||
		c.Tunables.MaxRetainedCommandResults <= 0 {
		log.Panicf("retention limits must be great than zero")
	}
}

type noopHook struct{}

func (noopHook) OnElected()                           {}
func (noopHook) OnCommandCommitted(interface{})       {}
func (noopHook) OnQueryAnswered(interface{})          {}
func (noopHook) OnFollowerAdded(uint64)               {}
func (noopHook) OnFollowerRemoved(uint64)             {}

// NoopHook return the default do-nothing leader hook.
func NoopHook() LeaderHook { return noopHook{} }

func init() {
	gob.Register(Tunables{})
}
