package raft

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	raftpd "github.com/thinkermao/raftfsm/raft/proto"
)

// ErrNoProc report that a destination replica is not reachable
// through the transport.
var ErrNoProc = errors.New("noproc")

// Transporter delivers messages between replicas, fire-and-forget
// semantics: it may drop, reorder or duplicate.
type Transporter interface {
	Send(to uint64, msg *raftpd.Message) error
}

// Bus is the built-in asynchronous in-process transport: a registry
// of live servers with goroutine delivery. It doubles as the peer
// locator for the join path.
type Bus struct {
	mutex   sync.Mutex
	servers map[uint64]*Server
}

// NewBus return an empty bus.
func NewBus() *Bus {
	return &Bus{servers: make(map[uint64]*Server)}
}

// Send deliver msg to the target server asynchronously;
// unknown targets report ErrNoProc.
func (b *Bus) Send(to uint64, msg *raftpd.Message) error {
	b.mutex.Lock()
	target := b.servers[to]
	b.mutex.Unlock()

	if target == nil {
		return ErrNoProc
	}
	go target.Step(msg)
	return nil
}

// Lookup return the server registered under id, nil when absent.
func (b *Bus) Lookup(id uint64) *Server {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.servers[id]
}

func (b *Bus) attach(s *Server) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if old, ok := b.servers[s.id]; ok && old != s {
		log.Warnf("bus replaces server %d", s.id)
	}
	b.servers[s.id] = s
}

func (b *Bus) detach(s *Server) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.servers[s.id] == s {
		delete(b.servers, s.id)
	}
}
