package raft

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core"
	"github.com/thinkermao/raftfsm/raft/core/conf"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils"
)

// tick granularity of the internal timer, milliseconds.
const tickSize = 10

// ErrTimeout report that a synchronous client call gave up waiting;
// the operation may still commit, and command ids make retries safe.
var ErrTimeout = errors.New("request timeout")

// Server is the thread-safe façade over one replica core: it
// serializes every input (wire messages, timer ticks, synchronous
// client calls) through one mutex and routes commit-time replies
// back to waiting callers.
type Server struct {
	mutex   sync.Mutex
	id      uint64
	replica *core.Replica

	transport Transporter
	timer     *utils.Timer
	stopOnce  sync.Once

	pendingMutex sync.Mutex
	nextHandle   raftpd.ClientHandle
	pending      map[raftpd.ClientHandle]chan interface{}
}

// CreateNewConsensusGroup boot a brand new group with this server
// as single member and leader, at term 0.
func CreateNewConsensusGroup(config *conf.Config, transport Transporter) *Server {
	s := makeServer(config, transport)
	s.replica = core.MakeLonelyLeader(config)
	s.start()
	return s
}

// JoinExistingConsensusGroup ask the peers, in turn, to add this
// server to their group. A not-leader redirect moves the named
// leader to the front of the queue; an unreachable peer is skipped;
// the call fails once the list is exhausted.
func JoinExistingConsensusGroup(config *conf.Config, transport Transporter,
	lookup func(uint64) *Server, peers []uint64) (*Server, error) {
	s := makeServer(config, transport)
	s.replica = core.MakeJoiner(config)

	queue := append([]uint64{}, peers...)
	lastErr := ErrNoProc
	for attempt := 0; attempt < len(peers)+8 && len(queue) > 0; attempt++ {
		peer := queue[0]
		queue = queue[1:]

		target := lookup(peer)
		if target == nil {
			lastErr = ErrNoProc
			continue
		}

		snapshot, err := target.AddFollower(s.id)
		if err == nil {
			s.mutex.Lock()
			s.replica.InstallSnapshot(snapshot, peer)
			s.mutex.Unlock()
			s.start()
			return s, nil
		}

		log.Infof("%d join via %d failed: %v", s.id, peer, err)

		var notLeader *core.NotLeaderError
		if errors.As(err, &notLeader) && notLeader.Leader != conf.InvalidID {
			queue = append([]uint64{notLeader.Leader}, queue...)
		}
		lastErr = err
	}
	return nil, lastErr
}

func makeServer(config *conf.Config, transport Transporter) *Server {
	s := &Server{
		id:        config.ID,
		transport: transport,
		pending:   make(map[raftpd.ClientHandle]chan interface{}),
	}
	// the server itself is the replica's communication module:
	// outbound events go through the transport, replies through
	// the pending-call table.
	config.Comm = s
	return s
}

func (s *Server) start() {
	if b, ok := s.transport.(*Bus); ok {
		b.attach(s)
	}

	last := time.Now()
	s.timer = utils.StartTimer(tickSize, func(now time.Time) {
		ms := int(now.Sub(last).Nanoseconds() / 1e6)
		last = now

		s.mutex.Lock()
		s.replica.Periodic(ms)
		dead := s.replica.IsDead()
		s.mutex.Unlock()

		if dead {
			s.Stop()
		}
	})
}

// Stop halt timers and detach from the built-in bus. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if b, ok := s.transport.(*Bus); ok {
			b.detach(s)
		}
		log.Infof("%d server stopped", s.id)
	})
}

// ID return the replica identity.
func (s *Server) ID() uint64 { return s.id }

// Step feed one incoming wire message.
func (s *Server) Step(msg *raftpd.Message) {
	s.mutex.Lock()
	s.replica.Step(msg)
	dead := s.replica.IsDead()
	s.mutex.Unlock()

	if dead {
		s.Stop()
	}
}

// SendEvent implement conf.Communicator: fire-and-forget outbound.
func (s *Server) SendEvent(dest uint64, msg *raftpd.Message) {
	if err := s.transport.Send(dest, msg); err != nil {
		log.Debugf("%d drop %v to unreachable %d", s.id, msg.MsgType, dest)
	}
}

// Reply implement conf.Communicator: resolve a pending client call.
func (s *Server) Reply(client raftpd.ClientHandle, value interface{}) {
	s.pendingMutex.Lock()
	ch, ok := s.pending[client]
	delete(s.pending, client)
	s.pendingMutex.Unlock()

	if ok {
		ch <- value
	}
}

// Command apply a deduplicated command to the replicated data and
// wait for the committed result.
func (s *Server) Command(arg interface{}, id uint64, timeout time.Duration) (interface{}, error) {
	handle, ch := s.registerClient()

	s.mutex.Lock()
	err := s.replica.Command(handle, arg, id)
	s.mutex.Unlock()

	if err != nil {
		s.dropClient(handle)
		return nil, err
	}
	return s.await(handle, ch, timeout)
}

// Query read the replicated data, through the leader lease when it
// is valid, through the log otherwise.
func (s *Server) Query(arg interface{}, timeout time.Duration) (interface{}, error) {
	handle, ch := s.registerClient()

	s.mutex.Lock()
	err := s.replica.Query(handle, arg)
	s.mutex.Unlock()

	if err != nil {
		s.dropClient(handle)
		return nil, err
	}
	return s.await(handle, ch, timeout)
}

// ChangeConfig replicate new tunables; they apply on commit.
func (s *Server) ChangeConfig(tunables conf.Tunables) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.replica.ChangeConfig(tunables)
}

// AddFollower start adding peer; the returned snapshot is what the
// new member must install before appends can reach it.
func (s *Server) AddFollower(peer uint64) (*raftpd.Snapshot, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.replica.AddFollower(peer)
}

// RemoveFollower start removing peer from the group.
func (s *Server) RemoveFollower(peer uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.replica.RemoveFollower(peer)
}

// ReplaceLeader designate a replacement leader, or cancel with
// conf.InvalidID.
func (s *Server) ReplaceLeader(peer uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.replica.ReplaceLeader(peer)
}

// Status return the introspection snapshot.
func (s *Server) Status() core.Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.replica.ReadStatus()
}

func (s *Server) registerClient() (raftpd.ClientHandle, chan interface{}) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	s.nextHandle++
	handle := s.nextHandle
	ch := make(chan interface{}, 1)
	s.pending[handle] = ch
	return handle, ch
}

func (s *Server) dropClient(handle raftpd.ClientHandle) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()
	delete(s.pending, handle)
}

func (s *Server) await(handle raftpd.ClientHandle,
	ch chan interface{}, timeout time.Duration) (interface{}, error) {
	select {
	case value := <-ch:
		return value, nil
	case <-time.After(timeout):
		s.dropClient(handle)
		return nil, ErrTimeout
	}
}
