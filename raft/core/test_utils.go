package core

import (
	"encoding/gob"
	"testing"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
)

// adderOps is a deterministic accumulator: a command adds its
// argument and returns the new value, a query reads it.
type adderOps struct{}

func (adderOps) New() interface{} { return 0 }

func (adderOps) Command(data interface{}, arg interface{}) (interface{}, interface{}) {
	next := data.(int) + arg.(int)
	return next, next
}

func (adderOps) Query(data interface{}, arg interface{}) interface{} {
	return data.(int)
}

// queueComm collects outbound messages and replies instead of
// delivering them; the cluster harness shuttles explicitly.
type queueComm struct {
	msgs    []*raftpd.Message
	replies map[raftpd.ClientHandle][]interface{}
}

func makeQueueComm() *queueComm {
	return &queueComm{replies: make(map[raftpd.ClientHandle][]interface{})}
}

func (c *queueComm) SendEvent(dest uint64, msg *raftpd.Message) {
	msg.To = dest
	c.msgs = append(c.msgs, msg)
}

func (c *queueComm) Reply(client raftpd.ClientHandle, value interface{}) {
	c.replies[client] = append(c.replies[client], value)
}

func (c *queueComm) take() []*raftpd.Message {
	msgs := c.msgs
	c.msgs = nil
	return msgs
}

// recordingHook counts observer callbacks.
type recordingHook struct {
	elected   int
	commands  int
	queries   int
	added     []uint64
	removed   []uint64
}

func (h *recordingHook) OnElected()                        { h.elected++ }
func (h *recordingHook) OnCommandCommitted(interface{})    { h.commands++ }
func (h *recordingHook) OnQueryAnswered(interface{})       { h.queries++ }
func (h *recordingHook) OnFollowerAdded(peer uint64)       { h.added = append(h.added, peer) }
func (h *recordingHook) OnFollowerRemoved(peer uint64)     { h.removed = append(h.removed, peer) }

// cluster is a deterministic in-memory group: messages move only
// when the test says so, and timers only advance through explicit
// Periodic calls.
type cluster struct {
	t        *testing.T
	replicas map[uint64]*Replica
	comms    map[uint64]*queueComm
	hooks    map[uint64]*recordingHook

	// cut[a][b] drops messages from a to b.
	cut map[uint64]map[uint64]bool
}

func testTunables() conf.Tunables {
	return conf.Tunables{
		HeartbeatTimeout:          200,
		ElectionTimeout:           1000,
		MaxRetainedCommittedLogs:  100,
		MaxRetainedCommandResults: 100,
	}
}

func makeTestConfig(id uint64, comm *queueComm, hook *recordingHook,
	tunables conf.Tunables) *conf.Config {
	return &conf.Config{
		ID:       id,
		DataOps:  adderOps{},
		Comm:     comm,
		Hook:     hook,
		Tunables: tunables,
	}
}

// makeCluster boot id 1 as lonely leader and join the remaining
// ids through the snapshot path, settling after each step.
func makeCluster(t *testing.T, ids []uint64, tunables conf.Tunables) *cluster {
	c := &cluster{
		t:        t,
		replicas: make(map[uint64]*Replica),
		comms:    make(map[uint64]*queueComm),
		hooks:    make(map[uint64]*recordingHook),
		cut:      make(map[uint64]map[uint64]bool),
	}

	first := ids[0]
	c.comms[first] = makeQueueComm()
	c.hooks[first] = &recordingHook{}
	c.replicas[first] = MakeLonelyLeader(
		makeTestConfig(first, c.comms[first], c.hooks[first], tunables))

	for _, id := range ids[1:] {
		c.addMember(first, id, tunables)
	}
	return c
}

func (c *cluster) addMember(leader, id uint64, tunables conf.Tunables) {
	c.comms[id] = makeQueueComm()
	c.hooks[id] = &recordingHook{}
	c.replicas[id] = MakeJoiner(
		makeTestConfig(id, c.comms[id], c.hooks[id], tunables))

	snapshot, err := c.replicas[leader].AddFollower(id)
	if err != nil {
		c.t.Fatalf("add follower %d: %v", id, err)
	}
	c.replicas[id].InstallSnapshot(snapshot, leader)
	c.settle()
}

// partition cut both directions between the two groups.
func (c *cluster) partition(left, right []uint64) {
	for _, a := range left {
		for _, b := range right {
			c.cutLink(a, b)
			c.cutLink(b, a)
		}
	}
}

func (c *cluster) cutLink(from, to uint64) {
	if c.cut[from] == nil {
		c.cut[from] = make(map[uint64]bool)
	}
	c.cut[from][to] = true
}

func (c *cluster) heal() {
	c.cut = make(map[uint64]map[uint64]bool)
}

// settle shuttle messages until the group goes quiet.
func (c *cluster) settle() {
	for i := 0; i < 1000; i++ {
		moved := false
		for from, comm := range c.comms {
			for _, msg := range comm.take() {
				moved = true
				if c.cut[from][msg.To] {
					continue
				}
				if target, ok := c.replicas[msg.To]; ok {
					target.Step(msg)
				}
			}
		}
		if !moved {
			return
		}
	}
	c.t.Fatalf("cluster did not settle")
}

// heartbeat force the leader's heartbeat timer and settle.
func (c *cluster) heartbeat(leader uint64) {
	r := c.replicas[leader]
	r.Periodic(r.config.Tunables.HeartbeatTimeout)
	c.settle()
}

// forceElection make id campaign right now and settle.
func (c *cluster) forceElection(id uint64) {
	r := c.replicas[id]
	r.election.timeElapsed = r.election.randomizedTimeout
	r.Periodic(0)
	c.settle()
}

// expireLeaderLease make every named replica willing to grant
// votes, as if no leader message arrived for an election timeout.
func (c *cluster) expireLeaderLease(ids ...uint64) {
	for _, id := range ids {
		r := c.replicas[id]
		r.election.leaderMsgElapsed = r.config.Tunables.ElectionTimeout
	}
}

func (c *cluster) leaderOf(ids ...uint64) uint64 {
	var leader uint64
	count := 0
	for _, id := range ids {
		if c.replicas[id].state.IsLeader() {
			leader = id
			count++
		}
	}
	if count != 1 {
		c.t.Fatalf("want exactly one leader, get %d", count)
	}
	return leader
}

func (c *cluster) dataOf(id uint64) int {
	return c.replicas[id].data.(int)
}

func (c *cluster) lastReplyTo(id uint64, handle raftpd.ClientHandle) interface{} {
	replies := c.comms[id].replies[handle]
	if len(replies) == 0 {
		c.t.Fatalf("no reply on %d for handle %d", id, handle)
	}
	return replies[len(replies)-1]
}

func init() {
	/* interface payloads carry plain ints in tests */
	gob.Register(0)
}
