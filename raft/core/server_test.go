package core

import (
	"errors"
	"testing"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	"github.com/thinkermao/raftfsm/raft/core/member"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
)

func TestThreeNodeCommit(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())

	if err := c.replicas[1].Command(7, 5, 100); err != nil {
		t.Fatalf("command: %v", err)
	}
	c.settle()
	// followers learn the advanced commit on the next append.
	c.heartbeat(1)

	for _, id := range []uint64{1, 2, 3} {
		if got := c.dataOf(id); got != 5 {
			t.Errorf("replica %d: data want: 5, get: %d", id, got)
		}
	}
	if reply := c.lastReplyTo(1, 7); reply != 5 {
		t.Errorf("reply want: 5, get: %v", reply)
	}

	// retry with the same command id replays the cached result
	// without re-applying.
	if err := c.replicas[1].Command(8, 5, 100); err != nil {
		t.Fatalf("retry command: %v", err)
	}
	c.settle()
	c.heartbeat(1)

	for _, id := range []uint64{1, 2, 3} {
		if got := c.dataOf(id); got != 5 {
			t.Errorf("replica %d: data re-applied, want: 5, get: %d", id, got)
		}
	}
	if reply := c.lastReplyTo(1, 8); reply != 5 {
		t.Errorf("retry reply want: 5, get: %v", reply)
	}
	if c.hooks[1].commands != 1 {
		t.Errorf("command hook want: 1, get: %d", c.hooks[1].commands)
	}
}

func TestCommandRejectedOnFollower(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2}, testTunables())

	err := c.replicas[2].Command(1, 1, 101)
	var notLeader *NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("want NotLeaderError, get: %v", err)
	}
	if notLeader.Leader != 1 {
		t.Errorf("redirect want: 1, get: %d", notLeader.Leader)
	}
}

func TestElectionAfterLeaderStop(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	oldTerm := c.replicas[1].term

	// silence the leader and let 2 reach its election timeout.
	c.partition([]uint64{1}, []uint64{2, 3})
	c.expireLeaderLease(2, 3)
	c.forceElection(2)

	if leader := c.leaderOf(2, 3); leader != 2 {
		t.Fatalf("leader want: 2, get: %d", leader)
	}
	if c.replicas[2].term != oldTerm+1 {
		t.Errorf("term want: %d, get: %d", oldTerm+1, c.replicas[2].term)
	}

	c.heartbeat(2)
	if got := c.replicas[3].members.Leader(); got != 2 {
		t.Errorf("follower 3 leader want: 2, get: %d", got)
	}
	status := c.replicas[3].ReadStatus()
	if status.Leader != 2 || len(status.Members) != 3 {
		t.Errorf("status want leader 2 of 3 members, get: %+v", status)
	}
}

func TestLogMatchingRepair(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())

	// the cut leader appends a command no one will ever see.
	c.partition([]uint64{1}, []uint64{2, 3})
	if err := c.replicas[1].Command(11, 100, 201); err != nil {
		t.Fatalf("command on cut leader: %v", err)
	}
	c.settle()

	c.expireLeaderLease(2, 3)
	c.forceElection(2)
	if leader := c.leaderOf(2, 3); leader != 2 {
		t.Fatalf("leader want: 2, get: %d", leader)
	}
	if err := c.replicas[2].Command(12, 7, 202); err != nil {
		t.Fatalf("command on new leader: %v", err)
	}
	c.settle()

	c.heal()
	c.heartbeat(2)

	// the stale entry was truncated; every log agrees.
	for _, id := range []uint64{1, 2, 3} {
		if got := c.dataOf(id); got != 7 {
			t.Errorf("replica %d: data want: 7, get: %d", id, got)
		}
	}
	last1 := c.replicas[1].logs.LastEntry()
	last2 := c.replicas[2].logs.LastEntry()
	if last1.Index != last2.Index || last1.Term != last2.Term {
		t.Errorf("logs diverge: %v vs %v", last1, last2)
	}
	if c.replicas[1].logs.CommitIndex() != c.replicas[2].logs.CommitIndex() {
		t.Errorf("commit diverge: %d vs %d",
			c.replicas[1].logs.CommitIndex(), c.replicas[2].logs.CommitIndex())
	}
}

func TestLeaseFastQuery(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	leader := c.replicas[1]

	if err := leader.Command(21, 5, 301); err != nil {
		t.Fatalf("command: %v", err)
	}
	c.settle()

	// inside the lease the query bypasses the log.
	lastBefore := leader.logs.LastIndex()
	if err := leader.Query(22, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if reply := c.lastReplyTo(1, 22); reply != 5 {
		t.Errorf("leased query want: 5, get: %v", reply)
	}
	if leader.logs.LastIndex() != lastBefore {
		t.Errorf("leased query appended an entry")
	}

	// an expired lease forces the query through the log.
	c.partition([]uint64{1}, []uint64{2, 3})
	leader.leadership.quorumElapsed = leader.config.Tunables.ElectionTimeout
	if err := leader.Query(23, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if leader.logs.LastIndex() != lastBefore+1 {
		t.Errorf("lapsed query did not append")
	}
	if len(c.comms[1].replies[23]) != 0 {
		t.Errorf("lapsed query answered before quorum recovered")
	}

	c.heal()
	leader.broadcastAppend()
	c.settle()
	if reply := c.lastReplyTo(1, 23); reply != 5 {
		t.Errorf("recovered query want: 5, get: %v", reply)
	}
}

func TestMembershipAdd(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2}, testTunables())
	tunables := testTunables()

	// a second change while one is uncommitted must be refused:
	// cut the follower so the first add cannot commit.
	c.partition([]uint64{1}, []uint64{2})

	c.comms[3] = makeQueueComm()
	c.hooks[3] = &recordingHook{}
	c.replicas[3] = MakeJoiner(makeTestConfig(3, c.comms[3], c.hooks[3], tunables))
	c.cutLink(1, 3)
	c.cutLink(3, 1)

	snapshot, err := c.replicas[1].AddFollower(3)
	if err != nil {
		t.Fatalf("add follower: %v", err)
	}
	if len(snapshot.Members) != 3 {
		t.Errorf("snapshot members want: 3, get: %d", len(snapshot.Members))
	}
	c.replicas[3].InstallSnapshot(snapshot, 1)
	c.settle()

	if _, err := c.replicas[1].AddFollower(4); err != member.ErrUncommittedChange {
		t.Errorf("want ErrUncommittedChange, get: %v", err)
	}

	c.heal()
	c.heartbeat(1)
	for _, id := range []uint64{1, 2, 3} {
		status := c.replicas[id].ReadStatus()
		if len(status.Members) != 3 {
			t.Errorf("replica %d: members want: 3, get: %v", id, status.Members)
		}
	}
	// makeCluster's own add of 2 fired the hook first.
	if len(c.hooks[1].added) != 2 || c.hooks[1].added[0] != 2 ||
		c.hooks[1].added[1] != 3 {
		t.Errorf("added hook want: [2 3], get: %v", c.hooks[1].added)
	}
}

func TestRemoveFollower(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())

	if err := c.replicas[1].RemoveFollower(3); err != nil {
		t.Fatalf("remove follower: %v", err)
	}
	c.settle()
	c.heartbeat(1)

	for _, id := range []uint64{1, 2} {
		status := c.replicas[id].ReadStatus()
		if len(status.Members) != 2 {
			t.Errorf("replica %d: members want: 2, get: %v", id, status.Members)
		}
	}
	if !c.replicas[3].IsDead() {
		t.Errorf("removed follower should be terminated")
	}
	if len(c.hooks[1].removed) != 1 || c.hooks[1].removed[0] != 3 {
		t.Errorf("removed hook want: [3], get: %v", c.hooks[1].removed)
	}
}

func TestRemoveFollowerBreaksQuorum(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	leader := c.replicas[1]

	// both followers silent: removing one cannot leave a
	// responsive majority of the shrunk group.
	leader.leadership.lastResponse[2] = leader.config.Tunables.ElectionTimeout
	leader.leadership.lastResponse[3] = leader.config.Tunables.ElectionTimeout

	if err := leader.RemoveFollower(3); err != ErrWillBreakQuorum {
		t.Errorf("want ErrWillBreakQuorum, get: %v", err)
	}
}

func TestReplaceLeader(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	oldTerm := c.replicas[1].term

	if err := c.replicas[1].ReplaceLeader(2); err != nil {
		t.Fatalf("replace leader: %v", err)
	}

	// on the next acknowledged append the leader hands off; the
	// target campaigns with the lease bypass, so 3 grants inside
	// its lease window.
	c.heartbeat(1)
	c.settle()

	if leader := c.leaderOf(1, 2, 3); leader != 2 {
		t.Fatalf("leader want: 2, get: %d", leader)
	}
	if c.replicas[2].term != oldTerm+1 {
		t.Errorf("term want: %d, get: %d", oldTerm+1, c.replicas[2].term)
	}

	c.heartbeat(2)
	for _, id := range []uint64{1, 2, 3} {
		if got := c.replicas[id].ReadStatus().Leader; got != 2 {
			t.Errorf("replica %d: leader want: 2, get: %d", id, got)
		}
	}
}

func TestReplaceLeaderUnresponsive(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	leader := c.replicas[1]

	leader.leadership.lastResponse[3] = leader.config.Tunables.ElectionTimeout
	if err := leader.ReplaceLeader(3); err != ErrNewLeaderUnresponsive {
		t.Errorf("want ErrNewLeaderUnresponsive, get: %v", err)
	}

	// cancelling clears the designation.
	if err := leader.ReplaceLeader(2); err != nil {
		t.Fatalf("replace leader: %v", err)
	}
	if err := leader.ReplaceLeader(conf.InvalidID); err != nil {
		t.Fatalf("cancel replace leader: %v", err)
	}
	if got := leader.members.PendingLeaderChange(); got != conf.InvalidID {
		t.Errorf("pending change not cleared: %d", got)
	}
}

func TestVoteDeniedInsideLease(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())

	// 3 heard from the leader just now; 2 campaigns anyway.
	c.partition([]uint64{1}, []uint64{2, 3})
	c.expireLeaderLease(2)
	c.forceElection(2)

	if c.replicas[2].state.IsLeader() {
		t.Fatalf("candidate won inside the leader lease")
	}

	// after 3's view of the lease lapses the same election works.
	c.expireLeaderLease(3)
	c.forceElection(2)
	if !c.replicas[2].state.IsLeader() {
		t.Fatalf("candidate lost after lease lapsed")
	}
}

func TestLaggingFollowerGetsSnapshot(t *testing.T) {
	tunables := testTunables()
	tunables.MaxRetainedCommittedLogs = 2
	c := makeCluster(t, []uint64{1, 2, 3}, tunables)

	c.partition([]uint64{3}, []uint64{1, 2})
	for i := 0; i < 10; i++ {
		if err := c.replicas[1].Command(31, 1, uint64(400+i)); err != nil {
			t.Fatalf("command #%d: %v", i, err)
		}
		c.settle()
	}
	if got := c.dataOf(3); got != 0 {
		t.Fatalf("cut follower applied: %d", got)
	}

	c.heal()
	c.heartbeat(1)

	if got := c.dataOf(3); got != 10 {
		t.Errorf("follower 3: data want: 10, get: %d", got)
	}
	if c.replicas[3].logs.CommitIndex() != c.replicas[1].logs.CommitIndex() {
		t.Errorf("commit diverge after snapshot")
	}
}

func TestChangeConfigReplicates(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2}, testTunables())

	tunables := testTunables()
	tunables.HeartbeatTimeout = 50
	tunables.ElectionTimeout = 500
	if err := c.replicas[1].ChangeConfig(tunables); err != nil {
		t.Fatalf("change config: %v", err)
	}
	c.settle()
	c.heartbeat(1)

	for _, id := range []uint64{1, 2} {
		got := c.replicas[id].config.Tunables
		if got.HeartbeatTimeout != 50 || got.ElectionTimeout != 500 {
			t.Errorf("replica %d: tunables not applied: %+v", id, got)
		}
	}
}

func TestLeaderStepsDownWithoutQuorum(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, testTunables())
	leader := c.replicas[1]

	c.partition([]uint64{1}, []uint64{2, 3})
	leader.Periodic(leader.config.Tunables.ElectionTimeout)

	if leader.state.IsLeader() {
		t.Fatalf("leader kept role without quorum")
	}
}

func TestMalformedEntryPayloadDropped(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2}, testTunables())
	leader := c.replicas[1]

	// a command entry whose payload does not decode must not
	// crash the replica nor mutate data.
	leader.logs.AddEntry(leader.term, raftpd.EntryCommand, []byte{0xde, 0xad})
	leader.afterLeaderAppend()
	c.settle()

	if got := c.dataOf(1); got != 0 {
		t.Errorf("data mutated by malformed entry: %d", got)
	}
	if got := c.dataOf(2); got != 0 {
		t.Errorf("follower mutated by malformed entry: %d", got)
	}
}

func TestHookPanicDoesNotCorrupt(t *testing.T) {
	tunables := testTunables()
	comm := makeQueueComm()
	config := &conf.Config{
		ID:       1,
		DataOps:  adderOps{},
		Comm:     comm,
		Hook:     panickyHook{},
		Tunables: tunables,
	}
	r := MakeLonelyLeader(config)

	if err := r.Command(41, 3, 501); err != nil {
		t.Fatalf("command: %v", err)
	}
	if got := r.data.(int); got != 3 {
		t.Errorf("data want: 3, get: %d", got)
	}
	if len(comm.replies[41]) != 1 {
		t.Errorf("reply lost to hook panic")
	}
}

type panickyHook struct{}

func (panickyHook) OnElected()                        { panic("elected") }
func (panickyHook) OnCommandCommitted(interface{})    { panic("command") }
func (panickyHook) OnQueryAnswered(interface{})       { panic("query") }
func (panickyHook) OnFollowerAdded(uint64)            { panic("added") }
func (panickyHook) OnFollowerRemoved(uint64)          { panic("removed") }
