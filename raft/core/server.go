package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core/cmdres"
	"github.com/thinkermao/raftfsm/raft/core/conf"
	"github.com/thinkermao/raftfsm/raft/core/logs"
	"github.com/thinkermao/raftfsm/raft/core/member"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils/pd"
)

// Replica is one member of a consensus group: the role state
// machine orchestrating log, membership, election, lease and dedup
// cache around the user supplied data value.
//
// Replica is single threaded by construction. Every state change
// happens inside one of the three input methods (Step, Periodic,
// or a client operation); the enclosing server serializes them.
type Replica struct {
	id    uint64
	term  uint64
	state StateRole

	logs    *logs.Logs
	members *member.Membership

	election   election
	leadership *leadership // leader only

	data    interface{}
	results *cmdres.Results
	config  conf.Config

	// set while campaigning on behalf of a TimeoutNow, so peers
	// grant votes inside their leader leases.
	replacingLeader bool

	// false until this replica belongs to a group: either it
	// bootstrapped one, or it installed its join snapshot.
	initialized bool
}

// MakeLonelyLeader boot a brand new single member group at term 0,
// with the caller as leader.
func MakeLonelyLeader(config *conf.Config) *Replica {
	config.Verify()

	r := &Replica{
		id:          config.ID,
		term:        conf.InvalidTerm,
		state:       RoleLeader,
		logs:        logs.Make(config.ID, conf.InvalidIndex, conf.InvalidTerm),
		members:     member.MakeForLonelyLeader(config.ID),
		election:    makeElectionForLeader(),
		data:        config.DataOps.New(),
		results:     cmdres.Make(),
		config:      *config,
		initialized: true,
	}
	r.election.votedFor = r.id
	r.leadership = makeLeadership(r.members)

	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: r.id})
	r.logs.ElectedLeader(r.members, r.term, data)
	r.applyEntries(r.logs.CommitToLatest(r.tunables().MaxRetainedCommittedLogs))

	log.Infof("%d boot lonely leader at term %d", r.id, r.term)
	return r
}

// MakeJoiner boot an empty follower awaiting its join snapshot. It
// will not campaign until InstallSnapshot ran.
func MakeJoiner(config *conf.Config) *Replica {
	config.Verify()

	r := &Replica{
		id:       config.ID,
		term:     conf.InvalidTerm,
		state:    RoleFollower,
		logs:     logs.Make(config.ID, conf.InvalidIndex, conf.InvalidTerm),
		members:  member.MakeFromPeers(config.ID, nil),
		election: makeElectionForFollower(&config.Tunables),
		data:     config.DataOps.New(),
		results:  cmdres.Make(),
		config:   *config,
	}

	log.Infof("%d boot joiner, awaiting snapshot", r.id)
	return r
}

// ID return the replica identity.
func (r *Replica) ID() uint64 { return r.id }

// IsDead report whether this replica was removed from the group
// and confirmed terminated.
func (r *Replica) IsDead() bool { return r.state == RoleDead }

// Status is the client visible introspection snapshot.
type Status struct {
	From                  uint64
	Members               []uint64
	Leader                uint64
	UnresponsiveFollowers []uint64
	CurrentTerm           uint64
	State                 StateRole
	Tunables              conf.Tunables
}

// ReadStatus return the introspection snapshot.
func (r *Replica) ReadStatus() Status {
	status := Status{
		From:        r.id,
		Members:     r.members.All(),
		Leader:      r.members.Leader(),
		CurrentTerm: r.term,
		State:       r.state,
		Tunables:    r.config.Tunables,
	}
	if r.state.IsLeader() {
		status.UnresponsiveFollowers =
			r.leadership.unresponsiveFollowers(r.members, r.tunables())
	}
	return status
}

// Step feed one incoming wire message into the state machine.
func (r *Replica) Step(msg *raftpd.Message) {
	if r.state == RoleDead {
		return
	}

	log.Debugf("%d [Term: %d] received %v from %d [Term: %d]",
		r.id, r.term, msg.MsgType, msg.From, msg.Term)

	if msg.Term > r.term {
		log.Infof("%d [Term: %d] receive a %v message with higher term from %d [Term: %d]",
			r.id, r.term, msg.MsgType, msg.From, msg.Term)
		r.becomeFollower(msg.Term, conf.InvalidID)
	} else if msg.Term < r.term {
		r.rejectExpired(msg)
		return
	}

	switch msg.MsgType {
	case raftpd.MsgVoteRequest:
		r.handleVote(msg)
	case raftpd.MsgRemoveFollowerCompleted:
		r.handleRemoveCompleted(msg)
	default:
		r.dispatch(msg)
	}
}

// Periodic advance timers by the elapsed milliseconds since the
// last call and run whichever timeout fired.
func (r *Replica) Periodic(millsSinceLastPeriod int) {
	switch r.state {
	case RoleDead:
		return
	case RoleLeader:
		r.leadership.tick(millsSinceLastPeriod)
		if r.leadership.minimumTimeoutElapsedSinceQuorumResponded(r.members, r.tunables()) {
			log.Infof("%d [Term: %d] cannot reach quorum, step down", r.id, r.term)
			r.becomeFollower(r.term, conf.InvalidID)
			return
		}
		if r.leadership.heartbeatTimedOut(r.tunables()) {
			r.leaderHeartbeat()
		}
	default:
		r.election.tick(millsSinceLastPeriod)
		if r.initialized && r.election.timedOut() {
			r.campaign()
		}
	}
}

// Command append a deduplicated command against the user data; the
// result reaches the client through Comm.Reply once the entry
// commits.
func (r *Replica) Command(client raftpd.ClientHandle, arg interface{}, id uint64) error {
	if err := r.requireLeader(); err != nil {
		return err
	}

	data := pd.MustMarshal(&raftpd.CommandPayload{Client: client, Arg: arg, ID: id})
	r.logs.AddEntry(r.term, raftpd.EntryCommand, data)
	r.afterLeaderAppend()
	return nil
}

// Query answer a read against the user data. Inside a valid leader
// lease the reply is immediate and bypasses the log; otherwise the
// query is logged and answered on commit.
func (r *Replica) Query(client raftpd.ClientHandle, arg interface{}) error {
	if err := r.requireLeader(); err != nil {
		return err
	}

	if r.leaseValid() {
		result := r.config.DataOps.Query(r.data, arg)
		r.config.Comm.Reply(client, result)
		r.runHook(func(h conf.LeaderHook) { h.OnQueryAnswered(result) })
		return nil
	}

	data := pd.MustMarshal(&raftpd.QueryPayload{Client: client, Arg: arg})
	r.logs.AddEntry(r.term, raftpd.EntryQuery, data)
	r.afterLeaderAppend()
	return nil
}

// ChangeConfig replicate new tunables; they take effect on every
// replica when the entry commits.
func (r *Replica) ChangeConfig(tunables conf.Tunables) error {
	if err := r.requireLeader(); err != nil {
		return err
	}

	r.logs.AddEntry(r.term, raftpd.EntryChangeConfig, pd.MustMarshal(&tunables))
	r.afterLeaderAppend()
	return nil
}

// AddFollower append the membership change and return the snapshot
// the new peer must install before it can receive appends.
func (r *Replica) AddFollower(peer uint64) (*raftpd.Snapshot, error) {
	if err := r.requireLeader(); err != nil {
		return nil, err
	}
	if r.members.PendingChange() != nil {
		return nil, member.ErrUncommittedChange
	}
	if r.members.Contains(peer) {
		return nil, member.ErrAlreadyMember
	}

	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: peer})
	entry := r.logs.PrepareAddFollower(r.term, peer, data)
	if err := r.members.StartAddingFollower(&entry); err != nil {
		return nil, err
	}
	r.leadership.addFollower(peer)

	snapshot := r.makeSnapshot()
	r.broadcastAppend()
	return snapshot, nil
}

// RemoveFollower append the membership change removing peer. The
// removed peer learns of its termination through a
// RemoveFollowerCompleted notice once the entry commits.
func (r *Replica) RemoveFollower(peer uint64) error {
	if err := r.requireLeader(); err != nil {
		return err
	}
	if peer == r.id || !r.members.Contains(peer) {
		return member.ErrNotMember
	}
	if r.members.PendingChange() != nil {
		return member.ErrUncommittedChange
	}
	if !r.leadership.canSafelyRemove(r.members, peer, r.tunables()) {
		return ErrWillBreakQuorum
	}

	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: peer})
	entry := r.logs.PrepareRemoveFollower(r.term, peer, data)
	if err := r.members.StartRemovingFollower(&entry); err != nil {
		return err
	}
	r.leadership.removeFollower(peer)

	r.broadcastAppend()
	return nil
}

// ReplaceLeader designate peer as the replacement leader
// (conf.InvalidID cancels a pending designation). The handoff
// happens when the target next acknowledges a fully caught up log.
func (r *Replica) ReplaceLeader(peer uint64) error {
	if err := r.requireLeader(); err != nil {
		return err
	}
	if peer == conf.InvalidID {
		r.members.ClearLeaderChange()
		return nil
	}
	if peer == r.id {
		return member.ErrNotMember
	}
	if !r.leadership.isResponsive(peer, r.tunables()) {
		return ErrNewLeaderUnresponsive
	}
	return r.members.StartReplacingLeader(peer)
}

// InstallSnapshot adopt the bulk state a leader handed over,
// either at join time or after falling behind the retained log.
func (r *Replica) InstallSnapshot(snapshot *raftpd.Snapshot, leader uint64) {
	r.installSnapshot(snapshot, leader)
}

func (r *Replica) requireLeader() error {
	if r.state == RoleDead {
		return ErrDead
	}
	if !r.state.IsLeader() {
		return &NotLeaderError{Leader: r.members.Leader()}
	}
	return nil
}

func (r *Replica) tunables() *conf.Tunables {
	return &r.config.Tunables
}
