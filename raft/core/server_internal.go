package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils"
	"github.com/thinkermao/raftfsm/utils/pd"
)

// send stamp the envelope and hand it to the transport,
// fire-and-forget.
func (r *Replica) send(msg *raftpd.Message) {
	msg.From = r.id
	if msg.Term == conf.InvalidTerm {
		msg.Term = r.term
	}
	r.config.Comm.SendEvent(msg.To, msg)
}

func (r *Replica) becomeFollower(term, leaderID uint64) {
	utils.Assert(term >= r.term, "%d cannot rewind term %d => %d",
		r.id, r.term, term)

	if term != r.term {
		r.term = term
		r.election.votedFor = conf.InvalidID
	}
	r.state = RoleFollower
	r.members.PutLeader(leaderID)
	r.members.ClearLeaderChange()
	r.leadership = nil
	r.logs.ResetFollowers()
	r.replacingLeader = false
	r.election.updateForFollower(r.tunables())
	if leaderID != conf.InvalidID {
		r.election.leaderMessageSeen(r.tunables())
	}

	if leaderID != conf.InvalidID {
		log.Debugf("%d become %d's follower at %d", r.id, leaderID, r.term)
	} else {
		log.Debugf("%d become follower at %d, without leader", r.id, r.term)
	}
}

func (r *Replica) campaign() {
	utils.Assert(!r.state.IsLeader(),
		"%d invalid translation [Leader => Candidate]", r.id)

	r.term++
	r.state = RoleCandidate
	r.members.PutLeader(conf.InvalidID)
	r.election.updateForCandidate(r.id, r.tunables())

	log.Debugf("%d become candidate at %d [replacing leader: %v]",
		r.id, r.term, r.replacingLeader)

	// a single member group elects itself on the spot.
	if r.election.gainVote(r.members, r.id) {
		r.becomeLeader()
		return
	}

	last := r.logs.LastEntry()
	for _, id := range r.members.OtherMembers() {
		r.send(&raftpd.Message{
			MsgType:         raftpd.MsgVoteRequest,
			To:              id,
			LogIndex:        last.Index,
			LogTerm:         last.Term,
			ReplacingLeader: r.replacingLeader,
		})
	}
}

func (r *Replica) becomeLeader() {
	utils.Assert(r.state.IsCandidate() || r.state.IsLeader(),
		"%d invalid translation [%v => Leader]", r.id, r.state)

	r.state = RoleLeader
	r.members.PutLeader(r.id)
	r.replacingLeader = false
	r.leadership = makeLeadership(r.members)

	log.Infof("%d become leader at %d [last idx: %d, commit: %d]",
		r.id, r.term, r.logs.LastIndex(), r.logs.CommitIndex())

	// the leader_elected entry doubles as the no-op that commits
	// earlier-term entries once it replicates.
	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: r.id})
	r.logs.ElectedLeader(r.members, r.term, data)
	r.afterLeaderAppend()
}

// afterLeaderAppend replicate the new tail, or commit on the spot
// for a single member group.
func (r *Replica) afterLeaderAppend() {
	if r.members.Count() == 1 {
		r.applyEntries(r.logs.CommitToLatest(r.tunables().MaxRetainedCommittedLogs))
		return
	}
	r.broadcastAppend()
}

func (r *Replica) leaderHeartbeat() {
	if r.members.Count() == 1 {
		r.applyEntries(r.logs.CommitToLatest(r.tunables().MaxRetainedCommittedLogs))
		r.leadership.resetHeartbeatTimer()
		return
	}
	r.broadcastAppend()
}

// broadcastAppend send append requests (or snapshots, for
// followers behind the retained window) to every other member.
func (r *Replica) broadcastAppend() {
	for _, id := range r.members.OtherMembers() {
		r.sendAppend(id)
	}
	r.leadership.resetHeartbeatTimer()
}

func (r *Replica) sendAppend(to uint64) {
	msg, tooOld, ok := r.logs.MakeAppendEntriesReq(r.term, r.id, to)
	if !ok {
		/* already removed */
		return
	}
	if tooOld {
		r.sendSnapshotTo(to)
		return
	}

	log.Debugf("%d [Term: %d] send append [prev idx: %d, prev term: %d, "+
		"entries: %d, commit: %d] to %d",
		r.id, r.term, msg.LogIndex, msg.LogTerm, len(msg.Entries), msg.Commit, to)

	r.send(msg)
}

func (r *Replica) sendSnapshotTo(to uint64) {
	snapshot := r.makeSnapshot()

	log.Infof("%d [Term: %d, commit: %d] send snapshot to %d",
		r.id, r.term, r.logs.CommitIndex(), to)

	r.logs.ResetFollowerForSnapshot(to)
	r.send(&raftpd.Message{
		MsgType:  raftpd.MsgInstallSnapshot,
		To:       to,
		Snapshot: snapshot,
	})
}

func (r *Replica) makeSnapshot() *raftpd.Snapshot {
	return &raftpd.Snapshot{
		Members:        r.members.All(),
		Term:           r.term,
		LastCommitted:  r.logs.LastCommittedEntry(),
		Data:           pd.MustMarshal(&raftpd.ValueBox{Value: r.data}),
		CommandResults: pd.MustMarshal(r.results),
		Conf:           pd.MustMarshal(r.tunables()),
	}
}

// leaseValid report whether local queries may bypass the log: a
// quorum answered within one election timeout and this leader has
// committed an entry of its own term.
func (r *Replica) leaseValid() bool {
	if r.leadership.minimumTimeoutElapsedSinceQuorumResponded(r.members, r.tunables()) {
		return false
	}
	return r.logs.LastCommittedEntry().Term == r.term
}

// applyEntries drain committed entries into the user data, in
// index order. Replies and hooks fire on the leader only; every
// replica performs the identical data and cache mutations.
func (r *Replica) applyEntries(entries []raftpd.Entry) {
	for i := 0; i < len(entries); i++ {
		r.applyEntry(&entries[i])
	}
}

func (r *Replica) applyEntry(entry *raftpd.Entry) {
	log.Debugf("%d [Term: %d] apply entry %d [kind: %v]",
		r.id, r.term, entry.Index, entry.Kind)

	switch entry.Kind {
	case raftpd.EntryCommand:
		r.applyCommand(entry)
	case raftpd.EntryQuery:
		r.applyQuery(entry)
	case raftpd.EntryChangeConfig:
		var tunables conf.Tunables
		if !pd.MaybeUnmarshal(&tunables, entry.Data) {
			log.Errorf("%d drop malformed change_config at %d", r.id, entry.Index)
			return
		}
		r.config.Tunables = tunables
	case raftpd.EntryLeaderElected:
		var payload raftpd.PeerPayload
		if !pd.MaybeUnmarshal(&payload, entry.Data) {
			return
		}
		if payload.Peer == r.id && r.state.IsLeader() {
			r.runHook(func(h conf.LeaderHook) { h.OnElected() })
		}
	case raftpd.EntryAddFollower:
		r.applyAddFollower(entry)
	case raftpd.EntryRemoveFollower:
		r.applyRemoveFollower(entry)
	}
}

func (r *Replica) applyCommand(entry *raftpd.Entry) {
	var payload raftpd.CommandPayload
	if !pd.MaybeUnmarshal(&payload, entry.Data) {
		log.Errorf("%d drop malformed command at %d", r.id, entry.Index)
		return
	}

	result, hit := r.results.Fetch(payload.ID)
	if !hit {
		var next interface{}
		result, next = r.config.DataOps.Command(r.data, payload.Arg)
		r.data = next
		r.results.Put(payload.ID, result,
			r.tunables().MaxRetainedCommandResults)
	}

	if r.state.IsLeader() {
		r.config.Comm.Reply(payload.Client, result)
		if !hit {
			r.runHook(func(h conf.LeaderHook) { h.OnCommandCommitted(result) })
		}
	}
}

func (r *Replica) applyQuery(entry *raftpd.Entry) {
	if !r.state.IsLeader() {
		/* answered by whoever led when it was logged */
		return
	}

	var payload raftpd.QueryPayload
	if !pd.MaybeUnmarshal(&payload, entry.Data) {
		log.Errorf("%d drop malformed query at %d", r.id, entry.Index)
		return
	}

	result := r.config.DataOps.Query(r.data, payload.Arg)
	r.config.Comm.Reply(payload.Client, result)
	r.runHook(func(h conf.LeaderHook) { h.OnQueryAnswered(result) })
}

func (r *Replica) applyAddFollower(entry *raftpd.Entry) {
	var payload raftpd.PeerPayload
	if !pd.MaybeUnmarshal(&payload, entry.Data) {
		return
	}
	r.members.ChangeCommitted(entry.Index)
	if r.state.IsLeader() {
		r.runHook(func(h conf.LeaderHook) { h.OnFollowerAdded(payload.Peer) })
	}
}

func (r *Replica) applyRemoveFollower(entry *raftpd.Entry) {
	var payload raftpd.PeerPayload
	if !pd.MaybeUnmarshal(&payload, entry.Data) {
		return
	}
	r.members.ChangeCommitted(entry.Index)
	if r.state.IsLeader() {
		r.runHook(func(h conf.LeaderHook) { h.OnFollowerRemoved(payload.Peer) })
		r.send(&raftpd.Message{
			MsgType: raftpd.MsgRemoveFollowerCompleted,
			To:      payload.Peer,
		})
	}
}

// runHook invoke a best-effort observer; a panicking hook must not
// corrupt replica state.
func (r *Replica) runHook(f func(conf.LeaderHook)) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("%d leader hook panicked: %v", r.id, err)
		}
	}()
	f(r.config.Hook)
}
