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

func (r *Replica) dispatch(msg *raftpd.Message) {
	switch r.state {
	case RoleLeader:
		r.stepLeader(msg)
	case RoleFollower:
		r.stepFollower(msg)
	case RoleCandidate:
		r.stepCandidate(msg)
	}
}

func (r *Replica) stepLeader(msg *raftpd.Message) {
	switch msg.MsgType {
	case raftpd.MsgAppendResponse:
		r.handleAppendEntriesResponse(msg)
	case raftpd.MsgVoteResponse:
		/* stale, election already won */
	}
}

func (r *Replica) stepFollower(msg *raftpd.Message) {
	switch msg.MsgType {
	case raftpd.MsgAppendRequest:
		r.handleAppendEntries(msg)
	case raftpd.MsgInstallSnapshot:
		r.handleInstallSnapshot(msg)
	case raftpd.MsgTimeoutNow:
		r.handleTimeoutNow(msg)
	}
}

func (r *Replica) stepCandidate(msg *raftpd.Message) {
	switch msg.MsgType {
	case raftpd.MsgVoteResponse:
		r.handleVoteResponse(msg)

		// If a candidate receives an AppendEntries request from a
		// server claiming to be leader at a term at least as large
		// as its own, it recognizes the leader and returns to
		// follower state.
	case raftpd.MsgAppendRequest:
		r.becomeFollower(msg.Term, msg.From)
		r.handleAppendEntries(msg)
	case raftpd.MsgInstallSnapshot:
		r.becomeFollower(msg.Term, msg.From)
		r.handleInstallSnapshot(msg)
	}
}

// rejectExpired answer messages from an older term so a deposed
// sender updates itself.
func (r *Replica) rejectExpired(msg *raftpd.Message) {
	log.Debugf("%d [Term: %d] ignore a %v message with lower term from %d [Term: %d]",
		r.id, r.term, msg.MsgType, msg.From, msg.Term)

	switch msg.MsgType {
	case raftpd.MsgAppendRequest:
		r.send(&raftpd.Message{
			MsgType: raftpd.MsgAppendResponse,
			To:      msg.From,
			Reject:  true,
		})
	case raftpd.MsgVoteRequest:
		r.send(&raftpd.Message{
			MsgType: raftpd.MsgVoteResponse,
			To:      msg.From,
			Reject:  true,
		})
	}
}

// RPC:
// - AppendEntries(term, prevLogTerm, prevLogIndex, entries, leaderCommit)
// - AppendEntriesReply(term, success, lastReplicated)
func (r *Replica) handleAppendEntries(msg *raftpd.Message) {
	// Even on prev-log mismatch the sender is a legitimate leader
	// of this term; remember it and keep the election timer quiet.
	r.members.PutLeader(msg.From)
	r.election.leaderMessageSeen(r.tunables())

	reply := raftpd.Message{
		MsgType: raftpd.MsgAppendResponse,
		To:      msg.From,
	}

	if r.logs.CommitIndex() > msg.LogIndex {
		// expired append: everything it carries has been
		// committed here, so it answers like a success.
		log.Infof("%d [Term: %d, commit: %d] answer expired append "+
			"[prev idx: %d, prev term: %d] from %d",
			r.id, r.term, r.logs.CommitIndex(), msg.LogIndex, msg.LogTerm, msg.From)

		reply.Replicated = r.logs.CommitIndex()
		r.send(&reply)
		return
	}

	if !r.logs.ContainPrevLog(msg.LogTerm, msg.LogIndex) {
		log.Infof("%d [Term: %d, commit: %d] rejected append "+
			"[prev idx: %d, prev term: %d] from %d",
			r.id, r.term, r.logs.CommitIndex(), msg.LogIndex, msg.LogTerm, msg.From)

		reply.Reject = true
		r.send(&reply)
		return
	}

	applicable := r.logs.AppendEntries(r.members, msg.Entries,
		msg.Commit, r.tunables().MaxRetainedCommittedLogs)
	r.applyEntries(applicable)

	reply.Replicated = r.logs.LastIndex()
	r.send(&reply)
}

func (r *Replica) handleAppendEntriesResponse(msg *raftpd.Message) {
	from := msg.From
	r.leadership.followerResponded(r.members, from, r.tunables())

	if msg.Reject {
		r.logs.DecrementNextIndexOfFollower(from)
		r.sendAppend(from)
		return
	}

	applicable := r.logs.SetFollowerIndex(r.members, r.term, from,
		msg.Replicated, r.tunables().MaxRetainedCommittedLogs)
	r.applyEntries(applicable)

	// Cooperative handoff: once the designated replacement has the
	// full log, tell it to campaign right now and step aside.
	if r.members.PendingLeaderChange() == from &&
		r.logs.FollowerMatched(from) == r.logs.LastIndex() {
		r.sendTimeoutNow(from)
	}
}

func (r *Replica) sendTimeoutNow(to uint64) {
	req, tooOld, ok := r.logs.MakeAppendEntriesReq(r.term, r.id, to)
	if !ok || tooOld {
		return
	}

	log.Infof("%d [Term: %d] hand leadership to %d", r.id, r.term, to)

	r.send(&raftpd.Message{
		MsgType:   raftpd.MsgTimeoutNow,
		To:        to,
		AppendReq: req,
	})
	r.members.ClearLeaderChange()
	r.becomeFollower(r.term, conf.InvalidID)
}

// handleTimeoutNow first applies the piggybacked append request;
// only a target whose log proved fully caught up campaigns, with
// the lease bypass flag set.
func (r *Replica) handleTimeoutNow(msg *raftpd.Message) {
	req := msg.AppendReq
	if req == nil || req.Term != r.term {
		return
	}
	if !r.logs.ContainPrevLog(req.LogTerm, req.LogIndex) {
		log.Infof("%d [Term: %d] ignore timeout-now, log not caught up", r.id, r.term)
		return
	}

	applicable := r.logs.AppendEntries(r.members, req.Entries,
		req.Commit, r.tunables().MaxRetainedCommittedLogs)
	r.applyEntries(applicable)

	r.replacingLeader = true
	r.campaign()
}

func (r *Replica) handleVote(msg *raftpd.Message) {
	reply := raftpd.Message{
		MsgType: raftpd.MsgVoteResponse,
		To:      msg.From,
	}

	// no vote or voted for candidate, log at least as up-to-date
	// as receiver's, and the current leader's authority has lapsed
	// unless this is a designated replacement.
	canVote := r.election.votedFor == conf.InvalidID ||
		r.election.votedFor == msg.From
	upToDate := r.logs.CandidateUpToDate(msg.LogTerm, msg.LogIndex)
	leaderGone := msg.ReplacingLeader || r.leaderAuthorityLapsed()

	if canVote && upToDate && leaderGone {
		log.Infof("%d [Term: %d] grant vote to %d", r.id, r.term, msg.From)
		r.election.voteFor(msg.From, r.tunables())
	} else {
		log.Infof("%d [Term: %d] deny vote to %d [canVote: %v, upToDate: %v, leaderGone: %v]",
			r.id, r.term, msg.From, canVote, upToDate, leaderGone)
		reply.Reject = true
	}
	r.send(&reply)
}

func (r *Replica) leaderAuthorityLapsed() bool {
	if r.state.IsLeader() {
		return r.leadership.minimumTimeoutElapsedSinceQuorumResponded(
			r.members, r.tunables())
	}
	return r.election.minimumTimeoutElapsedSinceLastLeaderMessage(r.tunables())
}

func (r *Replica) handleVoteResponse(msg *raftpd.Message) {
	if msg.Reject {
		log.Infof("%d [Term: %d] received vote rejection from %d",
			r.id, r.term, msg.From)
		return
	}
	if !r.members.Contains(msg.From) {
		return
	}

	log.Infof("%d [Term: %d] received vote from %d", r.id, r.term, msg.From)

	if r.election.gainVote(r.members, msg.From) {
		r.becomeLeader()
	}
}

func (r *Replica) handleInstallSnapshot(msg *raftpd.Message) {
	if msg.Snapshot == nil {
		return
	}
	r.installSnapshot(msg.Snapshot, msg.From)
}

func (r *Replica) installSnapshot(snapshot *raftpd.Snapshot, leader uint64) {
	if snapshot.LastCommitted.Index <= r.logs.CommitIndex() && r.initialized {
		log.Infof("%d [commit: %d] ignored expired snapshot [index: %d, term: %d]",
			r.id, r.logs.CommitIndex(),
			snapshot.LastCommitted.Index, snapshot.LastCommitted.Term)
		return
	}

	var box raftpd.ValueBox
	pd.MustUnmarshal(&box, snapshot.Data)

	log.Infof("%d [commit: %d] restore snapshot [index: %d, term: %d, members: %v]",
		r.id, r.logs.CommitIndex(),
		snapshot.LastCommitted.Index, snapshot.LastCommitted.Term, snapshot.Members)

	r.members = member.MakeFromPeers(r.id, snapshot.Members)
	r.members.PutLeader(leader)
	r.logs = logs.RebuildFromCommitted(r.id, snapshot.LastCommitted)
	r.data = box.Value
	results := cmdres.Make()
	pd.MustUnmarshal(results, snapshot.CommandResults)
	r.results = results
	pd.MustUnmarshal(&r.config.Tunables, snapshot.Conf)

	if snapshot.Term > r.term {
		r.term = snapshot.Term
		r.election.votedFor = conf.InvalidID
	}
	r.state = RoleFollower
	r.leadership = nil
	r.election.leaderMessageSeen(r.tunables())
	r.initialized = true
}

func (r *Replica) handleRemoveCompleted(msg *raftpd.Message) {
	log.Infof("%d [Term: %d] removed from group by %d, terminating",
		r.id, r.term, msg.From)
	r.state = RoleDead
}
