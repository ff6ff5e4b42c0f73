package core

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	"github.com/thinkermao/raftfsm/raft/core/member"
)

// election holds per-term vote state and the election timer. The
// timer is tick driven: the core accumulates elapsed milliseconds
// and the deadline is re-drawn uniformly from
// [electionTimeout, 2*electionTimeout) on every rearm.
type election struct {
	votedFor uint64

	timeElapsed       int // since last timer rearm
	randomizedTimeout int

	// milliseconds since the last message from a legitimate
	// leader; gates vote granting while the old leader's lease
	// may still be valid.
	leaderMsgElapsed int

	// candidate only, self pre-counted.
	votesGranted map[uint64]struct{}
}

func makeElectionForLeader() election {
	return election{votedFor: conf.InvalidID}
}

func makeElectionForFollower(tunables *conf.Tunables) election {
	e := election{votedFor: conf.InvalidID}
	e.resetTimer(tunables)
	e.leaderMsgElapsed = tunables.ElectionTimeout
	return e
}

// updateForCandidate clear the previous vote, vote for self and
// rearm the randomized timer.
func (e *election) updateForCandidate(self uint64, tunables *conf.Tunables) {
	e.votedFor = self
	e.votesGranted = map[uint64]struct{}{self: {}}
	e.resetTimer(tunables)
}

// updateForFollower drop candidate state and rearm. The leader
// message clock deliberately survives: a higher-term vote request
// must not erase the evidence that the old leader is still alive,
// or the lease guard could never deny a disruptive candidate.
func (e *election) updateForFollower(tunables *conf.Tunables) {
	e.votesGranted = nil
	e.resetTimer(tunables)
}

// voteFor record the vote and rearm the timer.
func (e *election) voteFor(candidate uint64, tunables *conf.Tunables) {
	e.votedFor = candidate
	e.resetTimer(tunables)
}

// gainVote add a granted vote and report whether a majority of the
// voting set granted.
func (e *election) gainVote(m *member.Membership, from uint64) bool {
	e.votesGranted[from] = struct{}{}
	return len(e.votesGranted) >= m.Quorum()
}

func (e *election) resetTimer(tunables *conf.Tunables) {
	previous := e.randomizedTimeout
	e.timeElapsed = 0
	e.randomizedTimeout =
		tunables.ElectionTimeout + rand.Intn(tunables.ElectionTimeout)

	log.Debugf("reset randomized election timeout [%d => %d]",
		previous, e.randomizedTimeout)
}

// leaderMessageSeen record a legitimate leader message; rearms the
// timer and refreshes the lease guard.
func (e *election) leaderMessageSeen(tunables *conf.Tunables) {
	e.resetTimer(tunables)
	e.leaderMsgElapsed = 0
}

// timedOut report whether the election timer fired.
func (e *election) timedOut() bool {
	return e.timeElapsed >= e.randomizedTimeout
}

// minimumTimeoutElapsedSinceLastLeaderMessage report whether the
// current leader's authority has lapsed from this replica's view;
// votes are denied while it has not.
func (e *election) minimumTimeoutElapsedSinceLastLeaderMessage(tunables *conf.Tunables) bool {
	return e.leaderMsgElapsed >= tunables.ElectionTimeout
}

// tick advance the timers by ms.
func (e *election) tick(ms int) {
	e.timeElapsed += ms
	if e.leaderMsgElapsed < int(^uint(0)>>1)-ms {
		e.leaderMsgElapsed += ms
	}
}
