package core

import (
	"sort"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	"github.com/thinkermao/raftfsm/raft/core/member"
)

// leadership is the leader-only bookkeeping: heartbeat timer,
// per-follower response recency and the quorum lease. All counters
// are elapsed milliseconds advanced by tick.
type leadership struct {
	heartbeatElapsed int

	// since a voting majority was last confirmed responsive; the
	// local query lease is valid while this stays under the
	// election timeout.
	quorumElapsed int

	// elapsed since each follower's last append response.
	lastResponse map[uint64]int
}

func makeLeadership(m *member.Membership) *leadership {
	l := &leadership{
		lastResponse: make(map[uint64]int),
	}
	for _, id := range m.OtherMembers() {
		l.lastResponse[id] = 0
	}
	return l
}

// tick advance all counters by ms.
func (l *leadership) tick(ms int) {
	l.heartbeatElapsed += ms
	l.quorumElapsed += ms
	for id := range l.lastResponse {
		l.lastResponse[id] += ms
	}
}

// heartbeatTimedOut report whether the heartbeat timer fired.
func (l *leadership) heartbeatTimedOut(tunables *conf.Tunables) bool {
	return l.heartbeatElapsed >= tunables.HeartbeatTimeout
}

// resetHeartbeatTimer rearm the heartbeat timer.
func (l *leadership) resetHeartbeatTimer() {
	l.heartbeatElapsed = 0
}

// followerResponded record a response from a follower and, when a
// majority of the voting set responded within one election timeout
// window, refresh the quorum lease.
func (l *leadership) followerResponded(m *member.Membership, from uint64,
	tunables *conf.Tunables) {
	if _, ok := l.lastResponse[from]; ok || m.Contains(from) {
		l.lastResponse[from] = 0
	}

	if l.responsiveCount(m, tunables) >= m.Quorum() {
		l.quorumElapsed = 0
	}
}

// minimumTimeoutElapsedSinceQuorumResponded report whether the
// lease expired: no quorum confirmation for one election timeout.
// A single member group holds the lease trivially.
func (l *leadership) minimumTimeoutElapsedSinceQuorumResponded(m *member.Membership,
	tunables *conf.Tunables) bool {
	if m.Count() == 1 {
		return false
	}
	return l.quorumElapsed >= tunables.ElectionTimeout
}

// unresponsiveFollowers list peers without a response within one
// election timeout, in stable order.
func (l *leadership) unresponsiveFollowers(m *member.Membership,
	tunables *conf.Tunables) []uint64 {
	var unresponsive []uint64
	for _, id := range m.OtherMembers() {
		elapsed, ok := l.lastResponse[id]
		if !ok || elapsed >= tunables.ElectionTimeout {
			unresponsive = append(unresponsive, id)
		}
	}
	sort.Slice(unresponsive, func(i, j int) bool {
		return unresponsive[i] < unresponsive[j]
	})
	return unresponsive
}

// isResponsive report whether one follower answered recently.
func (l *leadership) isResponsive(id uint64, tunables *conf.Tunables) bool {
	elapsed, ok := l.lastResponse[id]
	return ok && elapsed < tunables.ElectionTimeout
}

// canSafelyRemove report whether removing id still leaves a
// responsive majority of the shrunk voting set.
func (l *leadership) canSafelyRemove(m *member.Membership, id uint64,
	tunables *conf.Tunables) bool {
	count := 1 /* self */
	for follower, elapsed := range l.lastResponse {
		if follower == id || !m.Contains(follower) {
			continue
		}
		if elapsed < tunables.ElectionTimeout {
			count++
		}
	}

	quorumAfter := m.Count()/2 + 1
	if m.Contains(id) {
		quorumAfter = (m.Count()-1)/2 + 1
	}
	return count >= quorumAfter
}

// addFollower start tracking a newly added peer; it counts as
// responsive from now.
func (l *leadership) addFollower(id uint64) {
	l.lastResponse[id] = 0
}

// removeFollower drop bookkeeping for a removed peer.
func (l *leadership) removeFollower(id uint64) {
	delete(l.lastResponse, id)
}

func (l *leadership) responsiveCount(m *member.Membership,
	tunables *conf.Tunables) int {
	count := 1 /* self */
	for id, elapsed := range l.lastResponse {
		if m.Contains(id) && elapsed < tunables.ElectionTimeout {
			count++
		}
	}
	return count
}
