package member

import (
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils"
	"github.com/thinkermao/raftfsm/utils/pd"
)

var (
	// ErrUncommittedChange reject a second membership change while
	// one is still in flight.
	ErrUncommittedChange = errors.New("uncommitted membership change")

	// ErrNotMember reject operations naming a peer outside the
	// voting set.
	ErrNotMember = errors.New("not a member")

	// ErrAlreadyMember reject adding a peer twice.
	ErrAlreadyMember = errors.New("already a member")
)

// Membership tracks the voting set of one raft group, the replica's
// current belief about the leader, the single in-flight membership
// change entry, and the designated leader replacement target.
//
// A membership change takes effect as soon as its entry is in the
// log; commit only clears the pending marker.
type Membership struct {
	self    uint64
	all     map[uint64]struct{} // voting set, self included
	leader  uint64              // conf.InvalidID when unknown
	pending *raftpd.Entry       // uncommitted add/remove entry

	// follower chosen for cooperative leader transfer,
	// conf.InvalidID when none.
	leaderChange uint64
}

// MakeForLonelyLeader initialize a single member group led by self.
func MakeForLonelyLeader(self uint64) *Membership {
	return &Membership{
		self:         self,
		all:          map[uint64]struct{}{self: {}},
		leader:       self,
		leaderChange: conf.InvalidID,
	}
}

// MakeFromPeers initialize the voting set from an explicit peer
// list, self included, with no known leader. Used when a joining
// replica installs its first snapshot.
func MakeFromPeers(self uint64, peers []uint64) *Membership {
	all := make(map[uint64]struct{}, len(peers)+1)
	all[self] = struct{}{}
	for _, peer := range peers {
		all[peer] = struct{}{}
	}
	return &Membership{
		self:         self,
		all:          all,
		leader:       conf.InvalidID,
		leaderChange: conf.InvalidID,
	}
}

// Self return the local replica id.
func (m *Membership) Self() uint64 { return m.self }

// Leader return the believed leader, conf.InvalidID when unknown.
func (m *Membership) Leader() uint64 { return m.leader }

// PutLeader record the believed leader.
func (m *Membership) PutLeader(id uint64) {
	m.leader = id
}

// Contains report whether id is in the voting set.
func (m *Membership) Contains(id uint64) bool {
	_, ok := m.all[id]
	return ok
}

// Count return the voting set size.
func (m *Membership) Count() int { return len(m.all) }

// Quorum return the number of replicas forming a majority.
func (m *Membership) Quorum() int { return len(m.all)/2 + 1 }

// OtherMembers list the voting set without self, in stable order.
func (m *Membership) OtherMembers() []uint64 {
	others := make([]uint64, 0, len(m.all)-1)
	for id := range m.all {
		if id != m.self {
			others = append(others, id)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	return others
}

// All list the whole voting set in stable order.
func (m *Membership) All() []uint64 {
	all := make([]uint64, 0, len(m.all))
	for id := range m.all {
		all = append(all, id)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// PendingChange return the uncommitted membership change entry, if any.
func (m *Membership) PendingChange() *raftpd.Entry { return m.pending }

// PendingLeaderChange return the leader replacement target,
// conf.InvalidID when none.
func (m *Membership) PendingLeaderChange() uint64 { return m.leaderChange }

// StartAddingFollower adopt entry as the in-flight change and add
// the peer to the voting set immediately.
func (m *Membership) StartAddingFollower(entry *raftpd.Entry) error {
	if m.pending != nil {
		return ErrUncommittedChange
	}
	peer := peerOf(entry)
	m.pending = entry
	m.all[peer] = struct{}{}

	log.Infof("%d adopt add follower %d at entry %d [members: %d]",
		m.self, peer, entry.Index, len(m.all))
	return nil
}

// StartRemovingFollower adopt entry as the in-flight change and
// drop the peer from the voting set immediately.
func (m *Membership) StartRemovingFollower(entry *raftpd.Entry) error {
	if m.pending != nil {
		return ErrUncommittedChange
	}
	peer := peerOf(entry)
	m.pending = entry
	delete(m.all, peer)
	if m.leaderChange == peer {
		m.leaderChange = conf.InvalidID
	}

	log.Infof("%d adopt remove follower %d at entry %d [members: %d]",
		m.self, peer, entry.Index, len(m.all))
	return nil
}

// ChangeCommitted clear the pending entry once the change at index
// commits. Stale indexes are ignored.
func (m *Membership) ChangeCommitted(index uint64) {
	if m.pending != nil && m.pending.Index == index {
		m.pending = nil
	}
}

// ChangeTruncated undo the voting set adjustment when log
// truncation removed the uncommitted change entry.
func (m *Membership) ChangeTruncated(truncateFrom uint64) {
	if m.pending == nil || m.pending.Index < truncateFrom {
		return
	}
	peer := peerOf(m.pending)
	switch m.pending.Kind {
	case raftpd.EntryAddFollower:
		delete(m.all, peer)
	case raftpd.EntryRemoveFollower:
		m.all[peer] = struct{}{}
	}
	m.pending = nil

	log.Infof("%d drop truncated membership change at entry %d",
		m.self, truncateFrom)
}

// StartReplacingLeader record (or clear, with conf.InvalidID) the
// leader replacement target. The target must be a voting member.
func (m *Membership) StartReplacingLeader(newLeader uint64) error {
	if newLeader != conf.InvalidID && !m.Contains(newLeader) {
		return ErrNotMember
	}
	m.leaderChange = newLeader
	return nil
}

// ClearLeaderChange drop the replacement target after handoff.
func (m *Membership) ClearLeaderChange() {
	m.leaderChange = conf.InvalidID
}

func peerOf(entry *raftpd.Entry) uint64 {
	utils.Assert(entry.Kind == raftpd.EntryAddFollower ||
		entry.Kind == raftpd.EntryRemoveFollower,
		"entry %d is not a membership change", entry.Index)

	var payload raftpd.PeerPayload
	pd.MustUnmarshal(&payload, entry.Data)
	return payload.Peer
}
