package logs

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftfsm/raft/core/conf"
	"github.com/thinkermao/raftfsm/raft/core/member"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils"
)

// progress is the leader's view of one follower.
type progress struct {
	matched uint64 // highest index known replicated
	next    uint64 // next entry index to send
}

// [offset, applied, committed, last]
// +--------------+--------------+---------------+
// | compacted    |  wait apply  |  wait commit  |
// +--------------+--------------+---------------+
// ^ offset       ^ applied      ^ committed     ^ last
//
// notice: there always has a dummy entry at offset carrying the
// last compacted (term, index); it keeps indexing simple. At most
// maxRetained committed entries stay behind the commit point to
// serve lagging followers; anything older forces a snapshot.
type Logs struct {
	id        uint64
	entries   []raftpd.Entry
	committed uint64
	applied   uint64

	// per follower replication progress, leader only.
	followers map[uint64]*progress
}

// Make construct an empty log whose history starts just after
// (firstTerm, firstIndex).
func Make(id, firstIndex, firstTerm uint64) *Logs {
	entries := make([]raftpd.Entry, 1)
	entries[0].Index = firstIndex
	entries[0].Term = firstTerm
	return &Logs{
		id:        id,
		entries:   entries,
		committed: firstIndex,
		applied:   firstIndex,
	}
}

// RebuildFromCommitted construct a log whose dummy is the last
// committed entry from a snapshot; everything before it is gone.
func RebuildFromCommitted(id uint64, lastCommitted raftpd.Entry) *Logs {
	return &Logs{
		id:        id,
		entries:   []raftpd.Entry{lastCommitted},
		committed: lastCommitted.Index,
		applied:   lastCommitted.Index,
	}
}

// LastEntry return the newest entry, uncommitted included.
func (l *Logs) LastEntry() raftpd.Entry {
	return l.entries[len(l.entries)-1]
}

// LastCommittedEntry return the newest committed entry.
func (l *Logs) LastCommittedEntry() raftpd.Entry {
	return l.entries[l.committed-l.offset()]
}

// CommitIndex return the commit point.
func (l *Logs) CommitIndex() uint64 { return l.committed }

// LastIndex return the index of the newest entry.
func (l *Logs) LastIndex() uint64 {
	length := len(l.entries)
	actual := l.entries[length-1].Index
	get := l.offset() + uint64(length) - 1
	utils.Assert(actual == get, "%d bad entries [actual: %d, get: %d]",
		l.id, actual, get)
	return get
}

// Term return the term of idx, InvalidTerm when idx is outside the
// retained window.
func (l *Logs) Term(idx uint64) uint64 {
	if idx < l.offset() || idx > l.LastIndex() {
		return conf.InvalidTerm
	}
	return l.entries[idx-l.offset()].Term
}

// ContainPrevLog report whether the log matches the leader's
// previous entry: index zero always matches, otherwise an entry at
// idx with the same term must be retained.
func (l *Logs) ContainPrevLog(term, idx uint64) bool {
	if idx == conf.InvalidIndex {
		return true
	}
	if idx < l.offset() || idx > l.LastIndex() {
		return false
	}
	return l.Term(idx) == term
}

// CandidateUpToDate report whether the candidate's last entry is at
// least as up-to-date as ours, comparing (term, index)
// lexicographically.
func (l *Logs) CandidateUpToDate(lastTerm, lastIdx uint64) bool {
	ours := l.LastEntry()
	return lastTerm > ours.Term ||
		(lastTerm == ours.Term && lastIdx >= ours.Index)
}

// AppendEntries reconcile the follower log with an incoming batch:
// truncate on term conflict, append past the tail, advance commit
// to min(leaderCommit, last). Truncation that removes an
// uncommitted membership change entry rolls the change back on m;
// newly appended membership entries are adopted by m immediately.
// Returns the committed-but-unapplied entries in ascending order.
func (l *Logs) AppendEntries(m *member.Membership, entries []raftpd.Entry,
	leaderCommit uint64, maxRetained int) []raftpd.Entry {
	var appended []raftpd.Entry
	conflictIdx := l.findConflict(entries)
	if conflictIdx != 0 {
		utils.Assert(conflictIdx > l.committed,
			"%d entry %d conflict with committed entry %d",
			l.id, conflictIdx, l.committed)

		if conflictIdx <= l.LastIndex() {
			m.ChangeTruncated(conflictIdx)
		}

		offset := entries[0].Index
		appended = entries[conflictIdx-offset:]
		l.truncateAndAppend(appended)
	}

	lastIdx := l.LastIndex()
	l.commitTo(utils.MinUint64(leaderCommit, lastIdx))
	l.adoptMembershipEntries(m, appended)

	applicable := l.drainApplicable()
	l.compact(maxRetained)
	return applicable
}

// AddEntry append one entry of the given kind at the next index.
func (l *Logs) AddEntry(term uint64, kind raftpd.EntryKind, data []byte) raftpd.Entry {
	entry := raftpd.Entry{
		Term:  term,
		Index: l.LastIndex() + 1,
		Kind:  kind,
		Data:  data,
	}
	l.entries = append(l.entries, entry)
	return entry
}

// ElectedLeader append the leader_elected entry and initialize the
// replication progress of every other member.
func (l *Logs) ElectedLeader(m *member.Membership, term uint64, data []byte) raftpd.Entry {
	entry := l.AddEntry(term, raftpd.EntryLeaderElected, data)

	nextIdx := l.LastIndex() + 1
	l.followers = make(map[uint64]*progress)
	for _, id := range m.OtherMembers() {
		l.followers[id] = &progress{matched: conf.InvalidIndex, next: nextIdx}
	}
	return entry
}

// ResetFollowers drop leader-side progress on step down.
func (l *Logs) ResetFollowers() { l.followers = nil }

// PrepareAddFollower append the add_follower entry and start
// probing the new peer from the commit point, where its installed
// snapshot will leave it.
func (l *Logs) PrepareAddFollower(term, peer uint64, data []byte) raftpd.Entry {
	entry := l.AddEntry(term, raftpd.EntryAddFollower, data)
	l.followers[peer] = &progress{matched: conf.InvalidIndex, next: l.committed + 1}
	return entry
}

// PrepareRemoveFollower append the remove_follower entry and drop
// the peer's progress.
func (l *Logs) PrepareRemoveFollower(term, peer uint64, data []byte) raftpd.Entry {
	entry := l.AddEntry(term, raftpd.EntryRemoveFollower, data)
	delete(l.followers, peer)
	return entry
}

// FollowerMatched return the matched index of a follower,
// InvalidIndex when unknown.
func (l *Logs) FollowerMatched(id uint64) uint64 {
	if p, ok := l.followers[id]; ok {
		return p.matched
	}
	return conf.InvalidIndex
}

// SetFollowerIndex raise the follower's matched index
// monotonically and advance the commit point to the highest entry
// of the current term replicated on a majority of the voting set
// (self counts implicitly). Earlier-term entries commit
// transitively. Returns newly applicable entries.
func (l *Logs) SetFollowerIndex(m *member.Membership, term, from,
	replicated uint64, maxRetained int) []raftpd.Entry {
	p, ok := l.followers[from]
	if !ok {
		/* already removed */
		return nil
	}
	if replicated > p.matched {
		p.matched = replicated
		if p.next <= p.matched {
			p.next = p.matched + 1
		}
	}

	for idx := l.LastIndex(); idx > l.committed; idx-- {
		if l.Term(idx) != term {
			/* only current term entries commit by counting */
			break
		}
		count := 1
		for id, fp := range l.followers {
			if m.Contains(id) && fp.matched >= idx {
				count++
			}
		}
		if count >= m.Quorum() {
			l.commitTo(idx)
			break
		}
	}

	applicable := l.drainApplicable()
	l.compact(maxRetained)
	return applicable
}

// DecrementNextIndexOfFollower back the follower off by one entry,
// floored at the first valid index.
func (l *Logs) DecrementNextIndexOfFollower(from uint64) {
	p, ok := l.followers[from]
	if !ok {
		return
	}
	if p.next > conf.InvalidIndex+1 {
		p.next--
	}
}

// CommitToLatest commit everything; only sound for a single member
// group. Returns newly applicable entries.
func (l *Logs) CommitToLatest(maxRetained int) []raftpd.Entry {
	l.commitTo(l.LastIndex())
	applicable := l.drainApplicable()
	l.compact(maxRetained)
	return applicable
}

// MakeAppendEntriesReq build the append request for a follower,
// carrying entries from its next index onward. tooOld reports that
// the follower's next index precedes the retained window, so the
// caller must install a snapshot instead. ok is false when the
// follower is absent (already removed).
func (l *Logs) MakeAppendEntriesReq(term, leader, follower uint64) (
	msg *raftpd.Message, tooOld bool, ok bool) {
	p, present := l.followers[follower]
	if !present {
		return nil, false, false
	}
	if p.next <= l.offset() {
		/* prev entry compacted away */
		return nil, true, true
	}

	prevIdx := p.next - 1
	msg = &raftpd.Message{
		MsgType:  raftpd.MsgAppendRequest,
		From:     leader,
		To:       follower,
		Term:     term,
		LogIndex: prevIdx,
		LogTerm:  l.Term(prevIdx),
		Commit:   l.committed,
	}

	if l.LastIndex() >= p.next {
		entries := l.slice(p.next, l.LastIndex()+1)
		msg.Entries = make([]raftpd.Entry, len(entries))
		copy(msg.Entries, entries)
	}
	return msg, false, true
}

// ResetFollowerForSnapshot point the follower just past the commit
// point its snapshot will leave it at.
func (l *Logs) ResetFollowerForSnapshot(follower uint64) {
	if p, ok := l.followers[follower]; ok {
		p.next = l.committed + 1
	}
}

func (l *Logs) commitTo(to uint64) {
	if to <= l.committed {
		/* never decrease commit */
		return
	}
	utils.Assert(l.LastIndex() >= to,
		"%d commit to %d is out of range [last index: %d]",
		l.id, to, l.LastIndex())
	l.committed = to
}

// drainApplicable return the committed-but-unapplied entries, as a
// copy so later compaction cannot alias them.
func (l *Logs) drainApplicable() []raftpd.Entry {
	if l.applied >= l.committed {
		return nil
	}
	entries := l.slice(l.applied+1, l.committed+1)
	applicable := make([]raftpd.Entry, len(entries))
	copy(applicable, entries)
	l.applied = l.committed
	return applicable
}

// compact drop committed entries beyond the retention limit; the
// entry at the new offset becomes the dummy.
func (l *Logs) compact(maxRetained int) {
	retained := l.committed - l.offset()
	if retained <= uint64(maxRetained) {
		return
	}
	to := l.committed - uint64(maxRetained)
	l.entries = l.entries[to-l.offset():]

	log.Debugf("%d compact to %d [committed: %d, last: %d]",
		l.id, to, l.committed, l.LastIndex())
}

func (l *Logs) offset() uint64 {
	utils.Assert(len(l.entries) != 0, "require len(entries) great than zero")
	return l.entries[0].Index
}

// slice return the entries between [lo, hi), dummy excluded.
func (l *Logs) slice(lo, hi uint64) []raftpd.Entry {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", l.id, lo, hi)
	utils.Assert(lo > l.offset() && hi <= l.LastIndex()+1,
		"%d slice[%d, %d) out of bound (%d, %d]",
		l.id, lo, hi, l.offset(), l.LastIndex()+1)
	return l.entries[lo-l.offset() : hi-l.offset()]
}

// findConflict return the first index whose incoming term differs
// from the retained entry at the same index, zero when the batch
// brings nothing new.
func (l *Logs) findConflict(entries []raftpd.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if entry.Index > l.LastIndex() || l.Term(entry.Index) != entry.Term {
			if entry.Index <= l.LastIndex() {
				log.Infof("%d found conflict at index %d "+
					"[existing term: %d, conflicting term: %d]",
					l.id, entry.Index, l.Term(entry.Index), entry.Term)
			}
			return entry.Index
		}
	}
	return 0
}

func (l *Logs) truncateAndAppend(entries []raftpd.Entry) {
	if len(entries) == 0 {
		return
	}

	after := entries[0].Index
	utils.Assert(after > l.offset() && after <= l.LastIndex()+1,
		"%d append at %d out of bound (%d, %d]",
		l.id, after, l.offset(), l.LastIndex()+1)

	l.entries = append(l.entries[:after-l.offset()], entries...)
	l.validateConsistency()
}

func (l *Logs) adoptMembershipEntries(m *member.Membership, appended []raftpd.Entry) {
	for i := 0; i < len(appended); i++ {
		entry := &appended[i]
		if p := m.PendingChange(); p != nil && p.Index <= l.committed {
			/* the previous change committed in this same batch */
			m.ChangeCommitted(p.Index)
		}
		var err error
		switch entry.Kind {
		case raftpd.EntryAddFollower:
			err = m.StartAddingFollower(entry)
		case raftpd.EntryRemoveFollower:
			err = m.StartRemovingFollower(entry)
		default:
			continue
		}
		if err != nil {
			log.Warnf("%d cannot adopt membership change at %d: %v",
				l.id, entry.Index, err)
		}
	}
}

func (l *Logs) validateConsistency() {
	for i := 0; i < len(l.entries)-1; i++ {
		utils.Assert(l.entries[i].Index+1 == l.entries[i+1].Index,
			"%d index: %d at: %d not sequences", l.id, l.entries[i].Index, i)
	}
}
