package logs

import (
	"testing"

	"github.com/thinkermao/raftfsm/raft/core/member"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils/pd"
)

func makeEntry(idx, term uint64) raftpd.Entry {
	return raftpd.Entry{Index: idx, Term: term, Kind: raftpd.EntryCommand}
}

func makeTestLogs(entries ...raftpd.Entry) *Logs {
	l := Make(1, 0, 0)
	l.entries = append(l.entries, entries...)
	return l
}

func members3() *member.Membership {
	return member.MakeFromPeers(1, []uint64{2, 3})
}

func compareEntries(t *testing.T, i int, get, want []raftpd.Entry) {
	t.Helper()
	if len(get) != len(want) {
		t.Errorf("#%d: len(entries) want: %d, get: %d", i, len(want), len(get))
		return
	}
	for j := 0; j < len(get); j++ {
		if get[j].Index != want[j].Index || get[j].Term != want[j].Term {
			t.Errorf("#%d: ents[%d] want: %v, get: %v", i, j, want[j], get[j])
		}
	}
}

func TestLogsTerm(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 2))

	tests := []struct {
		idx  uint64
		term uint64
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 0},
	}

	for i := 0; i < len(tests); i++ {
		if got := l.Term(tests[i].idx); got != tests[i].term {
			t.Errorf("#%d: term at %d want: %d, get: %d",
				i, tests[i].idx, tests[i].term, got)
		}
	}
}

func TestLogsContainPrevLog(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 2))

	tests := []struct {
		term, idx uint64
		want      bool
	}{
		{0, 0, true}, // before the first entry always matches
		{1, 1, true},
		{2, 2, true},
		{1, 2, false},
		{2, 3, false},
	}

	for i := 0; i < len(tests); i++ {
		test := &tests[i]
		if got := l.ContainPrevLog(test.term, test.idx); got != test.want {
			t.Errorf("#%d: contain(%d, %d) want: %v, get: %v",
				i, test.term, test.idx, test.want, got)
		}
	}
}

func TestLogsCandidateUpToDate(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3))

	tests := []struct {
		idx, term uint64
		want      bool
	}{
		// greater term wins regardless of index
		{2, 4, true},
		{3, 4, true},
		{4, 4, true},
		// smaller term loses regardless of index
		{2, 2, false},
		{4, 2, false},
		// equal term, larger or equal index wins
		{2, 3, false},
		{3, 3, true},
		{4, 3, true},
	}

	for i := 0; i < len(tests); i++ {
		test := &tests[i]
		if got := l.CandidateUpToDate(test.term, test.idx); got != test.want {
			t.Errorf("#%d: upToDate(%d, %d) want: %v, get: %v",
				i, test.term, test.idx, test.want, got)
		}
	}
}

func TestLogsAppendEntriesTruncatesConflict(t *testing.T) {
	tests := []struct {
		incoming []raftpd.Entry
		commit   uint64
		wants    []raftpd.Entry
	}{
		// no conflict, nothing new
		{[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 0,
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 2)}},
		// append past tail
		{[]raftpd.Entry{makeEntry(4, 2)}, 0,
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 2), makeEntry(4, 2)}},
		// conflict truncates and replaces
		{[]raftpd.Entry{makeEntry(2, 3), makeEntry(3, 3)}, 0,
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 3), makeEntry(3, 3)}},
	}

	for i := 0; i < len(tests); i++ {
		test := &tests[i]
		l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 2))
		l.AppendEntries(members3(), test.incoming, test.commit, 100)
		compareEntries(t, i, l.entries[1:], test.wants)
	}
}

func TestLogsAppendEntriesCommitAndApply(t *testing.T) {
	l := makeTestLogs()
	m := members3()

	incoming := []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 1)}
	applicable := l.AppendEntries(m, incoming, 2, 100)

	if l.CommitIndex() != 2 {
		t.Errorf("commit want: 2, get: %d", l.CommitIndex())
	}
	compareEntries(t, 0, applicable, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)})

	// leader commit past our tail is clamped
	applicable = l.AppendEntries(m, nil, 10, 100)
	if l.CommitIndex() != 3 {
		t.Errorf("commit want: 3, get: %d", l.CommitIndex())
	}
	compareEntries(t, 1, applicable, []raftpd.Entry{makeEntry(3, 1)})

	// commit never decreases
	l.AppendEntries(m, nil, 1, 100)
	if l.CommitIndex() != 3 {
		t.Errorf("commit decreased: %d", l.CommitIndex())
	}
}

func TestLogsAppendEntriesClearsTruncatedChange(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1))
	m := members3()

	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: 9})
	change := raftpd.Entry{Index: 2, Term: 1, Kind: raftpd.EntryAddFollower, Data: data}
	l.AppendEntries(m, []raftpd.Entry{change}, 1, 100)

	if m.PendingChange() == nil || !m.Contains(9) {
		t.Fatalf("membership change not adopted")
	}

	// a conflicting entry at the change's index rolls it back.
	l.AppendEntries(m, []raftpd.Entry{makeEntry(2, 2)}, 1, 100)
	if m.PendingChange() != nil {
		t.Errorf("pending change survived truncation")
	}
	if m.Contains(9) {
		t.Errorf("truncated add still in voting set")
	}
}

func TestLogsSetFollowerIndex(t *testing.T) {
	tests := []struct {
		term       uint64
		replicated map[uint64]uint64
		wantCommit uint64
	}{
		// one ack of three members: entry 2 has self + one
		{1, map[uint64]uint64{2: 2}, 2},
		// both acked different prefixes: entry 3 has self + follower 2
		{1, map[uint64]uint64{2: 3, 3: 1}, 3},
		// entries from an older term never commit by counting
		{2, map[uint64]uint64{2: 3, 3: 3}, 0},
	}

	for i := 0; i < len(tests); i++ {
		test := &tests[i]
		l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 1))
		m := members3()
		l.followers = map[uint64]*progress{
			2: {next: 4},
			3: {next: 4},
		}
		for from, idx := range test.replicated {
			l.SetFollowerIndex(m, test.term, from, idx, 100)
		}
		if l.CommitIndex() != test.wantCommit {
			t.Errorf("#%d: commit want: %d, get: %d",
				i, test.wantCommit, l.CommitIndex())
		}
	}
}

func TestLogsSetFollowerIndexMonotonicMatch(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 1))
	m := members3()
	l.followers = map[uint64]*progress{2: {next: 3}, 3: {next: 3}}

	l.SetFollowerIndex(m, 1, 2, 2, 100)
	// a stale, smaller acknowledgment cannot lower the match.
	l.SetFollowerIndex(m, 1, 2, 1, 100)
	if got := l.FollowerMatched(2); got != 2 {
		t.Errorf("match want: 2, get: %d", got)
	}
}

func TestLogsDecrementNextIndex(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1))
	l.followers = map[uint64]*progress{2: {next: 2}}

	l.DecrementNextIndexOfFollower(2)
	if l.followers[2].next != 1 {
		t.Errorf("next want: 1, get: %d", l.followers[2].next)
	}
	// floored at the first valid index
	l.DecrementNextIndexOfFollower(2)
	if l.followers[2].next != 1 {
		t.Errorf("next floored want: 1, get: %d", l.followers[2].next)
	}
	/* unknown follower is a no-op */
	l.DecrementNextIndexOfFollower(9)
}

func TestLogsMakeAppendEntriesReq(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 2))
	l.followers = map[uint64]*progress{2: {next: 2}}
	l.committed = 3

	msg, tooOld, ok := l.MakeAppendEntriesReq(2, 1, 2)
	if !ok || tooOld {
		t.Fatalf("want request, get tooOld: %v, ok: %v", tooOld, ok)
	}
	if msg.LogIndex != 1 || msg.LogTerm != 1 || msg.Commit != 3 {
		t.Errorf("bad request header: %+v", msg)
	}
	compareEntries(t, 0, msg.Entries, []raftpd.Entry{makeEntry(2, 1), makeEntry(3, 2)})

	// absent follower reports not ok
	if _, _, ok := l.MakeAppendEntriesReq(2, 1, 9); ok {
		t.Errorf("absent follower should not be ok")
	}
}

func TestLogsMakeAppendEntriesReqTooOld(t *testing.T) {
	l := makeTestLogs()
	m := members3()

	incoming := make([]raftpd.Entry, 0)
	for idx := uint64(1); idx <= 10; idx++ {
		incoming = append(incoming, makeEntry(idx, 1))
	}
	l.AppendEntries(m, incoming, 10, 2) // retain two committed entries

	l.followers = map[uint64]*progress{2: {next: 3}}
	_, tooOld, ok := l.MakeAppendEntriesReq(1, 1, 2)
	if !ok || !tooOld {
		t.Fatalf("want tooOld, get tooOld: %v, ok: %v", tooOld, ok)
	}

	l.ResetFollowerForSnapshot(2)
	if l.followers[2].next != l.committed+1 {
		t.Errorf("next after snapshot want: %d, get: %d",
			l.committed+1, l.followers[2].next)
	}
	if _, tooOld, _ := l.MakeAppendEntriesReq(1, 1, 2); tooOld {
		t.Errorf("fresh follower still tooOld")
	}
}

func TestLogsRetention(t *testing.T) {
	l := makeTestLogs()
	m := members3()

	incoming := make([]raftpd.Entry, 0)
	for idx := uint64(1); idx <= 10; idx++ {
		incoming = append(incoming, makeEntry(idx, 1))
	}
	l.AppendEntries(m, incoming, 7, 3)

	if got := l.offset(); got != 4 {
		t.Errorf("offset want: 4, get: %d", got)
	}
	if l.LastIndex() != 10 || l.CommitIndex() != 7 {
		t.Errorf("window damaged [last: %d, commit: %d]",
			l.LastIndex(), l.CommitIndex())
	}
	// the committed entry itself stays reachable.
	if got := l.LastCommittedEntry(); got.Index != 7 {
		t.Errorf("last committed want: 7, get: %d", got.Index)
	}
}

func TestLogsCommitToLatest(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1), makeEntry(2, 1))
	applicable := l.CommitToLatest(100)

	if l.CommitIndex() != 2 {
		t.Errorf("commit want: 2, get: %d", l.CommitIndex())
	}
	compareEntries(t, 0, applicable, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)})
}

func TestLogsElectedLeaderInitsProgress(t *testing.T) {
	l := makeTestLogs(makeEntry(1, 1))
	m := members3()

	data := pd.MustMarshal(&raftpd.PeerPayload{Peer: 1})
	entry := l.ElectedLeader(m, 2, data)
	if entry.Index != 2 || entry.Kind != raftpd.EntryLeaderElected {
		t.Fatalf("bad elected entry: %v", entry)
	}

	for _, id := range []uint64{2, 3} {
		p, ok := l.followers[id]
		if !ok || p.next != 3 || p.matched != 0 {
			t.Errorf("follower %d progress want {0 3}, get: %+v", id, p)
		}
	}
}

func TestLogsRebuildFromCommitted(t *testing.T) {
	last := raftpd.Entry{Index: 7, Term: 3, Kind: raftpd.EntryCommand}
	l := RebuildFromCommitted(1, last)

	if l.CommitIndex() != 7 || l.LastIndex() != 7 {
		t.Errorf("rebuild window wrong [commit: %d, last: %d]",
			l.CommitIndex(), l.LastIndex())
	}
	if got := l.LastCommittedEntry(); got.Index != 7 || got.Term != 3 {
		t.Errorf("last committed want (7, 3), get: %v", got)
	}
	if !l.ContainPrevLog(3, 7) {
		t.Errorf("rebuilt log should match its own dummy")
	}
}
