package core

import (
	"errors"
	"fmt"

	"github.com/thinkermao/raftfsm/raft/core/conf"
)

var (
	// ErrWillBreakQuorum reject a removal that would leave the
	// group without a responsive majority.
	ErrWillBreakQuorum = errors.New("will break quorum")

	// ErrNewLeaderUnresponsive reject a leader replacement whose
	// target has not answered recently.
	ErrNewLeaderUnresponsive = errors.New("new leader unresponsive")

	// ErrDead report an operation against a terminated replica.
	ErrDead = errors.New("replica terminated")
)

// NotLeaderError redirect clients to the believed leader;
// Leader is conf.InvalidID when unknown.
type NotLeaderError struct {
	Leader uint64
}

func (e *NotLeaderError) Error() string {
	if e.Leader == conf.InvalidID {
		return "not leader (unknown leader)"
	}
	return fmt.Sprintf("not leader (leader: %d)", e.Leader)
}
