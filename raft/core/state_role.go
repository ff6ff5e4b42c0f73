package core

// StateRole is the replica's role in the consensus group.
type StateRole int

const (
	RoleFollower StateRole = iota
	RoleCandidate
	RoleLeader

	// RoleDead is terminal: reached after this replica's removal
	// from the group committed and the leader confirmed it.
	RoleDead
)

var stateRoleString = []string{
	"Follower",
	"Candidate",
	"Leader",
	"Dead",
}

func (role StateRole) String() string {
	return stateRoleString[role]
}

func (role StateRole) IsLeader() bool {
	return role == RoleLeader
}

func (role StateRole) IsCandidate() bool {
	return role == RoleCandidate
}

func (role StateRole) IsFollower() bool {
	return role == RoleFollower
}
