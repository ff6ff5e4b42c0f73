package simu

import (
	"testing"
	"time"

	"github.com/thinkermao/network-simu-go"

	"github.com/thinkermao/raftfsm/raft"
	"github.com/thinkermao/raftfsm/raft/core"
	"github.com/thinkermao/raftfsm/raft/core/conf"
)

// Environment is an in-process cluster on a simulated network:
// endpoints can be detached and reattached to model partitions and
// crashes, while client calls go straight to the servers.
type Environment struct {
	t    *testing.T
	net  network.Network
	apps []*App
}

// MakeEnvironment boot num replicas: the first founds the group,
// the rest join through it.
func MakeEnvironment(t *testing.T, num int) *Environment {
	builder := network.CreateBuilder()

	env := &Environment{t: t}
	for i := 0; i < num; i++ {
		env.apps = append(env.apps, MakeApp(builder.AddEndpoint()))
	}
	env.net = builder.Build()
	for i := 0; i < num; i++ {
		env.Connect(i)
	}

	env.apps[0].Found()
	founder := []uint64{env.apps[0].ID()}
	for i := 1; i < num; i++ {
		if err := env.apps[i].Join(env.lookup, founder); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		env.waitJoined(env.apps[i].ID())
	}
	return env
}

func (env *Environment) lookup(id uint64) *raft.Server {
	for _, app := range env.apps {
		if app.ID() == id && app.Server() != nil {
			return app.Server()
		}
	}
	return nil
}

func (env *Environment) waitJoined(id uint64) {
	env.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status := env.apps[0].Server().Status()
		for _, m := range status.Members {
			if m == id && len(status.UnresponsiveFollowers) == 0 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.t.Fatalf("member %d never joined", id)
}

// Cleanup shut every server down.
func (env *Environment) Cleanup() {
	for _, app := range env.apps {
		app.Shutdown()
	}
}

// Connect attach endpoint i to the net.
func (env *Environment) Connect(i int) {
	env.net.Enable(i)
}

// Disconnect detach endpoint i from the net.
func (env *Environment) Disconnect(i int) {
	env.net.Disable(i)
}

// CheckOneLeader check that exactly one connected replica leads;
// tries a few times in case re-elections are needed.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		time.Sleep(2 * electionTimeout * time.Millisecond)

		leaders := make(map[uint64][]int)
		for i, app := range env.apps {
			if !env.net.IsEnable(i) || app.Server() == nil {
				continue
			}
			status := app.Server().Status()
			if status.State.IsLeader() {
				leaders[status.CurrentTerm] = append(leaders[status.CurrentTerm], i)
			}
		}

		lastTermWithLeader := uint64(0)
		found := false
		for term, ids := range leaders {
			if len(ids) > 1 {
				env.t.Fatalf("term %d has %d (>1) leaders", term, len(ids))
			}
			if term >= lastTermWithLeader {
				lastTermWithLeader = term
				found = true
			}
		}
		if found {
			return leaders[lastTermWithLeader][0]
		}
	}
	env.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckTerms check that connected replicas agree on the term.
func (env *Environment) CheckTerms() uint64 {
	var term uint64
	seen := false
	for i, app := range env.apps {
		if !env.net.IsEnable(i) || app.Server() == nil {
			continue
		}
		current := app.Server().Status().CurrentTerm
		if !seen {
			term = current
			seen = true
		} else if term != current {
			env.t.Fatalf("servers disagree on term")
		}
	}
	return term
}

// CheckNoLeader check that no connected replica claims leadership.
func (env *Environment) CheckNoLeader() {
	for i, app := range env.apps {
		if !env.net.IsEnable(i) || app.Server() == nil {
			continue
		}
		if app.Server().Status().State.IsLeader() {
			env.t.Fatalf("expected no leader, but %d claims to be leader", i)
		}
	}
}

// WaitLeaderAgreement wait until every connected replica names the
// same live leader, and return its endpoint index. A rejoining
// ex-leader may carry an inflated term and force one more election,
// so the winner is not predetermined.
func (env *Environment) WaitLeaderAgreement() int {
	env.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		agreed := conf.InvalidID
		ok := true
		for i, app := range env.apps {
			if !env.net.IsEnable(i) || app.Server() == nil {
				continue
			}
			leader := app.Server().Status().Leader
			if leader == conf.InvalidID {
				ok = false
				break
			}
			if agreed == conf.InvalidID {
				agreed = leader
			}
			if leader != agreed {
				ok = false
				break
			}
		}
		if ok && agreed != conf.InvalidID {
			for i, app := range env.apps {
				if app.ID() == agreed && app.Server().Status().State.IsLeader() {
					return i
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.t.Fatalf("replicas never agreed on a leader")
	return -1
}

// One replicate one put through whichever replica leads, retrying
// across redirects until it commits.
func (env *Environment) One(key, value string, id uint64) {
	env.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for i, app := range env.apps {
			if !env.net.IsEnable(i) || app.Server() == nil {
				continue
			}
			if _, err := app.Put(key, value, id); err == nil {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	env.t.Fatalf("one(%s=%s) failed to reach agreement", key, value)
}

// Status return the status of replica i.
func (env *Environment) Status(i int) core.Status {
	return env.apps[i].Server().Status()
}
