package simu

import (
	"encoding/gob"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/network-simu-go"

	"github.com/thinkermao/raftfsm/raft"
	"github.com/thinkermao/raftfsm/raft/core/conf"
	raftpd "github.com/thinkermao/raftfsm/raft/proto"
	"github.com/thinkermao/raftfsm/utils/pd"
)

const (
	electionTimeout  = 200 // milliseconds
	heartbeatTimeout = 40  // milliseconds
	requestTimeout   = 2 * time.Second
)

// KvOps is a deterministic key-value machine: commands put, queries
// get. It is the simulator's user data plug-in.
type KvOps struct{}

// KvPut is the command argument.
type KvPut struct {
	Key   string
	Value string
}

// New implement conf.DataOps.
func (KvOps) New() interface{} { return map[string]string{} }

// Command implement conf.DataOps; the result is the stored value.
func (KvOps) Command(data interface{}, arg interface{}) (interface{}, interface{}) {
	kv := data.(map[string]string)
	put := arg.(KvPut)

	next := make(map[string]string, len(kv)+1)
	for k, v := range kv {
		next[k] = v
	}
	next[put.Key] = put.Value
	return put.Value, next
}

// Query implement conf.DataOps; the argument is the key.
func (KvOps) Query(data interface{}, arg interface{}) interface{} {
	return data.(map[string]string)[arg.(string)]
}

// App binds one replica server to a simulated network endpoint:
// outbound messages travel as gob bytes through the endpoint,
// inbound bytes step the replica.
type App struct {
	handler network.Handler
	server  *raft.Server
}

// MakeApp wire an endpoint; the server attaches at Found/Join time.
func MakeApp(handler network.Handler) *App {
	app := &App{handler: handler}
	app.handler.BindReceiver(app.handleMessage)
	return app
}

// ID return the replica id of this endpoint.
func (app *App) ID() uint64 {
	return uint64(app.handler.ID() + 1)
}

// Server return the attached replica server, nil before start.
func (app *App) Server() *raft.Server {
	return app.server
}

func (app *App) config() *conf.Config {
	return &conf.Config{
		ID:      app.ID(),
		DataOps: KvOps{},
		Hook:    conf.NoopHook(),
		Tunables: conf.Tunables{
			HeartbeatTimeout:          heartbeatTimeout,
			ElectionTimeout:           electionTimeout,
			MaxRetainedCommittedLogs:  conf.DefaultMaxRetainedCommittedLogs,
			MaxRetainedCommandResults: conf.DefaultMaxRetainedCommandResults,
		},
	}
}

// Found boot this endpoint as a brand new single member group.
func (app *App) Found() {
	app.server = raft.CreateNewConsensusGroup(app.config(), app)
}

// Join add this endpoint to the group reachable through peers.
func (app *App) Join(lookup func(uint64) *raft.Server, peers []uint64) error {
	server, err := raft.JoinExistingConsensusGroup(
		app.config(), app, lookup, peers)
	if err != nil {
		return err
	}
	app.server = server
	return nil
}

// Shutdown stop the attached server.
func (app *App) Shutdown() {
	if app.server != nil {
		app.server.Stop()
	}
}

// Put replicate one key-value pair, dedup keyed by id.
func (app *App) Put(key, value string, id uint64) (string, error) {
	result, err := app.server.Command(KvPut{Key: key, Value: value}, id, requestTimeout)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Get read one key through the leader lease or the log.
func (app *App) Get(key string) (string, error) {
	result, err := app.server.Query(key, requestTimeout)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Send implement raft.Transporter over the simulated network.
func (app *App) Send(to uint64, msg *raftpd.Message) error {
	data := pd.MustMarshal(msg)
	return app.handler.Call(int(to-1), data)
}

func (app *App) handleMessage(from int, data []byte) {
	server := app.server
	if server == nil {
		return
	}

	var msg raftpd.Message
	if !pd.MaybeUnmarshal(&msg, data) {
		log.Warnf("app %d drop undecodable message from %d", app.ID(), from)
		return
	}
	server.Step(&msg)
}

func init() {
	gob.Register(KvPut{})
	gob.Register("")
	gob.Register(map[string]string{})
}
