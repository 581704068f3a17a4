package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/radical-go/pilot/pkg/fabric"
	"github.com/radical-go/pilot/pkg/rpconfig"
	"github.com/radical-go/pilot/pkg/unit"
)

func testConfig() rpconfig.Config {
	cfg := rpconfig.Default()
	cfg.Owner = "pmgr.0000"
	cfg.Bridges[rpconfig.LogPubSub] = rpconfig.BridgeEntry{}
	cfg.Bridges[rpconfig.ControlPubSub] = rpconfig.BridgeEntry{}
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.TerminationBudget = 2 * time.Second
	return cfg
}

func TestStartBridgesBindsLogAndControlFirst(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	require.NoError(t, c.StartBridges())

	addrs := c.Addresses()
	require.Contains(t, addrs, rpconfig.LogPubSub)
	require.Contains(t, addrs, rpconfig.ControlPubSub)
	require.NotEmpty(t, addrs[rpconfig.LogPubSub].AddrIn)
	require.NotEmpty(t, addrs[rpconfig.ControlPubSub].AddrIn)

	require.NoError(t, c.Stop(time.Second))
}

func TestBecomesHeartWhenNoneConfigured(t *testing.T) {
	cfg := testConfig()
	c := New(cfg, zerolog.Nop())
	require.NoError(t, c.StartBridges())
	require.NoError(t, c.StartHeartbeatIfRoot())
	require.True(t, c.isHeart)
	require.NoError(t, c.Stop(time.Second))
}

func TestHeartbeatWatcherLapseTriggersOnLapse(t *testing.T) {
	cfg := testConfig()
	c := New(cfg, zerolog.Nop())
	require.NoError(t, c.StartBridges())
	require.NoError(t, c.StartHeartbeatIfRoot())

	bh := c.Addresses()[rpconfig.ControlPubSub]
	sub, err := fabric.DialSubscriber(bh.AddrOut)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lapsed := make(chan struct{}, 1)
	WatchHeartbeat(ctx, sub, 80*time.Millisecond, 10*time.Millisecond, func() {
		select {
		case lapsed <- struct{}{}:
		default:
		}
	})

	// Observe at least one real heartbeat first.
	time.Sleep(100 * time.Millisecond)

	// Now stop the heart (via the public API, once) so heartbeats lapse.
	require.NoError(t, c.Stop(time.Second))

	select {
	case <-lapsed:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat lapse was never observed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	require.NoError(t, c.StartBridges())
	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
}

// pipelineTestConfig declares the four queue bridges and the four pipeline
// stages spanning the canonical Controller -> StagingInput -> Scheduler ->
// Executing -> StagingOutput tree (spec §4.3/§4.5).
func pipelineTestConfig() rpconfig.Config {
	cfg := testConfig()
	cfg.Bridges["INGRESS_Q"] = rpconfig.BridgeEntry{}
	cfg.Bridges["ALLOC_Q"] = rpconfig.BridgeEntry{}
	cfg.Bridges["EXEC_Q"] = rpconfig.BridgeEntry{}
	cfg.Bridges["OUT_Q"] = rpconfig.BridgeEntry{}
	cfg.Components = []rpconfig.ComponentSpec{
		{Name: "stagingin.0000", Kind: "StagingInput.client", InputQueue: "INGRESS_Q", OutputQueue: "ALLOC_Q"},
		{
			Name: "scheduler.0000", Kind: "Scheduler", InputQueue: "ALLOC_Q", OutputQueue: "EXEC_Q",
			Slots: []rpconfig.SlotSpec{{ID: "slot.0", Capacity: 1}},
		},
		{Name: "executing.0000", Kind: "Executing", InputQueue: "EXEC_Q", OutputQueue: "OUT_Q", KillGrace: 200 * time.Millisecond},
		{Name: "stagingout.0000", Kind: "StagingOutput.agent", InputQueue: "OUT_Q"},
	}
	return cfg
}

// awaitUnitState drains STATE envelopes from sub until uid reaches want or
// the deadline elapses.
func awaitUnitState(t *testing.T, sub *fabric.Subscriber, uid string, want unit.State, within time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		env, err := sub.Recv(200 * time.Millisecond)
		if err != nil || env.Topic != "STATE" {
			continue
		}
		var seen unit.Unit
		if json.Unmarshal(env.Payload, &seen) != nil || seen.UID != uid {
			continue
		}
		if seen.State == want {
			return true
		}
	}
	return false
}

func TestStartComponentsAssemblesFullPipeline(t *testing.T) {
	c := New(pipelineTestConfig(), zerolog.Nop())
	require.NoError(t, c.StartBridges())
	require.NoError(t, c.StartComponents())
	defer c.Stop(2 * time.Second)

	stateSub, err := fabric.DialSubscriber(c.Addresses()[rpconfig.ControlPubSub].AddrOut)
	require.NoError(t, err)

	producer, err := fabric.DialQueueProducer(c.Addresses()["INGRESS_Q"].AddrIn)
	require.NoError(t, err)
	defer producer.Close()

	u := unit.New(unit.Description{Executable: "/bin/true"})
	require.NoError(t, producer.Put(u))

	require.True(t, awaitUnitState(t, stateSub, u.UID, unit.Done, 5*time.Second),
		"unit never reached DONE through the assembled pipeline")
}

func TestCancelUnitKillsRunningProcessAndAdvancesToCanceled(t *testing.T) {
	c := New(pipelineTestConfig(), zerolog.Nop())
	require.NoError(t, c.StartBridges())
	require.NoError(t, c.StartComponents())
	defer c.Stop(2 * time.Second)

	stateSub, err := fabric.DialSubscriber(c.Addresses()[rpconfig.ControlPubSub].AddrOut)
	require.NoError(t, err)
	ctrlPub, err := fabric.DialPublisher(c.Addresses()[rpconfig.ControlPubSub].AddrIn)
	require.NoError(t, err)

	producer, err := fabric.DialQueueProducer(c.Addresses()["INGRESS_Q"].AddrIn)
	require.NoError(t, err)
	defer producer.Close()

	u := unit.New(unit.Description{Executable: "/bin/sleep", Arguments: []string{"60"}})
	require.NoError(t, producer.Put(u))

	time.Sleep(300 * time.Millisecond) // let the unit reach EXECUTING

	arg, _ := json.Marshal(map[string]string{"uid": u.UID})
	require.NoError(t, ctrlPub.Publish("CONTROL", ControlMessage{Cmd: CmdCancelUnit, Arg: arg}))

	require.True(t, awaitUnitState(t, stateSub, u.UID, unit.Canceled, 5*time.Second),
		"unit never reached CANCELED after a targeted cancel_unit (spec Scenario C)")
}

func TestHandleControlFiresAliveGate(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	gate := newAliveGate()
	c.aliveGates["proc.0000"] = gate

	arg, _ := json.Marshal(map[string]string{"sender": "proc.0000"})
	c.handleControl(ControlMessage{Cmd: CmdAlive, Arg: arg})

	select {
	case <-gate.ch:
	default:
		t.Fatal("alive gate was not fired")
	}
}

func TestHandleControlFinalCascadesShutdown(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	require.NoError(t, c.StartBridges())
	defer c.Stop(time.Second)

	arg, _ := json.Marshal(map[string]string{"sender": "agent.0000", "cause": "dial failure"})
	c.handleControl(ControlMessage{Cmd: CmdFinal, Arg: arg})

	name, err := c.FirstDeath()
	require.Equal(t, "agent.0000", name)
	require.EqualError(t, err, "dial failure")
}
