package component

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/radical-go/pilot/pkg/fabric"
	"github.com/radical-go/pilot/pkg/profile"
	"github.com/radical-go/pilot/pkg/rpclock"
	"github.com/radical-go/pilot/pkg/unit"
)

func TestAdvancePublishesOnChangeAndPushesToBoundOutput(t *testing.T) {
	logger := zerolog.Nop()

	pubsub := fabric.NewPubSub("CONTROL_PUBSUB", logger)
	require.NoError(t, pubsub.Start())
	defer pubsub.Stop()

	sub, err := fabric.DialSubscriber(pubsub.AddrOut())
	require.NoError(t, err)

	out := fabric.NewQueue("OUT_Q", false, 8, logger)
	require.NoError(t, out.Start())
	defer out.Stop()

	b := NewBase(context.Background(), "test.0000", KindScheduler, logger)
	require.NoError(t, b.RegisterPublisher("STATE", pubsub.AddrIn()))
	b.RegisterOutput(unit.ExecutingPending, "OUT_Q")
	require.NoError(t, b.BindOutputQueue("OUT_Q", out.AddrIn()))

	// Give the publisher's TCP handshake a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)

	u := unit.New(unit.Description{Executable: "/bin/true"})
	require.NoError(t, b.Advance([]*unit.Unit{u}, unit.ExecutingPending, true, true, true))

	env, err := sub.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "STATE", env.Topic)

	consumer, err := fabric.DialQueueConsumer(out.AddrOut())
	require.NoError(t, err)
	pushedEnv, err := consumer.Get(time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, pushedEnv.Payload)
}

func TestAdvanceForcesNoPushOnTerminalState(t *testing.T) {
	logger := zerolog.Nop()
	out := fabric.NewQueue("OUT_Q", false, 8, logger)
	require.NoError(t, out.Start())
	defer out.Stop()

	b := NewBase(context.Background(), "test.0001", KindExecuting, logger)
	b.RegisterOutput(unit.Done, "OUT_Q")
	require.NoError(t, b.BindOutputQueue("OUT_Q", out.AddrIn()))

	u := unit.New(unit.Description{Executable: "/bin/true"})
	require.NoError(t, b.Advance([]*unit.Unit{u}, unit.Done, true, false, true))

	consumer, err := fabric.DialQueueConsumer(out.AddrOut())
	require.NoError(t, err)
	_, err = consumer.Get(100 * time.Millisecond)
	require.Error(t, err, "terminal states must never be pushed downstream")
}

func TestAdvanceRecordsProfileEventOnTransition(t *testing.T) {
	t.Setenv("RADICAL_PILOT_PROFILE", "1")
	dir := t.TempDir()
	clock := rpclock.New("", time.Second)
	sink, err := profile.New(dir, "test.0003", "test.0003", clock)
	require.NoError(t, err)
	require.True(t, sink.Enabled())

	b := NewBase(context.Background(), "test.0003", KindExecuting, zerolog.Nop())
	b.Profile = sink

	u := unit.New(unit.Description{Executable: "/bin/true"})
	require.NoError(t, b.Advance([]*unit.Unit{u}, unit.Executing, true, false, false))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "test.0003.prof"))
	require.NoError(t, err)
	require.Contains(t, string(data), ",advance,")
	require.Contains(t, string(data), u.UID)
	require.Contains(t, string(data), ",QED,")
}

func TestRunPublishesAliveAndFinalOnFatal(t *testing.T) {
	logger := zerolog.Nop()
	pubsub := fabric.NewPubSub("CONTROL_PUBSUB", logger)
	require.NoError(t, pubsub.Start())
	defer pubsub.Stop()

	sub, err := fabric.DialSubscriber(pubsub.AddrOut())
	require.NoError(t, err)

	b := NewBase(context.Background(), "test.0004", KindExecuting, logger)
	require.NoError(t, b.RegisterPublisher("CONTROL", pubsub.AddrIn()))
	time.Sleep(50 * time.Millisecond)

	wantErr := fmt.Errorf("boom")
	b.SetHooks(Hooks{
		Finalize: func() error { return wantErr },
	})

	done := make(chan error, 1)
	go func() { done <- b.Run("", time.Millisecond) }()

	var aliveSeen, finalSeen bool
	var finalCause string
	deadline := time.Now().Add(2 * time.Second)
	for (!aliveSeen || !finalSeen) && time.Now().Before(deadline) {
		env, err := sub.Recv(200 * time.Millisecond)
		if err != nil || env.Topic != "CONTROL" {
			continue
		}
		var msg struct {
			Cmd string `json:"cmd"`
			Arg struct {
				Sender string `json:"sender"`
				Cause  string `json:"cause"`
			} `json:"arg"`
		}
		if json.Unmarshal(env.Payload, &msg) != nil {
			continue
		}
		switch msg.Cmd {
		case "alive":
			aliveSeen = true
			b.Stop()
		case "final":
			finalSeen = true
			finalCause = msg.Arg.Cause
		}
	}
	require.True(t, aliveSeen, "component never published alive")
	require.True(t, finalSeen, "component never published final on fatal finalize error")
	require.Equal(t, wantErr.Error(), finalCause)

	err = <-done
	require.EqualError(t, err, "boom")
}

func TestLifecycleHooksRunInOrder(t *testing.T) {
	logger := zerolog.Nop()
	b := NewBase(context.Background(), "test.0002", KindLaunching, logger)

	var order []string
	b.SetHooks(Hooks{
		Initialize:      func() error { order = append(order, "initialize"); return nil },
		InitializeChild: func() error { order = append(order, "initialize_child"); return nil },
		FinalizeChild:   func() error { order = append(order, "finalize_child"); return nil },
		Finalize:        func() error { order = append(order, "finalize"); return nil },
	})

	done := make(chan error, 1)
	go func() { done <- b.Run("", time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatusAlive, b.Status())
	b.Stop()

	require.NoError(t, <-done)
	require.Equal(t, []string{"initialize", "initialize_child", "finalize_child", "finalize"}, order)
	require.Equal(t, StatusDead, b.Status())
}
