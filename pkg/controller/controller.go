// Package controller implements the Controller (spec §4.3): bridge and
// component bring-up, the heartbeat protocol, the liveness watcher, and
// cascaded shutdown. Grounded on the sequential-construction-with-
// error-wrapping shape of pkg/manager/manager.go's Bootstrap (build each
// dependency top to bottom, return early on error, store handles on the
// struct) and on the ticker-loop / heartbeat-timeout-detection idiom of
// pkg/reconciler/reconciler.go's reconcileNodes
// (`now.Sub(node.LastHeartbeat) > 30*time.Second`).
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/fabric"
	"github.com/radical-go/pilot/pkg/pipeline/executing"
	"github.com/radical-go/pilot/pkg/pipeline/scheduler"
	"github.com/radical-go/pilot/pkg/pipeline/stagingin"
	"github.com/radical-go/pilot/pkg/pipeline/stagingout"
	"github.com/radical-go/pilot/pkg/profile"
	"github.com/radical-go/pilot/pkg/rpclock"
	"github.com/radical-go/pilot/pkg/rpconfig"
	"github.com/radical-go/pilot/pkg/rpmetrics"
	"github.com/radical-go/pilot/pkg/staging"
	"github.com/radical-go/pilot/pkg/supervisor"
	"github.com/radical-go/pilot/pkg/unit"
)

// ControlMessage is the {cmd, arg} pair exchanged on CONTROL (spec §3/§6).
type ControlMessage struct {
	Cmd string          `json:"cmd"`
	Arg json.RawMessage `json:"arg"`
}

const (
	CmdAlive      = "alive"
	CmdFinal      = "final"
	CmdHeartbeat  = "heartbeat"
	CmdCancelUnit = "cancel_unit"
	CmdShutdown   = "shutdown"
)

// BridgeHandle is the runtime handle for one bridge instance plus its
// resolved addresses, merged into every component's configuration at
// bring-up (spec §4.3 "Bring-up ordering").
type BridgeHandle struct {
	Name    string
	Bridge  fabric.Bridge
	AddrIn  string
	AddrOut string
}

// ComponentRunner is anything the Controller brings up as an owned
// Component (spec §4.4's Base.Run satisfies this).
type ComponentRunner interface {
	Run(consumerAddr string, pollInterval time.Duration) error
	Stop()
}

// componentEntry is the Controller's bookkeeping for one brought-up
// Component. executing is set only for a KindExecuting component, giving
// the CONTROL dispatcher a direct handle to target a cancel_unit (spec
// Scenario C).
type componentEntry struct {
	runner    ComponentRunner
	executing *executing.Executing
}

// aliveGate is closed exactly once by the CONTROL dispatcher on receipt of
// the matching component's alive message, feeding Supervisor.SpawnProcess's
// aliveCh (spec §4.2/§4.3).
type aliveGate struct {
	ch   chan struct{}
	once sync.Once
}

func newAliveGate() *aliveGate {
	return &aliveGate{ch: make(chan struct{})}
}

func (g *aliveGate) fire() { g.once.Do(func() { close(g.ch) }) }

// Controller owns a subtree of Bridges and Components (spec §4.3).
type Controller struct {
	cfg    rpconfig.Config
	logger zerolog.Logger

	sup *supervisor.Supervisor

	mu         sync.Mutex
	bridges    map[string]*BridgeHandle
	components map[string]*componentEntry
	aliveGates map[string]*aliveGate
	clockInst  *rpclock.Clock

	// cancels is shared by every pipeline stage this Controller brings up,
	// so a cancel_unit observed by any component's owning stage is honored
	// wherever else the unit surfaces (spec §5).
	cancels *unit.CancelRegistry

	controlSub  *fabric.Subscriber
	controlStop chan struct{}
	controlWg   sync.WaitGroup

	isHeart   bool
	heartID   string
	heartPub  *fabric.Publisher
	heartStop chan struct{}
	heartWg   sync.WaitGroup

	firstDeath struct {
		mu   sync.Mutex
		name string
		err  error
	}

	stopOnce sync.Once
	stopErr  error
}

// New constructs a Controller from its configuration contract (spec §4.3).
func New(cfg rpconfig.Config, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		bridges:     make(map[string]*BridgeHandle),
		components:  make(map[string]*componentEntry),
		aliveGates:  make(map[string]*aliveGate),
		cancels:     unit.NewCancelRegistry(),
		controlStop: make(chan struct{}),
		heartStop:   make(chan struct{}),
	}
	c.sup = supervisor.New(logger, c.onSubordinateDeath)
	return c
}

// clock lazily constructs the shared Clock injected into every component's
// ProfileSink (spec §6/§9); NTP sync is best-effort and not itself
// configurable per-component.
func (c *Controller) clock() *rpclock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clockInst == nil {
		c.clockInst = rpclock.New("", time.Second)
	}
	return c.clockInst
}

// bringUpOrder returns bridge names in the order spec §4.3 requires:
// LOG_PUBSUB, then CONTROL_PUBSUB, then the rest in map iteration order
// (no further ordering constraint is stated for the remainder).
func (c *Controller) bringUpOrder() []string {
	order := []string{rpconfig.LogPubSub, rpconfig.ControlPubSub}
	seen := map[string]bool{rpconfig.LogPubSub: true, rpconfig.ControlPubSub: true}
	for name := range c.cfg.Bridges {
		if !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	return order
}

// StartBridges brings up every bridge not already externally addressed, in
// the order bringUpOrder prescribes, and records the resulting address map.
func (c *Controller) StartBridges() error {
	for _, name := range c.bringUpOrder() {
		entry, declared := c.cfg.Bridges[name]
		if !declared {
			continue
		}
		if entry.External() {
			c.mu.Lock()
			c.bridges[name] = &BridgeHandle{Name: name, AddrIn: entry.AddrIn, AddrOut: entry.AddrOut}
			c.mu.Unlock()
			continue
		}

		var b fabric.Bridge
		switch name {
		case rpconfig.LogPubSub, rpconfig.ControlPubSub:
			b = fabric.NewPubSub(name, c.logger)
		default:
			b = fabric.NewQueue(name, false, 1024, c.logger)
		}
		if err := b.Start(); err != nil {
			return fmt.Errorf("controller: start bridge %s: %w", name, err)
		}
		c.mu.Lock()
		c.bridges[name] = &BridgeHandle{Name: name, Bridge: b, AddrIn: b.AddrIn(), AddrOut: b.AddrOut()}
		c.mu.Unlock()
	}
	return nil
}

// Addresses returns the resolved address map merged into component configs.
func (c *Controller) Addresses() map[string]BridgeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]BridgeHandle, len(c.bridges))
	for k, v := range c.bridges {
		out[k] = *v
	}
	return out
}

// BecomeHeart starts publishing {cmd: heartbeat, arg: {sender}} on
// CONTROL_PUBSUB every HeartbeatInterval (spec §4.3). Called automatically
// by StartHeartbeatIfRoot when the config names no external heart and this
// controller started the control bridge.
func (c *Controller) BecomeHeart(id string) error {
	c.mu.Lock()
	bh, ok := c.bridges[rpconfig.ControlPubSub]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("controller: %s not started", rpconfig.ControlPubSub)
	}
	pub, err := fabric.DialPublisher(bh.AddrIn)
	if err != nil {
		return fmt.Errorf("controller: dial heart publisher: %w", err)
	}
	c.isHeart = true
	c.heartID = id
	c.heartPub = pub

	c.heartWg.Add(1)
	go c.heartbeatLoop()
	return nil
}

func (c *Controller) heartbeatLoop() {
	defer c.heartWg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-c.heartStop:
			return
		case <-ticker.C:
			now := time.Now()
			rpmetrics.HeartbeatLatency.WithLabelValues(c.heartID).Observe(now.Sub(last).Seconds())
			last = now
			arg, _ := json.Marshal(map[string]string{"sender": c.heartID})
			if err := c.heartPub.Publish("CONTROL", ControlMessage{Cmd: CmdHeartbeat, Arg: arg}); err != nil {
				c.logger.Warn().Err(err).Msg("failed to publish heartbeat")
			}
		}
	}
}

// StartHeartbeatIfRoot becomes the heart iff the config names none and this
// controller started the control bridge (spec §4.3 "heart... If absent and
// this controller starts the control bridge, the controller becomes the
// heart").
func (c *Controller) StartHeartbeatIfRoot() error {
	if c.cfg.Heart != "" {
		return nil
	}
	if c.cfg.Bridges[rpconfig.ControlPubSub].External() {
		return nil
	}
	return c.BecomeHeart(c.cfg.Owner)
}

// HeartbeatWatcher tracks the last-seen heartbeat timestamp for one
// subscriber and reports lapse (spec §4.3: "if the current time exceeds the
// last timestamp by more than heartbeat_timeout, the component performs an
// internal termination").
type HeartbeatWatcher struct {
	mu       sync.Mutex
	lastSeen time.Time
	timeout  time.Duration
}

// NewHeartbeatWatcher starts tracking from now.
func NewHeartbeatWatcher(timeout time.Duration) *HeartbeatWatcher {
	return &HeartbeatWatcher{lastSeen: time.Now(), timeout: timeout}
}

// Observe records a heartbeat receipt.
func (w *HeartbeatWatcher) Observe() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// Lapsed reports whether the timeout has been exceeded since the last
// observed heartbeat.
func (w *HeartbeatWatcher) Lapsed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen) > w.timeout
}

// WatchHeartbeat subscribes sub and self-terminates ctx's owner (via
// onLapse) the first time Lapsed() is observed true, polling at
// pollInterval (spec §4.3/§8 invariant 5: "every descendant exits within
// heartbeat_timeout + 2×poll_interval").
func WatchHeartbeat(ctx context.Context, sub *fabric.Subscriber, timeout, pollInterval time.Duration, onLapse func()) *HeartbeatWatcher {
	w := NewHeartbeatWatcher(timeout)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			env, err := sub.Recv(pollInterval)
			if err == nil && env.Topic == "CONTROL" {
				var msg ControlMessage
				if json.Unmarshal(env.Payload, &msg) == nil && msg.Cmd == CmdHeartbeat {
					w.Observe()
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.Lapsed() {
					onLapse()
					return
				}
			}
		}
	}()
	return w
}

// onSubordinateDeath implements spec §4.3's liveness watcher: "the first
// observed death triggers a controlled shutdown of the whole owned subtree
// and raises a fatal condition in the Controller's main scheduling unit."
func (c *Controller) onSubordinateDeath(h supervisor.Handle, err error) {
	c.reportFatal(h.ID(), err)
}

// reportFatal records the first fatal condition observed from any owned
// subordinate, whether detected by the Supervisor's liveness poll or
// reported directly via a `final` CONTROL message (spec §7), and cascades
// the Controller's own shutdown on the first occurrence.
func (c *Controller) reportFatal(name string, err error) {
	c.firstDeath.mu.Lock()
	first := c.firstDeath.name == ""
	if first {
		c.firstDeath.name = name
		c.firstDeath.err = err
	}
	c.firstDeath.mu.Unlock()
	if first {
		c.logger.Error().Str("component", name).Err(err).Msg("subordinate reported fatal; cascading shutdown")
		_ = c.Stop(c.cfg.TerminationBudget)
	}
}

// watchControl subscribes to CONTROL and dispatches alive/final/cancel_unit
// messages (spec §4.2/§4.3/§5/§7). Called once by StartComponents.
func (c *Controller) watchControl() error {
	bh, ok := c.Addresses()[rpconfig.ControlPubSub]
	if !ok {
		return fmt.Errorf("controller: %s not started", rpconfig.ControlPubSub)
	}
	sub, err := fabric.DialSubscriber(bh.AddrOut)
	if err != nil {
		return fmt.Errorf("controller: dial control subscriber: %w", err)
	}
	c.mu.Lock()
	c.controlSub = sub
	c.mu.Unlock()

	c.controlWg.Add(1)
	go func() {
		defer c.controlWg.Done()
		for {
			select {
			case <-c.controlStop:
				return
			default:
			}
			env, err := sub.Recv(time.Second)
			if err != nil || env.Topic != "CONTROL" {
				continue
			}
			var msg ControlMessage
			if json.Unmarshal(env.Payload, &msg) != nil {
				continue
			}
			c.handleControl(msg)
		}
	}()
	return nil
}

// handleControl dispatches one CONTROL message (spec §4.2/§4.3/§5/§7).
func (c *Controller) handleControl(msg ControlMessage) {
	switch msg.Cmd {
	case CmdAlive:
		var arg struct {
			Sender string `json:"sender"`
		}
		if json.Unmarshal(msg.Arg, &arg) != nil {
			return
		}
		c.mu.Lock()
		g := c.aliveGates[arg.Sender]
		c.mu.Unlock()
		if g != nil {
			g.fire()
		}

	case CmdFinal:
		var arg struct {
			Sender string `json:"sender"`
			Cause  string `json:"cause"`
		}
		if json.Unmarshal(msg.Arg, &arg) != nil {
			return
		}
		c.reportFatal(arg.Sender, fmt.Errorf("%s", arg.Cause))

	case CmdCancelUnit:
		var arg struct {
			UID string `json:"uid"`
		}
		if json.Unmarshal(msg.Arg, &arg) != nil {
			return
		}
		c.cancels.Mark(arg.UID)
		c.mu.Lock()
		entries := make([]*componentEntry, 0, len(c.components))
		for _, e := range c.components {
			entries = append(entries, e)
		}
		c.mu.Unlock()
		for _, e := range entries {
			if e.executing != nil {
				e.executing.CancelUnit(arg.UID)
			}
		}
	}
}

// StartComponents brings up every declared Component (spec §4.3): the
// resolved bridge address map is merged into each stage's own binding, the
// stage is wired to its input/output queues, and the resulting handle is
// spawned and watched via the Supervisor. Must run after StartBridges.
func (c *Controller) StartComponents() error {
	if len(c.cfg.Components) == 0 {
		return nil
	}
	if err := c.watchControl(); err != nil {
		return err
	}
	for _, spec := range c.cfg.Components {
		if err := c.startComponent(spec); err != nil {
			return fmt.Errorf("controller: start component %s: %w", spec.Name, err)
		}
	}
	return nil
}

func toSlots(specs []rpconfig.SlotSpec) []scheduler.Slot {
	slots := make([]scheduler.Slot, len(specs))
	for i, s := range specs {
		slots[i] = scheduler.Slot{ID: s.ID, Capacity: s.Capacity}
	}
	return slots
}

// startComponent brings up one declared Component, either as a separate OS
// process (spec.Process set) or as an in-process worker running one of the
// pipeline stage kinds (spec §3/§4.3).
func (c *Controller) startComponent(spec rpconfig.ComponentSpec) error {
	if spec.Process != nil {
		return c.startProcessComponent(spec)
	}
	return c.startWorkerComponent(spec)
}

// startProcessComponent spawns spec as a separate OS process, merging the
// resolved bridge address map into its environment (spec §4.2/§4.3: "the
// resulting address map … merged into every component's configuration
// before the component is started").
func (c *Controller) startProcessComponent(spec rpconfig.ComponentSpec) error {
	addrJSON, err := json.Marshal(c.Addresses())
	if err != nil {
		return fmt.Errorf("controller: marshal addresses for %s: %w", spec.Name, err)
	}
	env := append(append([]string{}, spec.Process.Env...),
		"RADICAL_PILOT_ADDRESSES="+string(addrJSON),
		"RADICAL_PILOT_COMPONENT="+spec.Name,
	)

	gate := newAliveGate()
	c.mu.Lock()
	c.aliveGates[spec.Name] = gate
	c.mu.Unlock()

	h, err := c.sup.SpawnProcess(supervisor.ProcessDescriptor{
		Name: spec.Name,
		Path: spec.Process.Path,
		Args: spec.Process.Args,
		Env:  env,
	}, gate.ch, c.cfg.StartupTimeout)
	if err != nil {
		c.mu.Lock()
		delete(c.aliveGates, spec.Name)
		c.mu.Unlock()
		return fmt.Errorf("controller: spawn process %s: %w", spec.Name, err)
	}
	c.sup.Watch(h, 100*time.Millisecond)
	return nil
}

// startWorkerComponent constructs the pipeline stage named by spec.Kind,
// wires its queue bindings from the resolved address map, and spawns it as
// an in-process Supervisor worker (spec §4.3/§4.5).
func (c *Controller) startWorkerComponent(spec rpconfig.ComponentSpec) error {
	addrs := c.Addresses()

	controlBH, ok := addrs[rpconfig.ControlPubSub]
	if !ok {
		return fmt.Errorf("controller: %s not started", rpconfig.ControlPubSub)
	}

	base := component.NewBase(context.Background(), spec.Name, component.Kind(spec.Kind),
		c.logger.With().Str("component", spec.Name).Logger())

	if err := base.RegisterPublisher("STATE", controlBH.AddrIn); err != nil {
		return err
	}
	if err := base.RegisterPublisher("CONTROL", controlBH.AddrIn); err != nil {
		return err
	}

	if spec.ProfileDir != "" {
		sink, err := profile.New(spec.ProfileDir, spec.Name, spec.Name, c.clock())
		if err != nil {
			return fmt.Errorf("controller: profile sink for %s: %w", spec.Name, err)
		}
		base.Profile = sink
	}

	var consumerAddr string
	if spec.InputQueue != "" {
		bh, ok := addrs[spec.InputQueue]
		if !ok {
			return fmt.Errorf("controller: component %s: input queue %s not started", spec.Name, spec.InputQueue)
		}
		consumerAddr = bh.AddrOut
	}
	var outputAddrIn string
	if spec.OutputQueue != "" {
		bh, ok := addrs[spec.OutputQueue]
		if !ok {
			return fmt.Errorf("controller: component %s: output queue %s not started", spec.Name, spec.OutputQueue)
		}
		outputAddrIn = bh.AddrIn
	}

	entry := &componentEntry{runner: base}
	proc := staging.NewProcessor(c.cfg.StagingScheme, spec.Name, staging.NullBackend{})

	switch component.Kind(spec.Kind) {
	case component.KindStagingInputClient, component.KindStagingInputAgent:
		variant, pending := stagingin.Client, unit.UmgrStagingInputPending
		if component.Kind(spec.Kind) == component.KindStagingInputAgent {
			variant, pending = stagingin.Agent, unit.AgentStagingInputPending
		}
		stage := stagingin.New(base, variant, pending, proc)
		stage.Cancels = c.cancels
		if err := base.RegisterInput(pending, spec.InputQueue, stage.Handle); err != nil {
			return err
		}
		if outputAddrIn != "" {
			base.RegisterOutput(stage.NextState(), spec.OutputQueue)
			if err := base.BindOutputQueue(spec.OutputQueue, outputAddrIn); err != nil {
				return err
			}
		}

	case component.KindScheduler:
		pool := scheduler.NewPool(toSlots(spec.Slots))
		stage := scheduler.New(base, pool)
		stage.Cancels = c.cancels
		if err := base.RegisterInput(unit.AllocatingPending, spec.InputQueue, stage.Handle); err != nil {
			return err
		}
		if outputAddrIn != "" {
			base.RegisterOutput(unit.ExecutingPending, spec.OutputQueue)
			if err := base.BindOutputQueue(spec.OutputQueue, outputAddrIn); err != nil {
				return err
			}
		}

	case component.KindExecuting:
		backend := executing.OSExecBackend{KillGrace: spec.KillGrace}
		stage := executing.New(base, backend)
		stage.Cancels = c.cancels
		if err := base.RegisterInput(unit.ExecutingPending, spec.InputQueue, stage.Handle); err != nil {
			return err
		}
		if outputAddrIn != "" {
			base.RegisterOutput(unit.AgentStagingOutPending, spec.OutputQueue)
			if err := base.BindOutputQueue(spec.OutputQueue, outputAddrIn); err != nil {
				return err
			}
		}
		entry.executing = stage

	case component.KindStagingOutputClient, component.KindStagingOutputAgent:
		variant, pending := "client", unit.UmgrStagingOutPending
		if component.Kind(spec.Kind) == component.KindStagingOutputAgent {
			variant, pending = "agent", unit.AgentStagingOutPending
		}
		stage := stagingout.New(base, variant, pending, proc)
		stage.Cancels = c.cancels
		if err := base.RegisterInput(pending, spec.InputQueue, stage.Handle); err != nil {
			return err
		}
		if outputAddrIn != "" {
			base.RegisterOutput(stage.NextState(), spec.OutputQueue)
			if err := base.BindOutputQueue(spec.OutputQueue, outputAddrIn); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("controller: component %s: unknown kind %q", spec.Name, spec.Kind)
	}

	c.mu.Lock()
	c.components[spec.Name] = entry
	c.mu.Unlock()

	pollInterval := time.Second
	h := c.sup.SpawnWorker(context.Background(), supervisor.WorkerDescriptor{
		Name: spec.Name,
		Run: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				base.Stop()
			}()
			return base.Run(consumerAddr, pollInterval)
		},
	})
	c.sup.Watch(h, 100*time.Millisecond)
	return nil
}

// FirstDeath reports which owned subordinate died first, for the
// diagnostic summary on exit (spec §7).
func (c *Controller) FirstDeath() (name string, err error) {
	c.firstDeath.mu.Lock()
	defer c.firstDeath.mu.Unlock()
	return c.firstDeath.name, c.firstDeath.err
}

// Supervisor exposes the owned Supervisor so callers can spawn/watch
// components (spec §4.2 operations live there; the Controller only
// sequences bring-up and shutdown around it).
func (c *Controller) Supervisor() *supervisor.Supervisor { return c.sup }

// Stop runs the cascaded shutdown: terminate every owned component/process
// via the Supervisor, then tear bridges down last (spec §4.2 step 5: "so
// terminating components can still publish final control messages").
func (c *Controller) Stop(timeout time.Duration) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stopOnceImpl(timeout)
	})
	return c.stopErr
}

func (c *Controller) stopOnceImpl(timeout time.Duration) error {
	timer := rpmetrics.NewTimer(rpmetrics.TerminationDuration.WithLabelValues(c.cfg.Owner))
	defer timer.ObserveDuration()

	close(c.heartStop)
	c.heartWg.Wait()

	c.mu.Lock()
	sub := c.controlSub
	c.mu.Unlock()
	if sub != nil {
		close(c.controlStop)
		c.controlWg.Wait()
		_ = sub.Close()
	}

	err := c.sup.TerminateAll(timeout)

	// Belt-and-suspenders: TerminateAll already cancels each worker's
	// context, but every brought-up component is stopped explicitly through
	// the ComponentRunner interface too, since Stop is idempotent.
	c.mu.Lock()
	runners := make([]ComponentRunner, 0, len(c.components))
	for _, e := range c.components {
		runners = append(runners, e.runner)
	}
	c.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}

	c.mu.Lock()
	bridges := make([]*BridgeHandle, 0, len(c.bridges))
	for _, b := range c.bridges {
		bridges = append(bridges, b)
	}
	c.mu.Unlock()

	for _, bh := range bridges {
		if bh.Bridge != nil {
			_ = bh.Bridge.Stop()
		}
	}
	for _, bh := range bridges {
		if bh.Bridge != nil {
			_ = bh.Bridge.Join(timeout)
		}
	}
	return err
}
