// Package component implements the Component base (spec §4.4): the shared
// pull/push, state-advance, subscription and publish machinery every stage
// component inherits. Grounded on the ticker+select+stopCh pull-loop shape
// of pkg/worker/worker.go's containerExecutorLoop/heartbeatLoop.
package component

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-go/pilot/pkg/fabric"
	"github.com/radical-go/pilot/pkg/profile"
	"github.com/radical-go/pilot/pkg/rpmetrics"
	"github.com/radical-go/pilot/pkg/unit"
)

// controlEnvelope is the wire shape of a CONTROL message ({cmd, arg}),
// duplicated from pkg/controller.ControlMessage to avoid an import cycle
// (controller depends on component, not the reverse); the two decode
// interchangeably since both are plain {cmd,arg} JSON (spec §3/§6).
type controlEnvelope struct {
	Cmd string          `json:"cmd"`
	Arg json.RawMessage `json:"arg"`
}

// Kind names a component kind (spec §3 Component descriptor).
type Kind string

const (
	KindUpdateWorker        Kind = "UpdateWorker"
	KindLaunching           Kind = "Launching"
	KindStagingInputClient  Kind = "StagingInput.client"
	KindStagingInputAgent   Kind = "StagingInput.agent"
	KindStagingOutputClient Kind = "StagingOutput.client"
	KindStagingOutputAgent  Kind = "StagingOutput.agent"
	KindScheduler           Kind = "Scheduler"
	KindExecuting           Kind = "Executing"
)

// Status is the component lifecycle state (spec §3).
type Status string

const (
	StatusInit     Status = "INIT"
	StatusAlive    Status = "ALIVE"
	StatusDraining Status = "DRAINING"
	StatusDead     Status = "DEAD"
)

// Handler processes one pulled message: either a single unit or a bulk list
// (spec §4.4: "implementations must tolerate both").
type Handler func(units []*unit.Unit) error

// Hooks are the four lifecycle callbacks invoked exactly once each under
// normal operation (spec §4.4).
type Hooks struct {
	Initialize      func() error
	InitializeChild func() error
	FinalizeChild   func() error
	Finalize        func() error
}

// outputBinding routes units reaching State to a named queue (or drop if
// Queue == "").
type outputBinding struct {
	state unit.State
	queue string
}

// Base implements the Component base. Embed it in every staged-pipeline
// component.
type Base struct {
	Name   string
	Kind   Kind
	Logger zerolog.Logger

	// Profile optionally records state-transition events, injected into
	// every component via its configuration (spec §9). A nil Profile is a
	// silent no-op.
	Profile *profile.Sink

	mu       sync.RWMutex
	status   Status
	inputQ   string
	handler  Handler
	handlerS unit.State
	outputs  []outputBinding
	pub      map[string]*fabric.Publisher
	subs     map[string]*fabric.Subscriber

	hooks Hooks

	queueProducers map[string]*fabric.QueueProducer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBase constructs a Component base in status INIT.
func NewBase(parent context.Context, name string, kind Kind, logger zerolog.Logger) *Base {
	ctx, cancel := context.WithCancel(parent)
	return &Base{
		Name:           name,
		Kind:           kind,
		Logger:         logger,
		status:         StatusInit,
		pub:            make(map[string]*fabric.Publisher),
		subs:           make(map[string]*fabric.Subscriber),
		queueProducers: make(map[string]*fabric.QueueProducer),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// RegisterInput binds handler to messages pulled from queueName when the
// component reaches state. Only one input binding is permitted (spec §4.4).
func (b *Base) RegisterInput(state unit.State, queueName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputQ != "" {
		return fmt.Errorf("component %s: input already registered", b.Name)
	}
	b.inputQ = queueName
	b.handler = handler
	b.handlerS = state
	return nil
}

// RegisterOutput declares the next-stage queue for units reaching state. An
// empty queueName means "drop" (spec §4.4).
func (b *Base) RegisterOutput(state unit.State, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, outputBinding{state: state, queue: queueName})
}

// RegisterPublisher opens a Publisher client against an already-started
// PubSub bridge's ingress address.
func (b *Base) RegisterPublisher(topic, pubsubAddrIn string) error {
	p, err := fabric.DialPublisher(pubsubAddrIn)
	if err != nil {
		return fmt.Errorf("component %s: register publisher %s: %w", b.Name, topic, err)
	}
	b.mu.Lock()
	b.pub[topic] = p
	b.mu.Unlock()
	return nil
}

// Publish sends message on topic via a previously registered publisher.
func (b *Base) Publish(topic string, message any) error {
	b.mu.RLock()
	p, ok := b.pub[topic]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("component %s: publisher for %s not registered", b.Name, topic)
	}
	return p.Publish(topic, message)
}

// RegisterSubscriber opens a Subscriber against a PubSub bridge's egress
// address and starts a goroutine delivering messages to handler until the
// component is terminated.
func (b *Base) RegisterSubscriber(topic, pubsubAddrOut string, handler func(fabric.Envelope)) error {
	s, err := fabric.DialSubscriber(pubsubAddrOut)
	if err != nil {
		return fmt.Errorf("component %s: register subscriber %s: %w", b.Name, topic, err)
	}
	b.mu.Lock()
	b.subs[topic] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			env, err := s.Recv(time.Second)
			if err != nil {
				select {
				case <-b.ctx.Done():
					return
				default:
					continue
				}
			}
			handler(env)
		}
	}()
	return nil
}

// registerOutputProducer lazily dials a QueueProducer for queueName.
func (b *Base) registerOutputProducer(queueName, addrIn string) (*fabric.QueueProducer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.queueProducers[queueName]; ok {
		return p, nil
	}
	p, err := fabric.DialQueueProducer(addrIn)
	if err != nil {
		return nil, err
	}
	b.queueProducers[queueName] = p
	return p, nil
}

// BindOutputQueue associates a logical output queue name with its bridge
// ingress address, so Advance can push to it.
func (b *Base) BindOutputQueue(queueName, addrIn string) error {
	_, err := b.registerOutputProducer(queueName, addrIn)
	return err
}

// Advance is the central transition primitive (spec §4.4). publishTopic
// is typically "STATE". If push is requested and a registered output
// binding matches the unit's (possibly just-set) state, the unit is
// enqueued on that binding's queue. Terminal states force push=false,
// collapsing per spec §4.5's edge cases.
func (b *Base) Advance(units []*unit.Unit, newState unit.State, hasNewState, publish, push bool) error {
	for _, u := range units {
		prevState := u.State
		changed := true
		if hasNewState {
			changed = u.AdvanceState(newState)
		}
		if changed {
			if prevState != "" {
				rpmetrics.UnitsByState.WithLabelValues(string(prevState)).Dec()
			}
			rpmetrics.UnitsByState.WithLabelValues(string(u.State)).Inc()
			if b.Profile != nil {
				_ = b.Profile.Record("advance", u.UID, string(u.State), "")
			}
		}
		if publish && changed {
			if err := b.Publish("STATE", u); err != nil {
				b.Logger.Warn().Err(err).Str("uid", u.UID).Msg("failed to publish state")
			}
		}
		effectivePush := push
		if unit.Terminal(u.State) {
			effectivePush = false
		}
		if effectivePush {
			if err := b.pushOne(u); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Base) pushOne(u *unit.Unit) error {
	b.mu.RLock()
	var queueName string
	found := false
	for _, ob := range b.outputs {
		if ob.state == u.State {
			queueName = ob.queue
			found = true
			break
		}
	}
	producers := b.queueProducers
	b.mu.RUnlock()

	if !found || queueName == "" {
		return nil // no binding, or explicit drop (spec §4.4, §8 invariant 8)
	}
	p, ok := producers[queueName]
	if !ok {
		return fmt.Errorf("component %s: output queue %s not bound", b.Name, queueName)
	}
	return p.Put(u)
}

// PublishAlive publishes {cmd: alive, arg: {sender}} on CONTROL once the
// component reaches ALIVE, feeding a Supervisor.SpawnProcess aliveCh or a
// Controller's own startup gate for an in-process worker (spec §4.2/§4.3).
// A no-op if no CONTROL publisher was registered.
func (b *Base) PublishAlive() {
	arg, _ := json.Marshal(map[string]string{"sender": b.Name})
	_ = b.Publish("CONTROL", controlEnvelope{Cmd: "alive", Arg: arg})
}

// PublishFinal publishes {cmd: final, arg: {sender, cause}} on CONTROL,
// reporting a component-internal fatal condition upward so the owning
// Controller can cascade a shutdown (spec §7).
func (b *Base) PublishFinal(cause string) {
	arg, _ := json.Marshal(map[string]string{"sender": b.Name, "cause": cause})
	_ = b.Publish("CONTROL", controlEnvelope{Cmd: "final", Arg: arg})
}

// Context returns the component's cancellation context, observed by every
// suspension point as the thread-termination latch (spec §4.2/§5).
func (b *Base) Context() context.Context { return b.ctx }

// Status returns the current lifecycle status.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// SetHooks installs the four lifecycle hooks.
func (b *Base) SetHooks(h Hooks) { b.hooks = h }

// Run executes the full component lifecycle: initialize, initialize_child,
// pull-loop against the registered input queue until canceled, finalize_child,
// finalize (spec §4.4 "invoked exactly once in that order").
func (b *Base) Run(consumerAddr string, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second // spec §5: handlers poll at <=1s interval
	}
	if b.hooks.Initialize != nil {
		if err := b.hooks.Initialize(); err != nil {
			return fmt.Errorf("component %s: initialize: %w", b.Name, err)
		}
	}
	if b.hooks.InitializeChild != nil {
		if err := b.hooks.InitializeChild(); err != nil {
			return fmt.Errorf("component %s: initialize_child: %w", b.Name, err)
		}
	}
	b.setStatus(StatusAlive)
	b.PublishAlive()

	var fatal error
	if b.inputQ != "" && consumerAddr != "" {
		if err := b.pullLoop(consumerAddr, pollInterval); err != nil {
			b.Logger.Warn().Err(err).Msg("pull loop exited")
			fatal = err
		}
	} else {
		<-b.ctx.Done()
	}

	b.setStatus(StatusDraining)
	b.wg.Wait()

	if b.hooks.FinalizeChild != nil {
		if err := b.hooks.FinalizeChild(); err != nil {
			b.Logger.Warn().Err(err).Msg("finalize_child failed")
			if fatal == nil {
				fatal = err
			}
		}
	}
	if b.hooks.Finalize != nil {
		if err := b.hooks.Finalize(); err != nil {
			b.Logger.Warn().Err(err).Msg("finalize failed")
			if fatal == nil {
				fatal = err
			}
		}
	}
	if fatal != nil {
		b.PublishFinal(fatal.Error())
	}
	if b.Profile != nil {
		_ = b.Profile.Close()
	}
	b.setStatus(StatusDead)
	return fatal
}

func (b *Base) pullLoop(consumerAddr string, pollInterval time.Duration) error {
	consumer, err := fabric.DialQueueConsumer(consumerAddr)
	if err != nil {
		return fmt.Errorf("component %s: dial input queue: %w", b.Name, err)
	}
	defer consumer.Close()

	for {
		select {
		case <-b.ctx.Done():
			return nil
		default:
		}
		env, err := consumer.Get(pollInterval)
		if err != nil {
			continue // timeout or transient read error: reloop and re-check latch
		}
		var u unit.Unit
		if uerr := unmarshalUnit(env, &u); uerr != nil {
			b.Logger.Warn().Err(uerr).Msg("dropping malformed unit message")
			continue
		}
		if b.handler != nil {
			if herr := b.handler([]*unit.Unit{&u}); herr != nil {
				b.Logger.Warn().Err(herr).Str("uid", u.UID).Msg("handler error")
			}
		}
	}
}

// Stop cancels the component's context, releasing every suspension point.
func (b *Base) Stop() {
	b.cancel()
}
