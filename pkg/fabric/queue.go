package fabric

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-go/pilot/pkg/rpmetrics"
)

// Queue is a fan-in bridge: many producers enqueue, and each message goes to
// one consumer (spec §4.1).
// Delivery is at-most-once, FIFO per producer, not globally ordered across
// producers. A bounded internal buffer drops the oldest message only when
// Lossy is set; otherwise producers block.
type Queue struct {
	Name   string
	Lossy  bool
	Buffer int // capacity of the internal bounded buffer, default 1024

	logger zerolog.Logger

	lnIn, lnOut     net.Listener
	addrIn, addrOut string

	buf chan Envelope

	inConns, outConns *connSet
	stopCh            chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup

	mu      sync.Mutex
	dead    error
	drops   uint64
}

// NewQueue constructs a Queue bridge. logger tags records with the bridge's
// name, matching the Logger capability's WithBridge child logger.
func NewQueue(name string, lossy bool, buffer int, logger zerolog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{
		Name:      name,
		Lossy:     lossy,
		Buffer:    buffer,
		logger:    logger,
		inConns:   newConnSet(),
		outConns:  newConnSet(),
		stopCh:    make(chan struct{}),
		buf:       make(chan Envelope, buffer),
	}
}

// Start binds both endpoints and blocks until both are bound (spec §4.1).
func (q *Queue) Start() error {
	lnIn, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("fabric: queue %s: listen in: %w", q.Name, err)
	}
	lnOut, err := net.Listen("tcp", ":0")
	if err != nil {
		lnIn.Close()
		return fmt.Errorf("fabric: queue %s: listen out: %w", q.Name, err)
	}
	q.lnIn, q.lnOut = lnIn, lnOut
	q.addrIn = rewriteEgress(lnIn.Addr())
	q.addrOut = rewriteEgress(lnOut.Addr())

	q.wg.Add(2)
	go q.acceptLoop(lnIn, q.handleProducer, q.inConns)
	go q.acceptLoop(lnOut, q.handleConsumer, q.outConns)

	q.logger.Info().Str("bridge", q.Name).Str("addr_in", q.addrIn).Str("addr_out", q.addrOut).Msg("queue bridge started")
	return nil
}

func (q *Queue) AddrIn() string  { return q.addrIn }
func (q *Queue) AddrOut() string { return q.addrOut }

func (q *Queue) acceptLoop(ln net.Listener, handle func(net.Conn), set *connSet) {
	defer q.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-q.stopCh:
				return
			default:
				q.markDead(fmt.Errorf("fabric: queue %s: accept: %w", q.Name, err))
				return
			}
		}
		set.add(conn)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			handle(conn)
			set.remove(conn)
		}()
	}
}

func (q *Queue) handleProducer(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			return
		}
		q.push(env)
	}
}

func (q *Queue) push(env Envelope) {
	defer rpmetrics.QueueDepth.WithLabelValues(q.Name).Set(float64(len(q.buf)))
	if q.Lossy {
		select {
		case q.buf <- env:
			return
		default:
		}
		select {
		case <-q.buf:
			atomic.AddUint64(&q.drops, 1)
			rpmetrics.QueueDrops.WithLabelValues(q.Name).Inc()
		default:
		}
		select {
		case q.buf <- env:
		default:
		}
		return
	}
	select {
	case q.buf <- env:
	case <-q.stopCh:
	}
}

func (q *Queue) handleConsumer(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	for {
		select {
		case env := <-q.buf:
			rpmetrics.QueueDepth.WithLabelValues(q.Name).Set(float64(len(q.buf)))
			if err := writeEnvelope(w, env); err != nil {
				// Re-queue: this consumer is gone but the message must
				// not be lost to a different competing consumer.
				q.push(env)
				return
			}
		case <-q.stopCh:
			return
		}
	}
}

// Drops returns the number of messages dropped by a lossy push (Scenario E).
func (q *Queue) Drops() uint64 { return atomic.LoadUint64(&q.drops) }

func (q *Queue) markDead(err error) {
	q.mu.Lock()
	if q.dead == nil {
		q.dead = err
	}
	q.mu.Unlock()
}

// Poll returns nil while alive (spec §4.1).
func (q *Queue) Poll() error {
	select {
	case <-q.stopCh:
		return errors.New("fabric: queue stopped")
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead
}

// Stop tears the bridge down. Per spec §4.2 step 5, the Controller is
// responsible for calling Stop only after owned components have finished
// publishing their final control messages.
func (q *Queue) Stop() error {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		if q.lnIn != nil {
			q.lnIn.Close()
		}
		if q.lnOut != nil {
			q.lnOut.Close()
		}
		q.inConns.closeAll()
		q.outConns.closeAll()
	})
	return nil
}

// Join waits for all bridge goroutines to exit, bounded by timeout.
func (q *Queue) Join(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("fabric: queue %s: join timed out", q.Name)
	}
}

// QueueProducer is a client handle for enqueuing messages (spec §4.1 "many
// producers enqueue").
type QueueProducer struct {
	conn net.Conn
	w    *bufio.Writer
}

// DialQueueProducer connects to a Queue's ingress address.
func DialQueueProducer(addr string) (*QueueProducer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial queue producer %s: %w", addr, err)
	}
	return &QueueProducer{conn: conn, w: bufio.NewWriter(conn)}, nil
}

// Put enqueues a JSON-marshalable payload.
func (p *QueueProducer) Put(payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return writeEnvelope(p.w, Envelope{Payload: raw})
}

func (p *QueueProducer) Close() error { return p.conn.Close() }

// QueueConsumer is a client handle for pulling messages (spec §4.1 "one
// consumer per pull").
type QueueConsumer struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialQueueConsumer connects to a Queue's egress address.
func DialQueueConsumer(addr string) (*QueueConsumer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial queue consumer %s: %w", addr, err)
	}
	return &QueueConsumer{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Get blocks until one message is available or the deadline elapses
// (spec §5: "all blocking primitives must expose a bounded timeout
// variant").
func (c *QueueConsumer) Get(timeout time.Duration) (Envelope, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return readEnvelope(c.r)
}

func (c *QueueConsumer) Close() error { return c.conn.Close() }
