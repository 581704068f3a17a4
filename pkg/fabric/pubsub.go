package fabric

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PubSub is a fan-out topic bridge: every subscriber receives every message
// published after its subscription handshake completes. There is no replay
// (spec §4.1).
type PubSub struct {
	Name string

	logger zerolog.Logger

	lnIn, lnOut     net.Listener
	addrIn, addrOut string

	subsMu sync.RWMutex
	subs   map[net.Conn]*bufio.Writer

	pubConns  *connSet
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	dead error
}

// NewPubSub constructs a PubSub bridge.
func NewPubSub(name string, logger zerolog.Logger) *PubSub {
	return &PubSub{
		Name:     name,
		logger:   logger,
		subs:     make(map[net.Conn]*bufio.Writer),
		pubConns: newConnSet(),
		stopCh:   make(chan struct{}),
	}
}

// Start binds both endpoints. Startup blocks until both are bound (spec §4.1:
// "Startup must block until both endpoints are bound").
func (p *PubSub) Start() error {
	lnIn, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("fabric: pubsub %s: listen in: %w", p.Name, err)
	}
	lnOut, err := net.Listen("tcp", ":0")
	if err != nil {
		lnIn.Close()
		return fmt.Errorf("fabric: pubsub %s: listen out: %w", p.Name, err)
	}
	p.lnIn, p.lnOut = lnIn, lnOut
	p.addrIn = rewriteEgress(lnIn.Addr())
	p.addrOut = rewriteEgress(lnOut.Addr())

	p.wg.Add(2)
	go p.acceptPublishers()
	go p.acceptSubscribers()

	p.logger.Info().Str("bridge", p.Name).Str("addr_in", p.addrIn).Str("addr_out", p.addrOut).Msg("pubsub bridge started")
	return nil
}

func (p *PubSub) AddrIn() string  { return p.addrIn }
func (p *PubSub) AddrOut() string { return p.addrOut }

func (p *PubSub) acceptPublishers() {
	defer p.wg.Done()
	for {
		conn, err := p.lnIn.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.markDead(fmt.Errorf("fabric: pubsub %s: accept publisher: %w", p.Name, err))
				return
			}
		}
		p.pubConns.add(conn)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handlePublisher(conn)
			p.pubConns.remove(conn)
		}()
	}
}

func (p *PubSub) handlePublisher(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			return
		}
		p.broadcast(env)
	}
}

func (p *PubSub) broadcast(env Envelope) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for conn, w := range p.subs {
		if err := writeEnvelope(w, env); err != nil {
			_ = conn.Close()
		}
	}
}

func (p *PubSub) acceptSubscribers() {
	defer p.wg.Done()
	for {
		conn, err := p.lnOut.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.markDead(fmt.Errorf("fabric: pubsub %s: accept subscriber: %w", p.Name, err))
				return
			}
		}
		w := bufio.NewWriter(conn)
		p.subsMu.Lock()
		p.subs[conn] = w
		p.subsMu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.watchSubscriberClose(conn)
		}()
	}
}

// watchSubscriberClose blocks reading the subscriber socket (which never
// sends anything) purely to detect when the peer disconnects, then removes
// it from the fan-out set.
func (p *PubSub) watchSubscriberClose(conn net.Conn) {
	defer func() {
		p.subsMu.Lock()
		delete(p.subs, conn)
		p.subsMu.Unlock()
		conn.Close()
	}()
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func (p *PubSub) markDead(err error) {
	p.mu.Lock()
	if p.dead == nil {
		p.dead = err
	}
	p.mu.Unlock()
}

// Poll returns nil while alive.
func (p *PubSub) Poll() error {
	select {
	case <-p.stopCh:
		return errors.New("fabric: pubsub stopped")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Stop tears the bridge down.
func (p *PubSub) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.lnIn != nil {
			p.lnIn.Close()
		}
		if p.lnOut != nil {
			p.lnOut.Close()
		}
		p.pubConns.closeAll()
		p.subsMu.Lock()
		for conn := range p.subs {
			conn.Close()
		}
		p.subs = make(map[net.Conn]*bufio.Writer)
		p.subsMu.Unlock()
	})
	return nil
}

// Join waits for all bridge goroutines to exit, bounded by timeout.
func (p *PubSub) Join(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("fabric: pubsub %s: join timed out", p.Name)
	}
}

// Publisher is a client handle for publishing on a topic.
type Publisher struct {
	conn net.Conn
	w    *bufio.Writer
}

// DialPublisher connects to a PubSub's ingress address.
func DialPublisher(addr string) (*Publisher, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial publisher %s: %w", addr, err)
	}
	return &Publisher{conn: conn, w: bufio.NewWriter(conn)}, nil
}

// Publish sends payload on topic.
func (p *Publisher) Publish(topic string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return writeEnvelope(p.w, Envelope{Topic: topic, Payload: raw})
}

func (p *Publisher) Close() error { return p.conn.Close() }

// Subscriber is a client handle receiving every message published after its
// handshake (no replay, spec §4.1).
type Subscriber struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialSubscriber connects to a PubSub's egress address. The handshake is the
// TCP connect itself: messages published before this call completes are not
// delivered.
func DialSubscriber(addr string) (*Subscriber, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial subscriber %s: %w", addr, err)
	}
	return &Subscriber{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Recv blocks for the next message on any topic, bounded by timeout.
func (s *Subscriber) Recv(timeout time.Duration) (Envelope, error) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return readEnvelope(s.r)
}

func (s *Subscriber) Close() error { return s.conn.Close() }
