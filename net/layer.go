package net

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnazarim/CoAP/message"
)

// Retransmission parameters (spec.md section 4.3, RFC 7252 section 4.8).
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	ExchangeLifetime = 247 * time.Second
	NStart           = 1
	// ProbingRate is RFC 7252 section 4.7's default ceiling, in bytes
	// per second, on NON traffic to a remote that has no recent CON
	// exchange backing off its send rate for us.
	ProbingRate = 1
	// quietPeriod is how long a remote's most recent CON exchange keeps
	// NON sends to it exempt from the probing-rate bucket.
	quietPeriod = ExchangeLifetime
)

// Errors raised by the message layer (spec.md section 7).
var (
	ErrTimeout             = errors.New("net: CON retransmission exhausted")
	ErrRemoteServerShutdown = errors.New("net: remote sent RST (server shutdown)")
	ErrBadRequest          = errors.New("net: remote sent RST (bad request)")
	ErrLayerShutdown       = errors.New("net: message layer shut down")
)

type dedupKey struct {
	remote Endpoint
	mid    uint16
}

type cachedReply struct {
	data    []byte
	expires time.Time
}

// DeliverFunc receives a fully decoded inbound message together with the
// remote it arrived from. It is invoked for every datagram that is not
// itself consumed by the message layer (i.e. not a duplicate, not an
// ACK/RST matching an outstanding exchange).
type DeliverFunc func(remote Endpoint, m *message.Message)

// Layer implements spec.md section 4.3: per-remote message-ID
// assignment, CON retransmission with exponential backoff, ACK/RST
// correlation, and inbound deduplication.
type Layer struct {
	transports []Transport
	deliver    DeliverFunc

	mu          sync.Mutex
	nextMID     map[Endpoint]uint32
	exchanges   map[dedupKey]*exchange
	dedup       map[dedupKey]*cachedReply
	processing  map[dedupKey]bool
	lastConSeen map[Endpoint]time.Time
	buckets     map[Endpoint]*probeBucket
	closed      bool
	closeCh     chan struct{}

	metrics layerMetrics
}

// probeBucket is a simple token bucket bounding NON send rate to a
// remote with no recent CON traffic (spec.md section 5, "Backpressure
// ... PROBING_RATE bound when sending NONs").
type probeBucket struct {
	tokens float64
	last   time.Time
}

type layerMetrics struct {
	retransmits prometheus.Counter
	timeouts    prometheus.Counter
}

// exchange is an outbound CON awaiting ACK/RST (spec.md section 3).
type exchange struct {
	remote   Endpoint
	attempts int
	timer    *time.Timer
	done     chan error // receives nil on ACK, an error on RST/timeout
	cancel   chan struct{}
	ackMsg   *message.Message
}

// NewLayer constructs a message layer driving the given transports and
// delivering non-exchange traffic to deliver. If reg is non-nil, message
// layer counters are registered with it (spec's ambient metrics concern;
// nil is fine for tests).
func NewLayer(transports []Transport, deliver DeliverFunc, reg prometheus.Registerer) *Layer {
	l := &Layer{
		transports:  transports,
		deliver:     deliver,
		nextMID:     make(map[Endpoint]uint32),
		exchanges:   make(map[dedupKey]*exchange),
		dedup:       make(map[dedupKey]*cachedReply),
		processing:  make(map[dedupKey]bool),
		lastConSeen: make(map[Endpoint]time.Time),
		buckets:     make(map[Endpoint]*probeBucket),
		closeCh:     make(chan struct{}),
	}
	l.metrics.retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coap_message_retransmits_total",
		Help: "Number of CON message retransmissions.",
	})
	l.metrics.timeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coap_message_timeouts_total",
		Help: "Number of exchanges that exhausted MAX_RETRANSMIT.",
	})
	if reg != nil {
		reg.MustRegister(l.metrics.retransmits, l.metrics.timeouts)
	}
	for _, t := range transports {
		t.SetRecvFunc(l.onRecv)
	}
	return l
}

// NextMessageID returns the next message ID for remote from its
// per-remote monotonic (wrapping) counter.
func (l *Layer) NextMessageID(remote Endpoint) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.nextMID[remote]
	l.nextMID[remote] = v + 1
	return uint16(v)
}

func (l *Layer) transportFor(remote Endpoint) Transport {
	for _, t := range l.transports {
		if t.Scheme() == remote.Transport {
			return t
		}
	}
	return nil
}

// SendConfirmable transmits m (a CON) to remote and blocks until it is
// ACKed, RST, or retransmission is exhausted. It does not interpret a
// piggybacked response; callers inspect the returned ACK message body.
func (l *Layer) SendConfirmable(remote Endpoint, m *message.Message) (*message.Message, error) {
	m.Type = message.Confirmable
	t := l.transportFor(remote)
	if t == nil {
		return nil, errors.New("net: no transport for remote " + remote.String())
	}
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}

	ex := &exchange{remote: remote, done: make(chan error, 1), cancel: make(chan struct{})}
	key := dedupKey{remote: remote, mid: m.MessageID}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLayerShutdown
	}
	l.exchanges[key] = ex
	l.lastConSeen[remote] = time.Now()
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.exchanges, key)
		l.mu.Unlock()
	}()

	if err := t.Send(remote, data); err != nil {
		return nil, err
	}

	timeout := randomizedTimeout()
	ex.timer = time.AfterFunc(timeout, func() { l.onTimer(ex, key, t, data) })

	select {
	case err := <-ex.done:
		ex.timer.Stop()
		if err != nil {
			return nil, err
		}
		return ex.ackMsg, nil
	case <-l.closeCh:
		ex.timer.Stop()
		return nil, ErrLayerShutdown
	}
}

func randomizedTimeout() time.Duration {
	factor := 1 + rand.Float64()*(AckRandomFactor-1)
	return time.Duration(float64(AckTimeout) * factor)
}

func (l *Layer) onTimer(ex *exchange, key dedupKey, t Transport, data []byte) {
	l.mu.Lock()
	if _, ok := l.exchanges[key]; !ok {
		l.mu.Unlock()
		return // already resolved
	}
	ex.attempts++
	if ex.attempts > MaxRetransmit {
		l.mu.Unlock()
		l.metrics.timeouts.Inc()
		select {
		case ex.done <- ErrTimeout:
		default:
		}
		return
	}
	l.mu.Unlock()

	l.metrics.retransmits.Inc()
	_ = t.Send(ex.remote, data)
	next := time.Duration(float64(randomizedTimeout()) * pow2(ex.attempts))
	ex.timer = time.AfterFunc(next, func() { l.onTimer(ex, key, t, data) })
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// SendNonconfirmable transmits m (a NON) once, never retransmitted. If
// remote has had no CON exchange within quietPeriod, the send is
// throttled to ProbingRate bytes/second.
func (l *Layer) SendNonconfirmable(remote Endpoint, m *message.Message) error {
	m.Type = message.NonConfirmable
	t := l.transportFor(remote)
	if t == nil {
		return errors.New("net: no transport for remote " + remote.String())
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	l.throttle(remote, len(data))
	return t.Send(remote, data)
}

// throttle blocks until remote's probing-rate bucket can afford n
// bytes, doing nothing if a CON exchange with remote has happened
// within quietPeriod.
func (l *Layer) throttle(remote Endpoint, n int) {
	l.mu.Lock()
	if seen, ok := l.lastConSeen[remote]; ok && time.Since(seen) < quietPeriod {
		l.mu.Unlock()
		return
	}
	b, ok := l.buckets[remote]
	if !ok {
		b = &probeBucket{tokens: float64(n), last: time.Now()}
		l.buckets[remote] = b
	}
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * ProbingRate
	if b.tokens > ProbingRate*float64(quietPeriod/time.Second) {
		b.tokens = ProbingRate * float64(quietPeriod/time.Second)
	}
	b.last = now
	var wait time.Duration
	if b.tokens < float64(n) {
		wait = time.Duration((float64(n)-b.tokens)/ProbingRate) * time.Second
		b.tokens = 0
	} else {
		b.tokens -= float64(n)
	}
	l.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// SendReply transmits an ACK or RST once, caching it for
// ExchangeLifetime so a duplicate inbound CON causes re-emission
// instead of silent drop or re-processing.
func (l *Layer) SendReply(remote Endpoint, mid uint16, m *message.Message) error {
	t := l.transportFor(remote)
	if t == nil {
		return errors.New("net: no transport for remote " + remote.String())
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	key := dedupKey{remote: remote, mid: mid}
	l.mu.Lock()
	l.dedup[key] = &cachedReply{data: data, expires: time.Now().Add(ExchangeLifetime)}
	delete(l.processing, key)
	l.mu.Unlock()
	time.AfterFunc(ExchangeLifetime, func() {
		l.mu.Lock()
		if c, ok := l.dedup[key]; ok && !time.Now().Before(c.expires) {
			delete(l.dedup, key)
		}
		l.mu.Unlock()
	})
	return t.Send(remote, data)
}

func (l *Layer) onRecv(remote Endpoint, data []byte, _ time.Time) {
	m, err := message.Unmarshal(data)
	if err != nil {
		return // MalformedMessage: drop the datagram (spec.md section 7)
	}

	switch m.Type {
	case message.Acknowledgement, message.Reset:
		key := dedupKey{remote: remote, mid: m.MessageID}
		l.mu.Lock()
		ex, ok := l.exchanges[key]
		l.mu.Unlock()
		if ok {
			ex.timer.Stop()
			if m.Type == message.Reset {
				err := ErrRemoteServerShutdown
				if m.Code.Class() == 4 {
					err = ErrBadRequest
				}
				select {
				case ex.done <- err:
				default:
				}
			} else {
				ex.ackMsg = m
				select {
				case ex.done <- nil:
				default:
				}
			}
			return
		}
		// Unsolicited ACK/RST: hand to upper layers (e.g. a notification
		// that was RST'd by the client cancels an observation).
		if l.deliver != nil {
			l.deliver(remote, m)
		}
	case message.Confirmable:
		key := dedupKey{remote: remote, mid: m.MessageID}
		l.mu.Lock()
		l.lastConSeen[remote] = time.Now()
		if cached, ok := l.dedup[key]; ok {
			l.mu.Unlock()
			t := l.transportFor(remote)
			if t != nil {
				_ = t.Send(remote, cached.data)
			}
			return
		}
		if l.processing[key] {
			// Retransmitted CON arrived while the first copy is still
			// being handled and no reply is cached yet: drop silently
			// rather than re-running the application handler.
			l.mu.Unlock()
			return
		}
		l.processing[key] = true
		l.mu.Unlock()
		if l.deliver != nil {
			l.deliver(remote, m)
		}
	case message.NonConfirmable:
		if l.deliver != nil {
			l.deliver(remote, m)
		}
	}
}

// ErrRequestCancelled is returned to an exchange cancelled via Cancel.
var ErrRequestCancelled = errors.New("net: request cancelled")

// Cancel stops retransmission of the outbound CON identified by
// (remote, mid) and resolves its SendConfirmable call with
// ErrRequestCancelled (spec.md section 4.4, cancellation operation).
func (l *Layer) Cancel(remote Endpoint, mid uint16) {
	key := dedupKey{remote: remote, mid: mid}
	l.mu.Lock()
	ex, ok := l.exchanges[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	ex.timer.Stop()
	close(ex.cancel)
	select {
	case ex.done <- ErrRequestCancelled:
	default:
	}
}

// Shutdown cancels all outstanding exchanges with ErrLayerShutdown and
// stops accepting new ones.
func (l *Layer) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	exs := make([]*exchange, 0, len(l.exchanges))
	for _, ex := range l.exchanges {
		exs = append(exs, ex)
	}
	l.mu.Unlock()
	close(l.closeCh)
	for _, ex := range exs {
		ex.timer.Stop()
		select {
		case ex.done <- ErrLayerShutdown:
		default:
		}
	}
}

