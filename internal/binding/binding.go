// Package binding exposes the gateway and the trip channels as pull-based
// state for a UI consumer. Consumers call CurrentState after every Call
// and after every signal on Changes; intermediate states may be skipped.
package binding

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/gateway"
	"github.com/HsiangNianian/tripsync/internal/logging"
	"github.com/HsiangNianian/tripsync/internal/protocol"
	"github.com/HsiangNianian/tripsync/internal/updates"
	"github.com/HsiangNianian/tripsync/internal/ws"
)

// Gateway is the request side; *gateway.Gateway satisfies it.
type Gateway interface {
	Send(ctx context.Context, spec gateway.RequestSpec) envelope.Envelope[json.RawMessage]
}

// Connections is the channel side; *ws.Manager satisfies it.
type Connections interface {
	Start(ctx context.Context, tripID string) (ws.State, error)
	Acquire(ctx context.Context, tripID string) (ws.State, error)
	Release(tripID string)
	State(tripID string) ws.State
	LastFailure(tripID string) *envelope.Failure
	Send(tripID string, frame any) error
	Watch(tripID string) (<-chan struct{}, func())
	Buffer() *updates.Buffer
}

// State is a read-only view of a binding. Updates, ChannelState and
// ChannelFailure describe the active trip: the one most recently passed
// to StartMonitoring.
type State struct {
	Busy           bool
	LastFailure    *envelope.Failure
	LastValue      json.RawMessage
	TripID         string
	Updates        []updates.Record
	ChannelState   ws.State
	ChannelFailure *envelope.Failure
	Monitoring     []string
}

type Options struct {
	Gateway     Gateway
	Connections Connections
	Logger      logrus.FieldLogger
	// ReconnectLimiter bounds explicit Reconnect calls. Nil means
	// unlimited. The binding never reconnects on its own.
	ReconnectLimiter *rate.Limiter
}

// ErrReconnectLimited is returned by Reconnect when the reconnect budget
// is spent.
var ErrReconnectLimited = envelope.NewFailure(envelope.KindChannel, 0, "reconnect budget exhausted")

type watch struct {
	cancel func()
	quit   chan struct{}
	// held is set once Acquire has returned; until then a stop leaves the
	// release to StartMonitoring.
	held bool
}

type Binding struct {
	gw      Gateway
	conns   Connections
	log     logrus.FieldLogger
	limiter *rate.Limiter
	changes chan struct{}

	mu            sync.Mutex
	inflight      int
	lastValue     json.RawMessage
	lastFailure   *envelope.Failure
	monitored     map[string]*watch
	active        string
	activeStopped bool
	released      bool
}

func New(opts Options) *Binding {
	return &Binding{
		gw:        opts.Gateway,
		conns:     opts.Connections,
		log:       logging.OrDefault(opts.Logger),
		limiter:   opts.ReconnectLimiter,
		changes:   make(chan struct{}, 1),
		monitored: make(map[string]*watch),
	}
}

// Changes fires (coalesced) whenever CurrentState may have changed.
func (b *Binding) Changes() <-chan struct{} { return b.changes }

func (b *Binding) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// Call runs one request. Busy stays set while any call is in flight. On
// success LastValue is replaced and LastFailure cleared; on failure only
// LastFailure changes. The call is never retried or cancelled by the
// binding; a consumer that lost interest ignores the result.
func (b *Binding) Call(ctx context.Context, spec gateway.RequestSpec) envelope.Envelope[json.RawMessage] {
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	b.signal()

	env := b.gw.Send(ctx, spec)

	b.mu.Lock()
	b.inflight--
	if env.OK {
		b.lastValue = env.Value
		b.lastFailure = nil
	} else {
		b.lastFailure = env.Failure
	}
	b.mu.Unlock()
	b.signal()

	if !env.OK {
		b.log.WithFields(logrus.Fields{"method": spec.Method, "path": spec.Path, "kind": env.Failure.Kind}).Info("call failed")
	}
	return env
}

// StartMonitoring makes tripID the active trip and opens its channel. A
// trip this binding already monitors with a connecting or open channel
// causes no new connection attempt.
func (b *Binding) StartMonitoring(ctx context.Context, tripID string) (ws.State, error) {
	if tripID == "" {
		return ws.Idle, envelope.NewFailure(envelope.KindValidation, 0, "trip id is required")
	}

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return ws.Idle, envelope.NewFailure(envelope.KindValidation, 0, "binding released")
	}
	b.active = tripID
	b.activeStopped = false
	if _, ok := b.monitored[tripID]; ok {
		b.mu.Unlock()
		b.signal()
		if st := b.conns.State(tripID); st.Live() {
			return st, nil
		}
		return b.conns.Start(ctx, tripID)
	}

	sig, cancel := b.conns.Watch(tripID)
	w := &watch{cancel: cancel, quit: make(chan struct{})}
	b.monitored[tripID] = w
	b.mu.Unlock()

	go b.forward(sig, w.quit)
	st, err := b.conns.Acquire(ctx, tripID)

	b.mu.Lock()
	stopped := b.monitored[tripID] != w
	w.held = !stopped
	b.mu.Unlock()
	if stopped {
		b.conns.Release(tripID)
		b.log.WithField("trip_id", tripID).Info("monitoring stopped during start")
		b.signal()
		return ws.Closed, err
	}

	b.log.WithFields(logrus.Fields{"trip_id": tripID, "state": st}).Info("monitoring started")
	b.signal()
	return st, err
}

// StopMonitoring releases this binding's hold on tripID's channel. The
// channel closes once no other binding holds it. A stop that lands while
// StartMonitoring is still acquiring is carried out as soon as the
// acquire returns. Unknown or already stopped trips are ignored.
func (b *Binding) StopMonitoring(tripID string) {
	b.mu.Lock()
	w, ok := b.monitored[tripID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.monitored, tripID)
	if b.active == tripID {
		b.activeStopped = true
	}
	held := w.held
	b.mu.Unlock()

	w.cancel()
	close(w.quit)
	if held {
		b.conns.Release(tripID)
	}
	b.log.WithField("trip_id", tripID).Info("monitoring stopped")
	b.signal()
}

// Reconnect restarts a monitored trip's channel after it errored or
// closed. It is the only way a channel comes back.
func (b *Binding) Reconnect(ctx context.Context, tripID string) (ws.State, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		return b.conns.State(tripID), ErrReconnectLimited
	}
	return b.StartMonitoring(ctx, tripID)
}

// SendFrame writes a client frame on a monitored trip's channel.
func (b *Binding) SendFrame(tripID, typ string, params map[string]any) error {
	b.mu.Lock()
	_, ok := b.monitored[tripID]
	b.mu.Unlock()
	if !ok {
		return envelope.NewFailure(envelope.KindChannel, 0, fmt.Sprintf("trip %s is not monitored", tripID))
	}
	return b.conns.Send(tripID, protocol.NewClientFrame(typ, params))
}

// RequestUpdates asks the server to push its current updates for tripID.
func (b *Binding) RequestUpdates(tripID string) error {
	return b.SendFrame(tripID, protocol.TypeGetUpdates, nil)
}

// TriggerReplan asks the server to replan tripID over the channel.
func (b *Binding) TriggerReplan(tripID string, eventDetails map[string]any) error {
	return b.SendFrame(tripID, protocol.TypeTriggerReplan, map[string]any{"event_details": eventDetails})
}

// CurrentState returns a snapshot of the binding.
func (b *Binding) CurrentState() State {
	b.mu.Lock()
	st := State{
		Busy:        b.inflight > 0,
		LastFailure: b.lastFailure,
		LastValue:   append(json.RawMessage(nil), b.lastValue...),
		TripID:      b.active,
		Monitoring:  make([]string, 0, len(b.monitored)),
	}
	for id := range b.monitored {
		st.Monitoring = append(st.Monitoring, id)
	}
	stopped := b.activeStopped
	b.mu.Unlock()
	sort.Strings(st.Monitoring)

	st.Updates = []updates.Record{}
	if st.TripID == "" {
		st.ChannelState = ws.Idle
		return st
	}
	st.Updates = b.conns.Buffer().Snapshot(st.TripID)
	if stopped {
		st.ChannelState = ws.Closed
		return st
	}
	st.ChannelState = b.conns.State(st.TripID)
	st.ChannelFailure = b.conns.LastFailure(st.TripID)
	return st
}

// Release stops monitoring every trip. Calls still work afterwards but no
// new monitoring can start.
func (b *Binding) Release() {
	b.mu.Lock()
	b.released = true
	ids := make([]string, 0, len(b.monitored))
	for id := range b.monitored {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.StopMonitoring(id)
	}
}

func (b *Binding) forward(sig <-chan struct{}, quit <-chan struct{}) {
	for {
		select {
		case <-sig:
			b.signal()
		case <-quit:
			return
		}
	}
}
