// Package ws owns the duplex WebSocket channel of every monitored trip.
// At most one non-closed channel exists per trip id; the socket never
// leaves this package.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/logging"
	"github.com/HsiangNianian/tripsync/internal/metrics"
	"github.com/HsiangNianian/tripsync/internal/protocol"
	"github.com/HsiangNianian/tripsync/internal/updates"
)

const tripPlaceholder = "{trip_id}"

type Options struct {
	// URLTemplate is the ws:// or wss:// address of a trip's channel with
	// a {trip_id} placeholder. Without a placeholder the escaped trip id
	// is appended as the last path segment.
	URLTemplate      string
	Header           http.Header
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; a pong missing for PongWait
	// faults the channel. Zero disables both.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration

	Buffer  *updates.Buffer
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type channel struct {
	tripID  string
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	refs    int
	failure *envelope.Failure

	wmu sync.Mutex
}

type Manager struct {
	urlTemplate  string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
	closeTimeout time.Duration

	buffer  *updates.Buffer
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*channel

	watchMu  sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

var (
	sharedOnce sync.Once
	shared     *Manager
	sharedErr  error
)

// Shared returns the process-wide manager, building it from opts on the
// first call. Later calls ignore opts.
func Shared(opts Options) (*Manager, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = NewManager(opts)
	})
	return shared, sharedErr
}

// NewManager builds an independent manager. Production code should go
// through Shared so that every consumer sees one connection table.
func NewManager(opts Options) (*Manager, error) {
	u, err := url.Parse(strings.ReplaceAll(opts.URLTemplate, tripPlaceholder, "x"))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid realtime url template %q", opts.URLTemplate)
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	m := &Manager{
		urlTemplate: opts.URLTemplate,
		header:      opts.Header.Clone(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		writeTimeout: opts.WriteTimeout,
		closeTimeout: opts.CloseTimeout,
		buffer:       opts.Buffer,
		log:          logging.OrDefault(opts.Logger),
		metrics:      opts.Metrics,
		channels:     make(map[string]*channel),
		watchers:     make(map[string]map[chan struct{}]struct{}),
	}
	if m.header == nil {
		m.header = http.Header{}
	}
	if m.buffer == nil {
		m.buffer = updates.NewBuffer()
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = 5 * time.Second
	}
	if m.closeTimeout <= 0 {
		m.closeTimeout = 2 * time.Second
	}
	if m.pingInterval > 0 && m.pongWait <= m.pingInterval {
		m.pongWait = 2 * m.pingInterval
	}
	return m, nil
}

// URLFor returns the channel address of tripID.
func (m *Manager) URLFor(tripID string) string {
	escaped := url.PathEscape(tripID)
	if strings.Contains(m.urlTemplate, tripPlaceholder) {
		return strings.ReplaceAll(m.urlTemplate, tripPlaceholder, escaped)
	}
	return strings.TrimSuffix(m.urlTemplate, "/") + "/" + escaped
}

// Buffer is the update log fed by every channel of this manager.
func (m *Manager) Buffer() *updates.Buffer { return m.buffer }

// Start opens the channel for tripID and blocks until the handshake opens
// or faults. When a channel for tripID is already connecting or open,
// Start does nothing and returns that channel's state. A channel still
// closing is waited out first. The returned error is always a
// *envelope.Failure.
func (m *Manager) Start(ctx context.Context, tripID string) (State, error) {
	return m.start(ctx, tripID, false)
}

// start counts the Acquire reference under the lock that finds or
// creates the entry, before any dial begins.
func (m *Manager) start(ctx context.Context, tripID string, acquire bool) (State, error) {
	if tripID == "" {
		return Idle, envelope.NewFailure(envelope.KindValidation, 0, "trip id is required")
	}

	m.mu.Lock()
	for {
		cur := m.channels[tripID]
		if cur == nil {
			break
		}
		if cur.state.Live() {
			st := cur.state
			if acquire {
				cur.refs++
			}
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{"trip_id": tripID, "state": st}).Debug("start ignored, channel already live")
			return st, nil
		}
		if cur.state != Closing {
			break
		}
		done := cur.done
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Closing, envelope.AsFailure(envelope.KindChannel, ctx.Err())
		}
		m.mu.Lock()
	}

	refs := 0
	if prev := m.channels[tripID]; prev != nil {
		refs = prev.refs
	}
	if acquire {
		refs++
	}
	dialCtx, cancel := context.WithCancel(ctx)
	ch := &channel{
		tripID: tripID,
		state:  Connecting,
		cancel: cancel,
		done:   make(chan struct{}),
		refs:   refs,
	}
	m.channels[tripID] = ch
	m.mu.Unlock()
	m.transitioned(ch, Connecting)

	target := m.URLFor(tripID)
	m.log.WithFields(logrus.Fields{"trip_id": tripID, "url": target}).Info("dial channel")
	conn, resp, err := m.dialer.DialContext(dialCtx, target, m.header.Clone())
	cancel()

	m.mu.Lock()
	if ch.state == Closing {
		ch.state = Closed
		m.forget(ch)
		close(ch.done)
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.transitioned(ch, Closed)
		return Closed, nil
	}
	if err != nil {
		f := handshakeFailure(err, resp)
		ch.state = Errored
		ch.failure = f
		close(ch.done)
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"trip_id": tripID, "code": f.Code}).Warnf("channel handshake failed: %s", f.Message)
		m.transitioned(ch, Errored)
		return Errored, f
	}
	ch.conn = conn
	ch.state = Open
	m.mu.Unlock()

	m.metrics.ChannelOpened()
	m.transitioned(ch, Open)
	go m.readLoop(ch, conn)
	if m.pingInterval > 0 {
		go m.keepalive(ch, conn)
	}
	return Open, nil
}

// Stop closes the channel for tripID. It is honored in every live state,
// including mid-handshake, and is a no-op when nothing is running.
// Terminal entries (errored or remotely closed) are dropped.
func (m *Manager) Stop(tripID string) {
	m.mu.Lock()
	ch := m.channels[tripID]
	if ch == nil {
		m.mu.Unlock()
		return
	}

	switch ch.state {
	case Closed, Errored:
		m.forget(ch)
		m.mu.Unlock()
		return
	case Closing:
		done := ch.done
		m.mu.Unlock()
		m.await(done, nil)
		return
	case Connecting:
		ch.state = Closing
		ch.cancel()
		done := ch.done
		m.mu.Unlock()
		m.transitioned(ch, Closing)
		m.await(done, nil)
		return
	}

	ch.state = Closing
	conn := ch.conn
	done := ch.done
	m.mu.Unlock()
	m.transitioned(ch, Closing)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.writeTimeout)); err != nil {
		m.log.WithField("trip_id", tripID).Debugf("send close frame failed: %v", err)
		_ = conn.Close()
	}
	m.await(done, conn)
}

// StopAll stops every channel. Intended for process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Acquire is a reference-counted Start: the channel stays up until every
// Acquire has been matched by a Release.
func (m *Manager) Acquire(ctx context.Context, tripID string) (State, error) {
	return m.start(ctx, tripID, true)
}

// Release drops one reference taken by Acquire and stops the channel when
// none remain.
func (m *Manager) Release(tripID string) {
	m.mu.Lock()
	ch := m.channels[tripID]
	if ch == nil {
		m.mu.Unlock()
		return
	}
	if ch.refs > 0 {
		ch.refs--
	}
	last := ch.refs == 0
	m.mu.Unlock()
	if last {
		m.Stop(tripID)
	}
}

// State reports the channel state for tripID; Idle when none exists.
func (m *Manager) State(tripID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch := m.channels[tripID]; ch != nil {
		return ch.state
	}
	return Idle
}

// LastFailure returns the most recent handshake, stream or frame failure
// recorded for tripID's current channel.
func (m *Manager) LastFailure(tripID string) *envelope.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch := m.channels[tripID]; ch != nil {
		return ch.failure
	}
	return nil
}

// Send writes one JSON frame on tripID's open channel.
func (m *Manager) Send(tripID string, frame any) error {
	m.mu.Lock()
	ch := m.channels[tripID]
	if ch == nil || ch.state != Open {
		st := Idle
		if ch != nil {
			st = ch.state
		}
		m.mu.Unlock()
		return envelope.NewFailure(envelope.KindChannel, 0, fmt.Sprintf("channel for trip %s is %s", tripID, st))
	}
	conn := ch.conn
	m.mu.Unlock()

	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return envelope.AsFailure(envelope.KindChannel, err)
	}
	if f, ok := frame.(protocol.ClientFrame); ok {
		m.log.WithFields(logrus.Fields{"trip_id": tripID, "type": f.Type, "msg_id": f.MsgID}).Debug("frame sent")
	}
	return nil
}

// Watch returns a coalescing signal that fires after any state change or
// received frame for tripID, and a func to stop watching.
func (m *Manager) Watch(tripID string) (<-chan struct{}, func()) {
	c := make(chan struct{}, 1)
	m.watchMu.Lock()
	if m.watchers[tripID] == nil {
		m.watchers[tripID] = make(map[chan struct{}]struct{})
	}
	m.watchers[tripID][c] = struct{}{}
	m.watchMu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers[tripID], c)
			if len(m.watchers[tripID]) == 0 {
				delete(m.watchers, tripID)
			}
			m.watchMu.Unlock()
		})
	}
}

func (m *Manager) notify(tripID string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for c := range m.watchers[tripID] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) transitioned(ch *channel, st State) {
	m.log.WithFields(logrus.Fields{"trip_id": ch.tripID, "state": st}).Info("channel state")
	m.metrics.Transition(st.String())
	m.notify(ch.tripID)
}

// forget removes ch from the table if it is still the current entry.
// Caller holds m.mu.
func (m *Manager) forget(ch *channel) {
	if cur, ok := m.channels[ch.tripID]; ok && cur == ch {
		delete(m.channels, ch.tripID)
	}
}

// await waits for done, force-closing conn once closeTimeout passes.
func (m *Manager) await(done <-chan struct{}, conn *websocket.Conn) {
	timer := time.NewTimer(m.closeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	if conn != nil {
		_ = conn.Close()
		<-done
	}
}

func (m *Manager) readLoop(ch *channel, conn *websocket.Conn) {
	if m.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.finish(ch, conn, err)
			return
		}
		m.receive(ch, data)
	}
}

func (m *Manager) finish(ch *channel, conn *websocket.Conn, readErr error) {
	_ = conn.Close()

	m.mu.Lock()
	var st State
	switch {
	case ch.state == Closing:
		st = Closed
		m.forget(ch)
	case websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		st = Closed
	default:
		st = Errored
		ch.failure = streamFailure(readErr)
	}
	ch.state = st
	close(ch.done)
	m.mu.Unlock()

	m.metrics.ChannelClosed()
	if st == Errored {
		m.log.WithField("trip_id", ch.tripID).Warnf("channel fault: %v", readErr)
	}
	m.transitioned(ch, st)
}

// receive appends one frame to the buffer. A malformed frame is recorded
// as a decode failure and leaves the channel open.
func (m *Manager) receive(ch *channel, data []byte) {
	m.mu.Lock()
	open := ch.state == Open
	m.mu.Unlock()
	if !open {
		return
	}

	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		f := &envelope.Failure{
			Kind:    envelope.KindDecode,
			Message: "malformed frame: not a json object",
			Detail:  string(data),
		}
		m.mu.Lock()
		ch.failure = f
		m.mu.Unlock()
		m.log.WithField("trip_id", ch.tripID).Warn(f.Message)
		m.metrics.Frame("malformed")
		m.notify(ch.tripID)
		return
	}

	typ := gjson.GetBytes(data, "type").String()
	if typ == "" {
		typ = gjson.GetBytes(data, "update_type").String()
	}
	m.buffer.Append(ch.tripID, updates.Record{
		Type:       typ,
		Payload:    json.RawMessage(data),
		ReceivedAt: time.Now(),
	})
	m.log.WithFields(logrus.Fields{"trip_id": ch.tripID, "type": typ}).Debug("frame received")
	m.metrics.Frame("appended")
	m.notify(ch.tripID)
}

func (m *Manager) keepalive(ch *channel, conn *websocket.Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout)); err != nil {
				m.log.WithField("trip_id", ch.tripID).Debugf("ping failed: %v", err)
				return
			}
		}
	}
}

func handshakeFailure(err error, resp *http.Response) *envelope.Failure {
	f := &envelope.Failure{Kind: envelope.KindChannel, Message: err.Error()}
	if resp != nil {
		f.Code = resp.StatusCode
		if errors.Is(err, websocket.ErrBadHandshake) {
			f.Message = fmt.Sprintf("%s: %s", err.Error(), resp.Status)
		}
	}
	return f
}

func streamFailure(err error) *envelope.Failure {
	f := &envelope.Failure{Kind: envelope.KindChannel, Message: err.Error()}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		f.Code = ce.Code
	}
	return f
}
