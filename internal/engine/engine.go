// Package engine implements the reconciliation state machine tying
// the local device state, the remote shadow document and user intent
// together.
//
// All state owned by the engine is mutated from a single consumer
// goroutine that drains two sources: user commands and transport
// messages. User-facing methods post closures to that goroutine and
// wait for a reply, so a local edit can never interleave with an
// incoming delta apply.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/models"
	"github.com/shadowsync/shadowsync/internal/router"
	"github.com/shadowsync/shadowsync/internal/store"
	"github.com/shadowsync/shadowsync/internal/transport"
)

// State is the engine's position in the reconciliation cycle.
type State int

// Engine states. There is no terminal state; the engine returns to
// StateIdle after every resolved exchange.
const (
	StateIdle State = iota
	StateAwaitingGet
	StateAwaitingUpdate
	StateDeltaPending
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingGet:
		return "AWAITING_GET"
	case StateAwaitingUpdate:
		return "AWAITING_UPDATE"
	case StateDeltaPending:
		return "DELTA_PENDING"
	default:
		return "UNKNOWN"
	}
}

// PendingDelta is the most recently received, still unresolved delta.
// A newer delta always replaces an older unresolved one.
type PendingDelta struct {
	Delta      models.Attributes
	Version    int64
	ReceivedAt time.Time
}

// Change describes what applying the pending delta would do to one
// attribute. Display data only.
type Change struct {
	Key     string
	Local   interface{}
	Desired interface{}
}

// Status is the engine snapshot surfaced to the command interface.
type Status struct {
	Connected        bool   `json:"connected"`
	State            string `json:"state"`
	Subscriptions    int    `json:"subscriptions"`
	PendingDelta     bool   `json:"pendingDeltaPresent"`
	LastVersion      int64  `json:"lastVersion"`
	MessagesReceived int    `json:"messagesReceived"`
}

// Options configures engine behavior beyond its collaborators.
type Options struct {
	// Timeout bounds every correlated get/report exchange. Zero
	// means the default of 5 seconds.
	Timeout time.Duration

	// OnDelta is invoked (on its own goroutine) whenever a delta is
	// surfaced, with the display diff against local state.
	OnDelta func(PendingDelta, []Change)

	// OnDiagnostic is invoked (on its own goroutine) for recovered
	// per-message failures such as malformed payloads.
	OnDiagnostic func(error)
}

const defaultTimeout = 5 * time.Second

type result struct {
	doc *models.ShadowDocument
	err error
}

// pendingWait is one armed correlated exchange. At most one exists
// at a time.
type pendingWait struct {
	op    string // "get" or "report"
	token string
	reply chan result
	timer *time.Timer
}

// Engine drives shadow synchronization for one device.
type Engine struct {
	deviceID string
	topics   router.TopicSet
	tr       transport.Transport
	store    store.Store
	timeout  time.Duration
	onDelta  func(PendingDelta, []Change)
	onDiag   func(error)

	cmds      chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	started   bool

	// Everything below is owned by the consumer loop.
	wait          *pendingWait
	pending       *PendingDelta
	deferDelta    bool
	lastVersion   int64
	received      int
	history       historyRing
	connected     bool
	subscriptions int
}

// New creates an engine for one device over the given transport and
// store. The engine does nothing until Start.
func New(deviceID string, tr transport.Transport, st store.Store, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		deviceID: deviceID,
		topics:   router.Topics(deviceID),
		tr:       tr,
		store:    st,
		timeout:  timeout,
		onDelta:  opts.OnDelta,
		onDiag:   opts.OnDiagnostic,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start connects the transport, subscribes to the five shadow topics
// (all-or-nothing) and loads the local state, then starts the
// consumer loop. On subscription failure the session is disconnected
// before returning; the caller retries rather than operating with
// partial topic coverage.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.tr.Connect(ctx); err != nil {
		return err
	}

	subs := e.topics.Subscriptions()
	if err := e.tr.SubscribeAll(subs); err != nil {
		e.tr.Disconnect()
		return err
	}

	if _, err := e.store.Load(ctx, e.deviceID); err != nil {
		e.tr.Disconnect()
		return fmt.Errorf("load local device state: %w", err)
	}

	e.connected = true
	e.subscriptions = len(subs)
	e.started = true

	go e.run()

	log.Info().
		Str("deviceID", e.deviceID).
		Int("subscriptions", len(subs)).
		Msg("Shadow engine started")
	return nil
}

// Close shuts the engine down. Outstanding exchanges resolve as
// aborted and the transport is disconnected. Safe to call twice.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	if e.started {
		<-e.stopped
	}
	e.tr.Disconnect()
}

// run is the single consumer loop. It owns every mutable engine field.
func (e *Engine) run() {
	defer close(e.stopped)

	msgs := e.tr.Messages()
	for {
		var timeoutC <-chan time.Time
		if e.wait != nil {
			timeoutC = e.wait.timer.C
		}

		select {
		case <-e.done:
			e.resolveWait(result{err: ErrAborted})
			e.connected = false
			return

		case fn := <-e.cmds:
			fn()

		case msg, ok := <-msgs:
			if !ok {
				// Transport closed underneath us. Fatal to the
				// session; resolve any waiter and stop.
				e.resolveWait(result{err: &transport.ConnectionError{
					Broker: "session",
					Err:    transport.ErrNotConnected,
				}})
				e.connected = false
				log.Error().Str("deviceID", e.deviceID).Msg("Transport closed, shadow session ended")
				return
			}
			e.handleMessage(msg)

		case <-timeoutC:
			op := e.wait.op
			e.wait.timer = nil // already fired
			e.resolveWait(result{err: &TimeoutError{Op: op, Timeout: e.timeout}})
		}
	}
}

// handleMessage routes one raw transport message.
func (e *Engine) handleMessage(msg transport.Message) {
	e.received++

	ev, err := router.Decode(msg)
	if err != nil {
		// Malformed: drop the message, surface the diagnostic,
		// leave all state untouched.
		e.history.add("malformed", err.Error())
		e.diagnose(err)
		return
	}

	switch ev.Kind {
	case router.KindUnknown:
		return

	case router.KindGetAccepted:
		e.lastVersion = ev.Document.Version
		e.history.add(ev.Kind.String(), fmt.Sprintf("shadow document version %d", ev.Document.Version))
		if e.wait != nil && e.wait.op == "get" {
			e.resolveWait(result{doc: ev.Document})
		}

	case router.KindGetRejected:
		rej := &RemoteRejection{Op: "get", Code: ev.Rejection.Code, Message: ev.Rejection.Message}
		e.history.add(ev.Kind.String(), rej.Error())
		if e.wait != nil && e.wait.op == "get" {
			e.resolveWait(result{err: rej})
		}

	case router.KindUpdateAccepted:
		e.lastVersion = ev.Document.Version
		e.history.add(ev.Kind.String(), fmt.Sprintf("update accepted, version %d", ev.Document.Version))
		if e.wait != nil && e.wait.op == "report" && tokenMatches(e.wait.token, ev.Document.ClientToken) {
			e.resolveWait(result{doc: ev.Document})
		}

	case router.KindUpdateRejected:
		rej := &RemoteRejection{Op: "update", Code: ev.Rejection.Code, Message: ev.Rejection.Message}
		e.history.add(ev.Kind.String(), rej.Error())
		if e.wait != nil && e.wait.op == "report" && tokenMatches(e.wait.token, ev.Rejection.ClientToken) {
			e.resolveWait(result{err: rej})
		}

	case router.KindUpdateDelta:
		e.handleDelta(ev.Delta)
	}
}

// handleDelta records an incoming delta as the pending
// reconciliation. Last delta wins: an unresolved older delta is
// replaced, never merged or queued.
func (e *Engine) handleDelta(delta *models.DeltaMessage) {
	e.pending = &PendingDelta{
		Delta:      delta.State.Clone(),
		Version:    delta.Version,
		ReceivedAt: time.Now(),
	}
	e.history.add(router.KindUpdateDelta.String(),
		fmt.Sprintf("delta version %d with %d attribute(s)", delta.Version, len(delta.State)))

	log.Info().
		Str("deviceID", e.deviceID).
		Int64("version", delta.Version).
		Int("attributes", len(delta.State)).
		Msg("Shadow delta received")

	// An in-flight report is never cancelled; the newer delta is
	// surfaced once the report resolves.
	if e.wait != nil && e.wait.op == "report" {
		e.deferDelta = true
		return
	}
	e.surfaceDelta()
}

// surfaceDelta notifies the caller of the current pending delta with
// the display diff against local state.
func (e *Engine) surfaceDelta() {
	if e.onDelta == nil || e.pending == nil {
		return
	}
	pd := *e.pending
	ch := e.changes(pd.Delta)
	go e.onDelta(pd, ch)
}

// changes computes, for display, what applying delta would do to the
// local state.
func (e *Engine) changes(delta models.Attributes) []Change {
	local := e.store.State().Attributes
	diff := local.Diff(delta)

	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		out = append(out, Change{Key: k, Local: local[k], Desired: diff[k]})
	}
	return out
}

// resolveWait delivers the result of the in-flight exchange, if any,
// and returns the engine to idle. A delta deferred behind an
// in-flight report is surfaced here.
func (e *Engine) resolveWait(r result) {
	if e.wait == nil {
		return
	}
	if e.wait.timer != nil {
		e.wait.timer.Stop()
	}
	e.wait.reply <- r
	e.wait = nil

	if e.deferDelta {
		e.deferDelta = false
		e.surfaceDelta()
	}
}

func (e *Engine) diagnose(err error) {
	log.Warn().Err(err).Str("deviceID", e.deviceID).Msg("Shadow message dropped")
	if e.onDiag != nil {
		go e.onDiag(err)
	}
}

func tokenMatches(waitToken, evToken string) bool {
	// Responses without a token (brokers that strip it) resolve the
	// single in-flight exchange; a mismatching token belongs to an
	// unsolicited update, e.g. a desire published by this client.
	return evToken == "" || evToken == waitToken
}

// post hands a closure to the consumer loop. Once the loop has
// exited, for any reason including the transport dying underneath it,
// commands fail instead of blocking on a channel nobody drains.
func (e *Engine) post(fn func()) error {
	select {
	case e.cmds <- fn:
		return nil
	case <-e.done:
		return ErrAborted
	case <-e.stopped:
		return ErrAborted
	}
}

// awaitResult waits for a correlated exchange to resolve.
func (e *Engine) awaitResult(ctx context.Context, reply chan result) (*models.ShadowDocument, error) {
	select {
	case r := <-reply:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrAborted
	}
}

// --- loop-side transition handlers ---

// startGet publishes an empty payload to the get topic and arms the
// correlated wait.
func (e *Engine) startGet(reply chan result) {
	if e.wait != nil {
		reply <- result{err: ErrBusy}
		return
	}
	if err := e.tr.Publish(e.topics.Get, []byte("{}")); err != nil {
		reply <- result{err: fmt.Errorf("publish shadow get request: %w", err)}
		return
	}
	e.wait = &pendingWait{op: "get", reply: reply, timer: time.NewTimer(e.timeout)}
	log.Debug().Str("deviceID", e.deviceID).Msg("Shadow get requested")
}

// startReport publishes the full local state as reported and arms the
// correlated wait. The local state is never mutated by the outcome.
func (e *Engine) startReport(reply chan result) {
	if e.wait != nil {
		reply <- result{err: ErrBusy}
		return
	}

	state := e.store.State()
	token := uuid.New().String()
	req := models.UpdateRequest{
		State:       models.ShadowState{Reported: state.Attributes},
		ClientToken: token,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		reply <- result{err: fmt.Errorf("marshal report: %w", err)}
		return
	}
	if err := e.tr.Publish(e.topics.Update, payload); err != nil {
		reply <- result{err: fmt.Errorf("publish shadow report: %w", err)}
		return
	}
	e.wait = &pendingWait{op: "report", token: token, reply: reply, timer: time.NewTimer(e.timeout)}
	log.Debug().
		Str("deviceID", e.deviceID).
		Int("attributes", len(state.Attributes)).
		Msg("Shadow report published")
}

// startApply merges the pending delta into local state and triggers
// the auto-report that clears the server-side delta.
func (e *Engine) startApply(ctx context.Context, reply chan result) {
	if e.pending == nil {
		reply <- result{err: ErrNoPendingDelta}
		return
	}
	if e.wait != nil {
		reply <- result{err: ErrBusy}
		return
	}

	delta := e.pending.Delta
	if _, err := e.store.Merge(ctx, delta); err != nil {
		reply <- result{err: fmt.Errorf("apply delta to local state: %w", err)}
		return
	}
	e.pending = nil

	log.Info().
		Str("deviceID", e.deviceID).
		Int("attributes", len(delta)).
		Msg("Delta applied to local state, reporting back")
	e.startReport(reply)
}

func (e *Engine) currentState() State {
	if e.wait != nil {
		if e.wait.op == "get" {
			return StateAwaitingGet
		}
		return StateAwaitingUpdate
	}
	if e.pending != nil {
		return StateDeltaPending
	}
	return StateIdle
}

// --- command interface ---

// Get requests the current shadow document and waits for the
// response. A *RemoteRejection with Informational() true means no
// shadow document exists yet.
func (e *Engine) Get(ctx context.Context) (*models.ShadowDocument, error) {
	reply := make(chan result, 1)
	if err := e.post(func() { e.startGet(reply) }); err != nil {
		return nil, err
	}
	return e.awaitResult(ctx, reply)
}

// Report publishes the current local state as reported and waits for
// the response. Local state is never mutated by a rejection.
func (e *Engine) Report(ctx context.Context) (*models.ShadowDocument, error) {
	reply := make(chan result, 1)
	if err := e.post(func() { e.startReport(reply) }); err != nil {
		return nil, err
	}
	return e.awaitResult(ctx, reply)
}

// Desire publishes a partial desired state, simulating an external
// actor commanding the device. Local state is untouched; a resulting
// delta arrives asynchronously.
func (e *Engine) Desire(ctx context.Context, partial models.Attributes) error {
	if len(partial) == 0 {
		return fmt.Errorf("desired update is empty")
	}

	req := models.UpdateRequest{
		State:       models.ShadowState{Desired: partial.Clone()},
		ClientToken: uuid.New().String(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal desired update: %w", err)
	}

	errc := make(chan error, 1)
	if err := e.post(func() {
		errc <- e.tr.Publish(e.topics.Update, payload)
	}); err != nil {
		return err
	}

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("publish desired update: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrAborted
	}
}

// ApplyDelta merges the pending delta into local state and
// auto-reports so the server clears its delta. Returns the accepted
// shadow document from the report.
func (e *Engine) ApplyDelta(ctx context.Context) (*models.ShadowDocument, error) {
	reply := make(chan result, 1)
	if err := e.post(func() { e.startApply(ctx, reply) }); err != nil {
		return nil, err
	}
	return e.awaitResult(ctx, reply)
}

// DismissDelta discards the pending delta without touching local
// state. The divergence remains on the server side until desired
// state changes or the next get.
func (e *Engine) DismissDelta() error {
	errc := make(chan error, 1)
	if err := e.post(func() {
		if e.pending == nil {
			errc <- ErrNoPendingDelta
			return
		}
		e.pending = nil
		errc <- nil
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrAborted
	}
}

// PendingDelta returns the unresolved delta and its display diff, if
// one exists.
func (e *Engine) PendingDelta() (PendingDelta, []Change, bool) {
	type answer struct {
		pd      PendingDelta
		changes []Change
		ok      bool
	}
	ac := make(chan answer, 1)
	if err := e.post(func() {
		if e.pending == nil {
			ac <- answer{}
			return
		}
		ac <- answer{pd: *e.pending, changes: e.changes(e.pending.Delta), ok: true}
	}); err != nil {
		return PendingDelta{}, nil, false
	}
	select {
	case a := <-ac:
		return a.pd, a.changes, a.ok
	case <-e.done:
		return PendingDelta{}, nil, false
	}
}

// LocalState returns the device's current believed state.
func (e *Engine) LocalState() store.DeviceState {
	return e.store.State()
}

// EditLocal applies a partial local edit with no network call. The
// caller reports afterward if synchronization is desired; the engine
// only auto-reports on applied deltas.
func (e *Engine) EditLocal(ctx context.Context, partial models.Attributes) (store.DeviceState, error) {
	return e.mutateLocal(ctx, func(c context.Context) (store.DeviceState, error) {
		return e.store.Merge(c, partial)
	})
}

// ReplaceLocal substitutes the whole local state, also without any
// network call.
func (e *Engine) ReplaceLocal(ctx context.Context, full models.Attributes) (store.DeviceState, error) {
	return e.mutateLocal(ctx, func(c context.Context) (store.DeviceState, error) {
		return e.store.Replace(c, full)
	})
}

// ResetLocal discards the local state and re-seeds the defaults.
func (e *Engine) ResetLocal(ctx context.Context) (store.DeviceState, error) {
	return e.mutateLocal(ctx, func(c context.Context) (store.DeviceState, error) {
		return e.store.Reset(c)
	})
}

func (e *Engine) mutateLocal(ctx context.Context, mutate func(context.Context) (store.DeviceState, error)) (store.DeviceState, error) {
	type answer struct {
		state store.DeviceState
		err   error
	}
	ac := make(chan answer, 1)
	if err := e.post(func() {
		st, err := mutate(ctx)
		ac <- answer{state: st, err: err}
	}); err != nil {
		return store.DeviceState{}, err
	}
	select {
	case a := <-ac:
		return a.state, a.err
	case <-ctx.Done():
		return store.DeviceState{}, ctx.Err()
	case <-e.done:
		return store.DeviceState{}, ErrAborted
	}
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	sc := make(chan Status, 1)
	if err := e.post(func() {
		sc <- Status{
			Connected:        e.connected,
			State:            e.currentState().String(),
			Subscriptions:    e.subscriptions,
			PendingDelta:     e.pending != nil,
			LastVersion:      e.lastVersion,
			MessagesReceived: e.received,
		}
	}); err != nil {
		return Status{Connected: false, State: StateIdle.String()}
	}
	select {
	case s := <-sc:
		return s
	case <-e.done:
		return Status{Connected: false, State: StateIdle.String()}
	}
}

// History returns the recent received-message history, oldest first.
func (e *Engine) History() []HistoryEntry {
	hc := make(chan []HistoryEntry, 1)
	if err := e.post(func() {
		hc <- e.history.snapshot()
	}); err != nil {
		return nil
	}
	select {
	case h := <-hc:
		return h
	case <-e.done:
		return nil
	}
}
