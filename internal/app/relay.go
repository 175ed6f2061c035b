package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/vac/internal/core"
	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
)

var ErrUnknownSender = errors.New("sender is not a known tab")

// Result reports delivery stats for one dispatched message.
type Result struct {
	Kind    signal.Kind
	SentTo  int
	Dropped []domain.TabID
}

// Relay routes signalling messages between tabs and tracks which tabs are
// transmitting.
type Relay struct {
	Registry *Registry
	Policy   Policy

	mu           sync.RWMutex
	transmitters map[domain.TabID]struct{}

	tracer   trace.Tracer
	messages metric.Int64Counter
	dropped  metric.Int64Counter
	tabs     metric.Int64UpDownCounter
}

func NewRelay(reg *Registry, policy Policy) *Relay {
	meter := otel.Meter("vac-relay")
	messages, _ := meter.Int64Counter("vac.relay.messages", metric.WithDescription("Signalling messages delivered to tabs"))
	dropped, _ := meter.Int64Counter("vac.relay.dropped", metric.WithDescription("Signalling messages dropped"))
	tabs, _ := meter.Int64UpDownCounter("vac.relay.tabs", metric.WithDescription("Connected tabs"))

	return &Relay{
		Registry:     reg,
		Policy:       policy,
		transmitters: make(map[domain.TabID]struct{}),
		tracer:       otel.Tracer("vac-relay"),
		messages:     messages,
		dropped:      dropped,
		tabs:         tabs,
	}
}

// Identify returns the id a connection presenting token will be assigned.
func (r *Relay) Identify(token domain.TabToken) domain.TabID {
	return r.Registry.Identify(token)
}

// Connect registers a tab connection and returns the tab it was assigned.
// A reconnect replaces the stale connection and keeps the tab count.
func (r *Relay) Connect(token domain.TabToken, conn core.SignalConnection, cancel context.CancelFunc) *domain.Tab {
	tab, replaced := r.Registry.Bind(token, conn, cancel)
	if !replaced {
		r.tabs.Add(context.Background(), 1)
	}
	return tab
}

// Disconnect forgets the tab and reports whether conn was still its live
// connection. A tab that vanishes while transmitting is announced as stopped
// so the other tabs drop their sessions with it.
func (r *Relay) Disconnect(id domain.TabID, conn core.SignalConnection) bool {
	if !r.Registry.Unbind(id, conn) {
		return false
	}
	r.tabs.Add(context.Background(), -1)

	if !r.setTransmitting(id, false) {
		return true
	}
	log.Info().Str("module", "app.relay").Int("tab", int(id)).Msg("transmitter left")
	frame, err := signal.Transmitting(false).Forwarded(id).Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal stop message")
		return true
	}
	for _, snap := range r.Registry.Snapshot() {
		r.deliver(snap.ID, snap.Session, frame, &Result{Kind: signal.KindTransmitting})
	}
	return true
}

// Dispatch handles one message sent by tab from.
func (r *Relay) Dispatch(ctx context.Context, from domain.TabID, msg signal.Message) (Result, error) {
	kind := msg.Kind()
	_, span := r.tracer.Start(ctx, "relay.Dispatch", trace.WithAttributes(
		attribute.Int("tab", int(from)),
		attribute.String("kind", kind.String()),
	))
	defer span.End()

	sender, ok := r.Registry.GetSession(from)
	if !from.Valid() || !ok {
		log.Error().Str("module", "app.relay").Int("tab", int(from)).Str("kind", kind.String()).Msg("message sender is not a tab, dropping")
		r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_sender")))
		return Result{Kind: kind}, ErrUnknownSender
	}

	if state, ok := msg.IsTransmitting(); ok {
		if r.setTransmitting(from, state) {
			log.Info().Str("module", "app.relay").Int("tab", int(from)).Bool("transmitting", state).Msg("transmitter set changed")
		}
	}

	res := Result{Kind: kind}
	if msg.Sync {
		r.sync(from, sender, &res)
		return res, nil
	}

	frame, err := msg.Forwarded(from).Marshal()
	if err != nil {
		return res, err
	}

	if msg.To != nil {
		to := *msg.To
		if to == from {
			return res, nil
		}
		target, ok := r.Registry.GetSession(to)
		if !ok {
			log.Warn().Str("module", "app.relay").Int("tab", int(from)).Int("to", int(to)).Msg("target tab not connected")
			return res, nil
		}
		r.deliver(to, target, frame, &res)
		return res, nil
	}

	for _, snap := range r.Registry.Snapshot() {
		if snap.ID == from {
			continue
		}
		r.deliver(snap.ID, snap.Session, frame, &res)
	}
	log.Debug().Str("module", "app.relay").Int("from", int(from)).Str("kind", kind.String()).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res, nil
}

// Transmitters lists the tabs currently transmitting, ordered by id.
func (r *Relay) Transmitters() []domain.TabID {
	r.mu.RLock()
	out := make([]domain.TabID, 0, len(r.transmitters))
	for id := range r.transmitters {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tabs lists the connected tabs, ordered by id.
func (r *Relay) Tabs() []domain.Tab {
	snaps := r.Registry.Snapshot()
	out := make([]domain.Tab, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, *snap.Session.Tab())
	}
	return out
}

// sync answers the requester with one synthetic announcement per transmitter,
// its own entry included.
func (r *Relay) sync(from domain.TabID, sender core.TabSession, res *Result) {
	for _, id := range r.Transmitters() {
		frame, err := signal.Transmitting(true).Forwarded(id).Marshal()
		if err != nil {
			log.Error().Err(err).Str("module", "app.relay").Msg("marshal sync reply")
			continue
		}
		r.deliver(from, sender, frame, res)
	}
}

// setTransmitting updates the transmitter set and reports whether it changed.
func (r *Relay) setTransmitting(id domain.TabID, state bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, was := r.transmitters[id]
	if state {
		r.transmitters[id] = struct{}{}
	} else {
		delete(r.transmitters, id)
	}
	return was != state
}

func (r *Relay) deliver(id domain.TabID, sess core.TabSession, frame core.Frame, res *Result) {
	ctx := context.Background()
	if err := sess.Signal().TrySend(frame); err != nil {
		res.Dropped = append(res.Dropped, id)
		r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "backpressure")))
		r.onBackPressure(id, sess, err)
		return
	}
	res.SentTo++
	r.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", res.Kind.String())))
}

func (r *Relay) onBackPressure(id domain.TabID, sess core.TabSession, err error) {
	if r.Policy == nil {
		return
	}
	switch r.Policy.OnBackPressure(sess) {
	case KickTab:
		log.Warn().Err(err).Str("module", "app.relay").Int("tab", int(id)).Msg("kicking slow tab")
		r.Registry.Cancel(id)
	case DropMessage:
		log.Warn().Err(err).Str("module", "app.relay").Int("tab", int(id)).Msg("dropped message for slow tab")
	case NoAction:
	}
}
