package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/halcyonchat/huddle/internal/util"
)

// subCap is the inbound buffer per subscription; envelopes are dropped (with
// a log line) when a consumer falls this far behind.
const subCap = 64

// recentCap is how many relay activity entries are retained for diagnostics.
const recentCap = 200

var (
	// ErrSubscribe is returned when joining or subscribing a relay channel
	// fails. Terminal for the session attempting to start.
	ErrSubscribe = errors.New("signaling channel subscribe failed")

	// ErrAlreadySubscribed guards against two components listening on the
	// same channel at once (e.g. the global call listener and an active
	// call session for the same thread).
	ErrAlreadySubscribed = errors.New("channel already subscribed")

	// ErrClosed is returned by Send after the subscription was closed.
	ErrClosed = errors.New("subscription closed")
)

// Channel is one subscribed relay channel: a stream of inbound envelopes and
// a way to publish to the same channel. Implemented by *Subscription; sessions
// accept this interface so tests can substitute a fake.
type Channel interface {
	Name() string
	Recv() <-chan Envelope
	Send(ctx context.Context, kind Kind, to string, body any) error
	Close()
}

// Activity is one diagnostic entry of relay traffic.
type Activity struct {
	Dir     string `json:"dir"` // "send" | "recv" | "drop"
	Channel string `json:"channel"`
	Kind    Kind   `json:"kind"`
	From    string `json:"from"`
	TS      int64  `json:"ts"` // Unix milliseconds
}

// Relay hands out channel subscriptions backed by gossipsub topics. One Relay
// per client, shared by all sessions; each channel may be held by at most one
// subscriber at a time.
type Relay struct {
	ps     *pubsub.PubSub
	selfID string

	mu   sync.Mutex
	subs map[string]*Subscription

	recent *util.RingBuffer[Activity]
}

// NewRelay wraps an existing gossipsub instance. selfID is the local user id;
// the relay filters the client's own broadcasts out of inbound delivery.
func NewRelay(ps *pubsub.PubSub, selfID string) *Relay {
	return &Relay{
		ps:     ps,
		selfID: selfID,
		subs:   make(map[string]*Subscription),
		recent: util.NewRingBuffer[Activity](recentCap),
	}
}

// Subscribe joins the named channel and starts delivering inbound envelopes.
// The returned subscription is live until Close is called; the context only
// bounds the subscribe attempt itself.
func (r *Relay) Subscribe(ctx context.Context, name string) (Channel, error) {
	r.mu.Lock()
	if _, ok := r.subs[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, name)
	}
	// Reserve the slot before the (blocking) join so a concurrent Subscribe
	// for the same name fails fast instead of double-joining.
	r.subs[name] = nil
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.subs, name)
		r.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		release()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, name, err)
	}

	topic, err := r.ps.Join(name)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, name, err)
	}

	ps, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		release()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, name, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		relay:  r,
		name:   name,
		topic:  topic,
		sub:    ps,
		inbox:  make(chan Envelope, subCap),
		cancel: cancel,
		closed: make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[name] = sub
	r.mu.Unlock()

	go sub.pump(pumpCtx)

	log.Printf("RELAY: subscribed %s", name)
	return sub, nil
}

// Publish sends a single envelope on a channel without holding a
// subscription, joining and leaving the topic around the publish. Used to
// ring a callee on their user channel. If the channel is already subscribed
// locally the live subscription's topic is reused.
func (r *Relay) Publish(ctx context.Context, name string, kind Kind, to string, body any) error {
	r.mu.Lock()
	sub := r.subs[name]
	r.mu.Unlock()
	if sub != nil {
		return sub.Send(ctx, kind, to, body)
	}

	topic, err := r.ps.Join(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribe, name, err)
	}
	defer topic.Close()

	env := Envelope{
		ID:   uuid.NewString(),
		Kind: kind,
		From: r.selfID,
		To:   to,
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signal: encode %s body: %w", kind, err)
		}
		env.Body = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signal: encode envelope: %w", err)
	}
	if err := topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("%w: publish %s on %s: %v", ErrSubscribe, kind, name, err)
	}
	r.record("send", name, kind, r.selfID)
	return nil
}

// Recent returns a copy of the relay's recent activity, oldest first.
func (r *Relay) Recent() []Activity {
	return r.recent.Snapshot()
}

func (r *Relay) record(dir, channel string, kind Kind, from string) {
	r.recent.Push(Activity{
		Dir:     dir,
		Channel: channel,
		Kind:    kind,
		From:    from,
		TS:      time.Now().UnixMilli(),
	})
}

func (r *Relay) drop(s *Subscription) {
	r.mu.Lock()
	if cur, ok := r.subs[s.name]; ok && cur == s {
		delete(r.subs, s.name)
	}
	r.mu.Unlock()
}

// Subscription is a live relay channel handle.
type Subscription struct {
	relay  *Relay
	name   string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	inbox  chan Envelope
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Subscription) Name() string { return s.name }

// Recv returns the inbound envelope stream. The channel is closed when the
// subscription is closed.
func (s *Subscription) Recv() <-chan Envelope { return s.inbox }

// Send publishes one envelope on this channel. body is JSON-encoded; to may
// be empty for broadcast kinds.
func (s *Subscription) Send(ctx context.Context, kind Kind, to string, body any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	env := Envelope{
		ID:   uuid.NewString(),
		Kind: kind,
		From: s.relay.selfID,
		To:   to,
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signal: encode %s body: %w", kind, err)
		}
		env.Body = b
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signal: encode envelope: %w", err)
	}
	if err := s.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("%w: publish %s on %s: %v", ErrSubscribe, kind, s.name, err)
	}
	s.relay.record("send", s.name, kind, s.relay.selfID)
	return nil
}

// Close cancels the subscription and leaves the topic. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.sub.Cancel()
		if err := s.topic.Close(); err != nil {
			log.Printf("RELAY: close %s: %v", s.name, err)
		}
		s.relay.drop(s)
		log.Printf("RELAY: unsubscribed %s", s.name)
	})
}

// pump reads raw pubsub messages, decodes envelopes, and forwards them to the
// inbox. The client's own broadcasts are skipped, since gossipsub echoes local
// publishes back to local subscribers. The inbox is closed when the pump
// exits, which happens only after Close cancels the context.
func (s *Subscription) pump(ctx context.Context) {
	defer close(s.inbox)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return // cancelled or subscription torn down
		}

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("RELAY: bad envelope on %s: %v", s.name, err)
			continue
		}
		if env.From == "" || env.Kind == "" {
			continue
		}
		if env.From == s.relay.selfID {
			continue
		}

		select {
		case s.inbox <- env:
			s.relay.record("recv", s.name, env.Kind, env.From)
		default:
			s.relay.record("drop", s.name, env.Kind, env.From)
			log.Printf("RELAY: inbox full on %s, dropping %s from %s", s.name, env.Kind, env.From)
		}
	}
}
