package call

import (
	"context"
	"log"
	"sync"

	"github.com/halcyonchat/huddle/internal/signal"
)

// IncomingCall is one retained inbound call offer.
type IncomingCall struct {
	From  string
	Offer signal.CallOffer
}

// Listener watches the local user's own channel for inbound call offers while
// no call UI is mounted. At most one offer is retained at a time; a second
// concurrent offer is dropped until the first is taken or cleared
// (first-offer-wins).
type Listener struct {
	selfID     string
	signaler   Signaler
	onIncoming func(IncomingCall)

	mu        sync.Mutex
	ch        signal.Channel
	cancel    context.CancelFunc
	pending   *IncomingCall
	suspended bool
}

// NewListener builds the listener. onIncoming fires once per newly retained
// offer, from the listener's dispatch goroutine.
func NewListener(selfID string, sig Signaler, onIncoming func(IncomingCall)) *Listener {
	return &Listener{
		selfID:     selfID,
		signaler:   sig,
		onIncoming: onIncoming,
	}
}

// Start subscribes the user channel and begins watching for offers.
func (l *Listener) Start(ctx context.Context) error {
	ch, err := l.signaler.Subscribe(ctx, signal.UserCall(l.selfID))
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.ch = ch
	l.cancel = cancel
	l.mu.Unlock()

	go l.dispatch(loopCtx, ch.Recv())
	log.Printf("CALL: listening for incoming calls as %s", l.selfID)
	return nil
}

// Close unsubscribes and drops any retained offer.
func (l *Listener) Close() {
	l.mu.Lock()
	ch, cancel := l.ch, l.cancel
	l.ch, l.cancel = nil, nil
	l.pending = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
}

// Suspend stops offer handling while a call UI is active, clearing any
// retained offer so it cannot be handled twice.
func (l *Listener) Suspend() {
	l.mu.Lock()
	l.suspended = true
	l.pending = nil
	l.mu.Unlock()
}

// Resume re-enables offer handling after the call UI goes away.
func (l *Listener) Resume() {
	l.mu.Lock()
	l.suspended = false
	l.mu.Unlock()
}

// Pending returns the retained offer, if any.
func (l *Listener) Pending() (IncomingCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return IncomingCall{}, false
	}
	return *l.pending, true
}

// Take hands the retained offer off to a receiver-side call session and
// clears it.
func (l *Listener) Take() (IncomingCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return IncomingCall{}, false
	}
	inc := *l.pending
	l.pending = nil
	return inc, true
}

func (l *Listener) dispatch(ctx context.Context, recv <-chan signal.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-recv:
			if !ok {
				return
			}
			l.handle(env)
		}
	}
}

func (l *Listener) handle(env signal.Envelope) {
	if !env.AddressedTo(l.selfID) {
		return
	}

	switch env.Kind {
	case signal.KindCallOffer:
		offer, err := signal.Body[signal.CallOffer](env)
		if err != nil || offer.ThreadID == "" {
			return
		}

		l.mu.Lock()
		if l.suspended || l.pending != nil {
			l.mu.Unlock()
			log.Printf("CALL: offer from %s dropped, another call is active", env.From)
			return
		}
		inc := IncomingCall{From: env.From, Offer: offer}
		l.pending = &inc
		cb := l.onIncoming
		l.mu.Unlock()

		log.Printf("CALL: incoming %s call from %s (thread %s)", offer.CallType, env.From, offer.ThreadID)
		if cb != nil {
			cb(inc)
		}

	case signal.KindCallEnd, signal.KindCallDeclined:
		// The caller gave up (or the call got answered elsewhere) before we
		// acted on the retained offer.
		l.mu.Lock()
		if l.pending != nil && l.pending.From == env.From {
			l.pending = nil
			log.Printf("CALL: retained offer from %s cleared (%s)", env.From, env.Kind)
		}
		l.mu.Unlock()
	}
}
