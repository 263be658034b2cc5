package sip

import (
	"sync"
	"time"

	"github.com/signalgrid/softswitch/internal/config"
)

// SubscriptionState is the lifecycle of a gateway event-package
// subscription.
type SubscriptionState int

const (
	SubUnsubscribed SubscriptionState = iota
	SubTrying
	SubSubscribed
	SubFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubUnsubscribed:
		return "unsubscribed"
	case SubTrying:
		return "trying"
	case SubSubscribed:
		return "subscribed"
	case SubFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// refreshMargin is subtracted from the subscribe frequency so the refresh
// lands before the server-side expiry.
const refreshMargin = 2 * time.Second

// Subscription tracks one event package subscribed at a gateway. Refreshes
// ride the same worker tick as registrations but on an independent clock.
type Subscription struct {
	mu  sync.Mutex
	cfg config.SubscriptionConfig

	gateway    string
	state      SubscriptionState
	refreshAt  time.Time
	retryAt    time.Time
	challenged bool
	lastError  string
}

func newSubscription(gateway string, cfg config.SubscriptionConfig) *Subscription {
	return &Subscription{cfg: cfg, gateway: gateway}
}

// EventPackage returns the subscribed event package name.
func (s *Subscription) EventPackage() string { return s.cfg.EventPackage }

// Config returns the subscription's validated configuration.
func (s *Subscription) Config() config.SubscriptionConfig { return s.cfg }

// State returns the subscription state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// needsSubscribe reports whether the tick should (re-)subscribe now.
func (s *Subscription) needsSubscribe(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SubUnsubscribed:
		return true
	case SubFailed:
		return !now.Before(s.retryAt)
	case SubSubscribed:
		return !now.Before(s.refreshAt)
	default:
		return false
	}
}

func (s *Subscription) beginSubscribe() {
	s.mu.Lock()
	s.state = SubTrying
	s.challenged = false
	s.mu.Unlock()
}

// markChallenged consumes the single challenge retry, same budget rule as
// gateway registration.
func (s *Subscription) markChallenged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenged {
		return false
	}
	s.challenged = true
	return true
}

// markSubscribed schedules the next refresh at frequency minus the safety
// margin.
func (s *Subscription) markSubscribed(now time.Time) {
	s.mu.Lock()
	s.state = SubSubscribed
	s.lastError = ""
	s.refreshAt = now.Add(time.Duration(s.cfg.Frequency)*time.Second - refreshMargin)
	s.mu.Unlock()
}

func (s *Subscription) markFailed(now time.Time, reason string) {
	s.mu.Lock()
	s.state = SubFailed
	s.lastError = reason
	s.retryAt = now.Add(time.Duration(s.cfg.RetrySeconds) * time.Second)
	s.mu.Unlock()
}
