// Package quota decides whether an owner may create a conversation or append a message
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// Reasons reported in a Decision
const (
	ReasonRateLimited       = string(domain.CodeRateLimited)
	ReasonConversationLimit = string(domain.CodeConversationLimit)
	ReasonMessageLimit      = string(domain.CodeMessageLimit)
)

// Limits are the per-owner quotas
type Limits struct {
	RateLimitSeconds int
	MaxConversations int
	MaxMessages      int
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	RetryAfter int
	Reason     string
}

// Err converts a rejection into the matching domain error
func (d Decision) Err(limits Limits) error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonRateLimited:
		return domain.RateLimited(d.RetryAfter)
	case d.Reason == ReasonConversationLimit:
		return domain.ConversationLimitReached(limits.MaxConversations)
	default:
		return domain.MessageLimitReached(limits.MaxMessages)
	}
}

// Admission is a granted message append. The owner lock stays held until Release.
type Admission struct {
	Conversation *domain.Conversation
	Usage        domain.Usage
	release      func()
}

// Release unlocks the owner; safe to call more than once
func (a *Admission) Release() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
}

// Guard evaluates quotas against the store under a per-owner lock
type Guard struct {
	store  domain.ConversationStore
	limits Limits
	locks  *keyedMutex
	now    func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a new quota guard
func NewGuard(store domain.ConversationStore, limits Limits, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		limits: limits,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the configured quotas
func (g *Guard) Limits() Limits {
	return g.limits
}

// Now is the guard's clock
func (g *Guard) Now() time.Time {
	return g.now()
}

// Lock serialises admission and the following write for owner
func (g *Guard) Lock(owner string) func() {
	return g.locks.Lock(owner)
}

// CheckRate applies the cooldown between two message appends
func (g *Guard) CheckRate(last, now time.Time) Decision {
	if g.limits.RateLimitSeconds <= 0 || last.IsZero() {
		return Decision{Allowed: true}
	}

	elapsed := int(now.Unix() - last.Unix())
	if elapsed >= g.limits.RateLimitSeconds {
		return Decision{Allowed: true}
	}

	retry := g.limits.RateLimitSeconds - elapsed
	if retry < 0 {
		retry = 0
	}
	return Decision{Reason: ReasonRateLimited, RetryAfter: retry}
}

// CheckConversations counts tombstones too, so deleting never frees capacity
func (g *Guard) CheckConversations(count int) Decision {
	if count >= g.limits.MaxConversations {
		return Decision{Reason: ReasonConversationLimit}
	}
	return Decision{Allowed: true}
}

// CheckMessages caps the stored message count of one conversation
func (g *Guard) CheckMessages(conv *domain.Conversation) Decision {
	if len(conv.Messages) >= g.limits.MaxMessages {
		return Decision{Reason: ReasonMessageLimit}
	}
	return Decision{Allowed: true}
}

// AdmitCreate checks the conversation cap. The caller must hold Lock(owner) until the insert lands.
func (g *Guard) AdmitCreate(ctx context.Context, owner string) error {
	count, err := g.store.CountByOwner(ctx, owner)
	if err != nil {
		return domain.PersistenceError(err)
	}
	return g.CheckConversations(count).Err(g.limits)
}

// AdmitMessage runs rate limit, lookup and message cap in that order.
// On success the owner lock is held and the caller must Release the admission.
func (g *Guard) AdmitMessage(ctx context.Context, owner, conversationID string) (*Admission, error) {
	unlock := g.Lock(owner)

	adm, err := g.admitMessage(ctx, owner, conversationID)
	if err != nil {
		unlock()
		return nil, err
	}
	adm.release = unlock
	return adm, nil
}

func (g *Guard) admitMessage(ctx context.Context, owner, conversationID string) (*Admission, error) {
	now := g.now()

	last, err := g.store.LastRequestTime(ctx, owner)
	if err != nil {
		return nil, domain.PersistenceError(err)
	}
	if d := g.CheckRate(last, now); !d.Allowed {
		return nil, d.Err(g.limits)
	}

	conv, err := g.store.Get(ctx, owner, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ConversationNotFound()
	}
	if err != nil {
		return nil, domain.PersistenceError(err)
	}
	if conv.Deleted {
		return nil, domain.ConversationDeleted()
	}

	if d := g.CheckMessages(conv); !d.Allowed {
		return nil, d.Err(g.limits)
	}

	return &Admission{
		Conversation: conv,
		Usage:        domain.Usage{Owner: owner, LastRequest: now, Previous: last},
	}, nil
}
