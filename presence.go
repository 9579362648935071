package solace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Presence and typing defaults.
const (
	DefaultTypingTTL      = 6 * time.Second
	DefaultTypingInterval = 2 * time.Second
)

// ============================================================================
// Presence & Typing Tracker
// ============================================================================

// Presence tracks the server's online-users snapshot and the transient
// typing state of counterparts, keyed by conversation. Typing entries expire
// on their own when the remote side never sends typing:false.
type Presence struct {
	selfID string

	mu     sync.RWMutex
	online map[string]struct{}

	typing      *ttlcache.Cache[string, string]
	unsubscribe func()

	// Throttles outbound typing:true emits.
	limiter *rate.Limiter
}

func newPresence(selfID string, ttl, emitInterval time.Duration, onExpire func(TypingState)) *Presence {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if emitInterval <= 0 {
		emitInterval = DefaultTypingInterval
	}
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	p := &Presence{
		selfID:  selfID,
		online:  make(map[string]struct{}),
		typing:  cache,
		limiter: rate.NewLimiter(rate.Every(emitInterval), 1),
	}
	p.unsubscribe = cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired || onExpire == nil {
			return
		}
		onExpire(TypingState{ConversationID: item.Key(), UserID: item.Value(), Typing: false})
	})
	go cache.Start()
	return p
}

// SetOnline replaces the online snapshot. It reports whether membership
// changed.
func (p *Presence) SetOnline(userIDs []string) bool {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := len(next) != len(p.online)
	if !changed {
		for id := range next {
			if _, ok := p.online[id]; !ok {
				changed = true
				break
			}
		}
	}
	p.online = next
	return changed
}

// IsOnline reports whether userID was in the last snapshot.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// OnlineUsers returns the snapshot sorted by id.
func (p *Presence) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetTyping records a typing notification. Notifications about self are
// ignored. It reports whether the visible state changed.
func (p *Presence) SetTyping(conversationID, userID string, typing bool) bool {
	if conversationID == "" || userID == "" || userID == p.selfID {
		return false
	}
	was := p.IsTyping(conversationID)
	if typing {
		p.typing.Set(conversationID, userID, ttlcache.DefaultTTL)
		return !was
	}
	if item := p.typing.Get(conversationID); item != nil && item.Value() != userID {
		return false
	}
	p.typing.Delete(conversationID)
	return was
}

// IsTyping reports whether a counterpart is typing in conversationID.
func (p *Presence) IsTyping(conversationID string) bool {
	return p.typing.Get(conversationID) != nil
}

// TypingUser returns who is typing in conversationID.
func (p *Presence) TypingUser(conversationID string) (string, bool) {
	item := p.typing.Get(conversationID)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// AllowTypingEmit reports whether an outbound typing event may be sent now.
// typing:false is never throttled.
func (p *Presence) AllowTypingEmit(typing bool) bool {
	if !typing {
		return true
	}
	return p.limiter.Allow()
}

// Clear drops the online snapshot and all typing state.
func (p *Presence) Clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
	p.typing.DeleteAll()
}

// Close stops the expiry loop.
func (p *Presence) Close() {
	p.typing.Stop()
	p.unsubscribe()
}
