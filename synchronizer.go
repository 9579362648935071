package solace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned when an operation needs an active
	// conversation and none is selected.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrDuplicatePending is returned when the same sender already has an
	// unconfirmed placeholder with identical content.
	ErrDuplicatePending = errors.New("identical message is still pending")
)

// DefaultSeenCapacity bounds the set of ingested message ids.
const DefaultSeenCapacity = 4096

// ============================================================================
// Message Synchronizer
// ============================================================================

// Synchronizer owns the ordered message list of the single active
// conversation. It reconciles REST pages, pushed messages and local
// placeholders into one list sorted by creation time, with unique ids.
type Synchronizer struct {
	api      API
	lookup   participantLookup
	selfID   string
	pageSize int
	log      *zap.Logger
	metrics  *Metrics

	mu         sync.Mutex
	active     string
	generation uint64
	messages   []Message
	oldestID   string
	hasMore    bool
	loading    bool
	seen       *lru.Cache[string, struct{}]
	// settled holds the TempIDs of sends that were confirmed or retired. A
	// later copy carrying one of them is a second delivery of the same send.
	settled *lru.Cache[string, struct{}]
	// watermarks hold the latest counterpart read time per conversation so
	// a receipt that overtakes its message still applies.
	watermarks map[string]time.Time
}

func newSynchronizer(api API, lookup participantLookup, selfID string, pageSize, seenCapacity int, log *zap.Logger, metrics *Metrics) (*Synchronizer, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if seenCapacity <= 0 {
		seenCapacity = DefaultSeenCapacity
	}
	seen, err := lru.New[string, struct{}](seenCapacity)
	if err != nil {
		return nil, fmt.Errorf("seen set: %w", err)
	}
	settled, err := lru.New[string, struct{}](seenCapacity)
	if err != nil {
		return nil, fmt.Errorf("settled set: %w", err)
	}
	return &Synchronizer{
		api:        api,
		lookup:     lookup,
		selfID:     selfID,
		pageSize:   pageSize,
		log:        log,
		metrics:    metrics,
		seen:       seen,
		settled:    settled,
		watermarks: make(map[string]time.Time),
	}, nil
}

// Select makes id the active conversation, clearing the list and
// invalidating any load still in flight. It returns the previous active id.
func (s *Synchronizer) Select(id string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.active
	s.generation++
	s.active = id
	s.messages = nil
	s.oldestID = ""
	s.hasMore = false
	s.loading = false
	return previous
}

// Reset clears the active conversation.
func (s *Synchronizer) Reset() (previous string) {
	return s.Select("")
}

// LoadInitialPage fetches the newest page of id and replaces the list. The
// result is discarded, reporting false, when id is no longer active or
// another switch happened meanwhile.
func (s *Synchronizer) LoadInitialPage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	if id == "" || s.active != id {
		s.mu.Unlock()
		return false, nil
	}
	gen := s.generation
	s.loading = true
	s.mu.Unlock()

	page, err := s.fetch(ctx, id, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.active != id {
		s.log.Debug("discarding stale initial page", conversationField(id))
		s.metrics.staleLoad()
		return false, nil
	}
	s.loading = false
	if err != nil {
		return false, fmt.Errorf("load messages: %w", err)
	}

	// Anything that arrived during the fetch (pushes, placeholders) survives
	// unless the page already carries it.
	inPage := make(map[string]struct{}, len(page.Messages))
	next := make([]Message, 0, len(page.Messages)+len(s.messages))
	for _, m := range page.Messages {
		if _, dup := inPage[m.ID]; dup {
			continue
		}
		inPage[m.ID] = struct{}{}
		s.seen.Add(m.ID, struct{}{})
		if m.TempID != "" {
			s.settled.Add(m.TempID, struct{}{})
		}
		next = append(next, s.applyWatermarkLocked(m))
	}
	sortMessages(next)
	s.oldestID = ""
	if len(next) > 0 {
		s.oldestID = next[0].ID
	}
	leftovers := carryOver(s.messages, next, inPage)
	s.messages = next
	for _, m := range leftovers {
		s.insertSortedLocked(m)
	}
	s.hasMore = page.Fetched >= s.pageSize
	return true, nil
}

// carryOver returns the entries of current missing from page, dropping
// placeholders that page already confirms.
func carryOver(current, page []Message, inPage map[string]struct{}) []Message {
	var out []Message
	for _, m := range current {
		if _, ok := inPage[m.ID]; ok {
			continue
		}
		if m.placeholder() && confirmedIn(m, page) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func confirmedIn(placeholder Message, page []Message) bool {
	for _, m := range page {
		if m.TempID != "" {
			if m.TempID == placeholder.TempID {
				return true
			}
			continue
		}
		// An old message with the same text does not confirm a fresh send.
		if m.SenderID == placeholder.SenderID && m.Content == placeholder.Content && !m.CreatedAt.Before(placeholder.CreatedAt.Add(-time.Minute)) {
			return true
		}
	}
	return false
}

// LoadOlderPage prepends the page preceding the oldest loaded message and
// returns how many entries were added. It is a no-op while a load is in
// flight, with nothing selected, or once history is exhausted. Existing
// entries keep their relative order.
func (s *Synchronizer) LoadOlderPage(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.loading || s.active == "" || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	id, before, gen := s.active, s.oldestID, s.generation
	s.loading = true
	s.mu.Unlock()

	page, err := s.fetch(ctx, id, before)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.active != id {
		s.log.Debug("discarding stale older page", conversationField(id))
		s.metrics.staleLoad()
		return 0, nil
	}
	s.loading = false
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}

	present := make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		present[m.ID] = struct{}{}
	}
	older := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if _, dup := present[m.ID]; dup {
			continue
		}
		present[m.ID] = struct{}{}
		s.seen.Add(m.ID, struct{}{})
		older = append(older, s.applyWatermarkLocked(m))
	}
	sortMessages(older)

	s.messages = append(older, s.messages...)
	s.hasMore = page.Fetched >= s.pageSize
	if len(older) > 0 {
		s.oldestID = older[0].ID
	}
	return len(older), nil
}

// CatchUp merges the newest page of the active conversation through the
// ingest path, e.g. after a reconnect. It returns how many entries changed.
func (s *Synchronizer) CatchUp(ctx context.Context) (int, error) {
	s.mu.Lock()
	id, gen := s.active, s.generation
	s.mu.Unlock()
	if id == "" {
		return 0, nil
	}

	page, err := s.fetch(ctx, id, "")
	if err != nil {
		return 0, fmt.Errorf("catch up: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.active != id {
		s.metrics.staleLoad()
		return 0, nil
	}
	changed := 0
	for _, m := range page.Messages {
		switch s.ingestLocked(m) {
		case IngestAppended, IngestReconciled:
			changed++
		}
	}
	return changed, nil
}

// fetch loads one page and completes participant summaries from the
// lookup. It runs without s.mu held.
func (s *Synchronizer) fetch(ctx context.Context, id, before string) (MessagePage, error) {
	page, err := s.api.ListMessages(ctx, id, before, s.pageSize)
	if err != nil {
		return MessagePage{}, err
	}
	for i := range page.Messages {
		page.Messages[i] = fillParties(page.Messages[i], s.lookup)
	}
	return page, nil
}

// Ingest applies one confirmed message:
//  1. an id seen before, or a TempID already settled, is a duplicate;
//  2. a message for another conversation is only routed (no list change);
//  3. a matching pending placeholder is replaced in place;
//  4. otherwise the message is inserted in creation order.
//
// A message carrying a TempID only matches the placeholder with that TempID.
// Without one, the first pending placeholder from the same sender with
// identical content matches.
func (s *Synchronizer) Ingest(msg Message) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(msg)
}

func (s *Synchronizer) ingestLocked(msg Message) IngestResult {
	result := s.classifyLocked(msg)
	s.metrics.ingest(result)
	return result
}

func (s *Synchronizer) classifyLocked(msg Message) IngestResult {
	if s.seen.Contains(msg.ID) || (msg.ConversationID == s.active && s.indexLocked(msg.ID) >= 0) {
		return IngestDuplicate
	}
	s.seen.Add(msg.ID, struct{}{})
	if msg.TempID != "" && s.settled.Contains(msg.TempID) {
		return IngestDuplicate
	}

	if msg.ConversationID != s.active {
		if msg.TempID != "" {
			s.settled.Add(msg.TempID, struct{}{})
		}
		return IngestRouted
	}

	msg.Status = StatusConfirmed
	msg = s.applyWatermarkLocked(msg)
	if i := s.placeholderIndexLocked(msg); i >= 0 {
		if msg.TempID == "" {
			msg.TempID = s.messages[i].TempID
		}
		s.settled.Add(msg.TempID, struct{}{})
		s.messages[i] = msg
		return IngestReconciled
	}
	if msg.TempID != "" {
		s.settled.Add(msg.TempID, struct{}{})
	}
	s.insertSortedLocked(msg)
	return IngestAppended
}

func (s *Synchronizer) placeholderIndexLocked(msg Message) int {
	for i, m := range s.messages {
		if !m.placeholder() {
			continue
		}
		if msg.TempID != "" {
			if m.TempID == msg.TempID {
				return i
			}
			continue
		}
		if m.SenderID == msg.SenderID && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

// AppendPlaceholder adds an optimistic entry to the active conversation.
func (s *Synchronizer) AppendPlaceholder(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" || msg.ConversationID != s.active {
		return ErrNoConversation
	}
	for _, m := range s.messages {
		if m.Pending() && m.SenderID == msg.SenderID && m.Content == msg.Content {
			return ErrDuplicatePending
		}
	}
	msg.Status = StatusPending
	msg.ID = msg.TempID
	s.insertSortedLocked(msg)
	return nil
}

// Confirm replaces the placeholder tempID with its persisted message. It
// reports whether the list changed; a message already delivered by push is a
// no-op apart from dropping any leftover placeholder.
func (s *Synchronizer) Confirm(tempID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.TempID = tempID
	msg.Status = StatusConfirmed
	placeholder := -1
	for i, m := range s.messages {
		if m.placeholder() && m.TempID == tempID {
			placeholder = i
			break
		}
	}

	// The same id, or another copy of an already settled send.
	if s.seen.Contains(msg.ID) || s.indexLocked(msg.ID) >= 0 || (placeholder < 0 && s.settled.Contains(tempID)) {
		s.metrics.ingest(IngestDuplicate)
		s.seen.Add(msg.ID, struct{}{})
		s.settled.Add(tempID, struct{}{})
		if placeholder >= 0 {
			s.removeAtLocked(placeholder)
			return true
		}
		return false
	}
	s.seen.Add(msg.ID, struct{}{})
	s.settled.Add(tempID, struct{}{})

	if msg.ConversationID != s.active {
		s.metrics.ingest(IngestRouted)
		return false
	}
	msg = s.applyWatermarkLocked(msg)
	if placeholder >= 0 {
		s.messages[placeholder] = msg
		s.metrics.ingest(IngestReconciled)
		return true
	}
	s.insertSortedLocked(msg)
	s.metrics.ingest(IngestAppended)
	return true
}

// MarkFailed flags the pending entry tempID as failed.
func (s *Synchronizer) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].Pending() && s.messages[i].TempID == tempID {
			s.messages[i].Status = StatusFailed
			return true
		}
	}
	return false
}

// RemovePlaceholder drops the unconfirmed entry tempID, if still present.
func (s *Synchronizer) RemovePlaceholder(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.placeholder() && m.TempID == tempID {
			s.removeAtLocked(i)
			return m, true
		}
	}
	return Message{}, false
}

// Retire drops the unconfirmed entry tempID and settles it, so a late
// delivery of that send stays hidden.
func (s *Synchronizer) Retire(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.placeholder() && m.TempID == tempID {
			s.removeAtLocked(i)
			s.settled.Add(tempID, struct{}{})
			return m, true
		}
	}
	return Message{}, false
}

// IsPending reports whether the placeholder tempID still awaits confirmation.
func (s *Synchronizer) IsPending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Pending() && m.TempID == tempID {
			return true
		}
	}
	return false
}

// ApplyRead records that readerID read conversationID at time at and marks
// every confirmed self-authored message of the active list read. Receipts
// from self are ignored. Repeating a receipt changes nothing.
func (s *Synchronizer) ApplyRead(conversationID, readerID string, at time.Time) bool {
	if readerID == "" || readerID == s.selfID {
		return false
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if wm, ok := s.watermarks[conversationID]; !ok || at.After(wm) {
		s.watermarks[conversationID] = at
	}
	if conversationID != s.active {
		return false
	}
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != s.selfID || m.IsRead || m.placeholder() {
			continue
		}
		readAt := at
		m.IsRead = true
		m.ReadAt = &readAt
		changed = true
	}
	return changed
}

func (s *Synchronizer) applyWatermarkLocked(m Message) Message {
	if m.SenderID != s.selfID || m.IsRead {
		return m
	}
	wm, ok := s.watermarks[m.ConversationID]
	if !ok || m.CreatedAt.After(wm) {
		return m
	}
	readAt := wm
	m.IsRead = true
	m.ReadAt = &readAt
	return m
}

// Snapshot returns a copy of the active list.
func (s *Synchronizer) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Active returns the active conversation id, or "".
func (s *Synchronizer) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// HasMore reports whether older history may exist.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Loading reports whether a page load is in flight.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Synchronizer) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) insertSortedLocked(m Message) {
	n := len(s.messages)
	if n == 0 || !m.CreatedAt.Before(s.messages[n-1].CreatedAt) {
		s.messages = append(s.messages, m)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.messages[i].CreatedAt.After(m.CreatedAt) })
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Synchronizer) removeAtLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
