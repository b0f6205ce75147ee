package store

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nutrichat/internal/models"
)

var (
	ErrEmptyMessage   = errors.New("store: empty message")
	ErrNoConversation = errors.New("store: no active conversation")
	ErrNotFailed      = errors.New("store: no failed message with that id")
)

// DefaultMatchWindow bounds how far apart the local and server timestamps of
// the same message may be when the backend does not echo client_id.
const DefaultMatchWindow = 2 * time.Minute

type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is one row of a thread. Local entries carry a TempID and have no
// server id until they are confirmed.
type Entry struct {
	models.Message
	TempID string
	Status Status
}

func (e Entry) Local() bool { return e.Status != StatusConfirmed }

type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID int64, content, clientID string) (*models.Message, error)
}

type MessageStore struct {
	api      MessageAPI
	userID   int64
	logger   *log.Logger
	onChange func()
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	active  int64
	gen     uint64
	threads map[int64][]Entry
}

func NewMessageStore(api MessageAPI, userID int64, logger *log.Logger, onChange func()) *MessageStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &MessageStore{
		api:      api,
		userID:   userID,
		logger:   logger,
		onChange: onChange,
		window:   DefaultMatchWindow,
		now:      time.Now,
		threads:  make(map[int64][]Entry),
	}
}

// Activate switches the displayed thread. Loads started before the switch
// are discarded when they resolve.
func (s *MessageStore) Activate(conversationID int64) {
	s.mu.Lock()
	s.active = conversationID
	s.gen++
	s.mu.Unlock()

	s.onChange()
}

func (s *MessageStore) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Load fetches the thread of conversationID and replaces the cached one,
// keeping local entries the server has not acknowledged yet. A response for
// a conversation that is no longer active is dropped.
func (s *MessageStore) Load(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	gen := s.gen
	active := s.active
	s.mu.Unlock()

	if conversationID == 0 || conversationID != active {
		return nil
	}

	messages, err := s.api.ListMessages(ctx, conversationID)
	if err != nil {
		return errors.Wrapf(err, "load conversation %d", conversationID)
	}

	s.mu.Lock()
	if s.gen != gen || s.active != conversationID {
		s.mu.Unlock()
		s.logger.Printf("discarding stale thread for conversation %d", conversationID)
		return nil
	}
	s.threads[conversationID] = s.merge(messages, s.threads[conversationID])
	s.mu.Unlock()

	s.onChange()
	return nil
}

// Thread returns a copy of the active thread.
func (s *MessageStore) Thread() (int64, []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, len(s.threads[s.active]))
	copy(entries, s.threads[s.active])
	return s.active, entries
}

// Send appends a pending entry to the active thread and posts it. On success
// the entry is replaced by the server record; on failure it stays, marked
// failed, until Resend or Discard.
func (s *MessageStore) Send(ctx context.Context, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	entry := s.appendPending(s.active, content)
	s.mu.Unlock()

	s.onChange()
	return s.post(ctx, entry)
}

// Resend replaces the failed entry tempID with a new pending entry carrying
// the same content and posts it.
func (s *MessageStore) Resend(ctx context.Context, tempID string) (*models.Message, error) {
	s.mu.Lock()
	conv := s.active
	i := indexOfTemp(s.threads[conv], tempID)
	if i < 0 || s.threads[conv][i].Status != StatusFailed {
		s.mu.Unlock()
		return nil, ErrNotFailed
	}
	content := s.threads[conv][i].Content
	s.threads[conv] = removeAt(s.threads[conv], i)
	entry := s.appendPending(conv, content)
	s.mu.Unlock()

	s.onChange()
	return s.post(ctx, entry)
}

// Discard drops a failed entry from the active thread.
func (s *MessageStore) Discard(tempID string) error {
	s.mu.Lock()
	conv := s.active
	i := indexOfTemp(s.threads[conv], tempID)
	if i < 0 || s.threads[conv][i].Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	s.threads[conv] = removeAt(s.threads[conv], i)
	s.mu.Unlock()

	s.onChange()
	return nil
}

func (s *MessageStore) appendPending(conv int64, content string) Entry {
	id := uuid.NewString()
	entry := Entry{
		Message: models.Message{
			ConversationID: conv,
			SenderID:       s.userID,
			Content:        content,
			CreatedAt:      s.now(),
			ClientID:       id,
		},
		TempID: id,
		Status: StatusPending,
	}
	s.threads[conv] = append(s.threads[conv], entry)
	return entry
}

func (s *MessageStore) post(ctx context.Context, entry Entry) (*models.Message, error) {
	conv := entry.ConversationID
	msg, err := s.api.SendMessage(ctx, conv, entry.Content, entry.ClientID)

	s.mu.Lock()
	thread := s.threads[conv]
	i := indexOfTemp(thread, entry.TempID)
	if err != nil {
		if i >= 0 {
			thread[i].Status = StatusFailed
		}
		s.mu.Unlock()
		s.logger.Printf("send to conversation %d failed: %v", conv, err)
		s.onChange()
		return nil, errors.Wrapf(err, "send to conversation %d", conv)
	}

	// A refresh may have reconciled the entry already.
	if i >= 0 {
		thread = removeAt(thread, i)
	}
	if indexOfID(thread, msg.ID) < 0 {
		thread = append(thread, Entry{Message: *msg, Status: StatusConfirmed})
	}
	s.threads[conv] = order(thread)
	s.mu.Unlock()

	s.onChange()
	return msg, nil
}

// merge builds the new thread from a server listing. Server messages are
// deduplicated by id. A local entry is dropped once a server message matches
// it by client_id or, failing that, by sender, content and time window.
// Matching is one-to-one, oldest local entry first, and only server messages
// that were not already confirmed before this listing can match.
func (s *MessageStore) merge(server []models.Message, current []Entry) []Entry {
	thread := make([]Entry, 0, len(server)+len(current))
	seen := make(map[int64]bool, len(server))
	claimed := make([]bool, 0, cap(thread))
	known := make(map[int64]bool, len(current))
	for _, e := range current {
		if !e.Local() {
			known[e.ID] = true
		}
	}
	var latest time.Time
	for _, m := range server {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
		thread = append(thread, Entry{Message: m, Status: StatusConfirmed})
		claimed = append(claimed, known[m.ID])
	}

	// The listing may predate a send confirmed while it was in flight.
	for _, e := range current {
		if !e.Local() && !seen[e.ID] && !e.CreatedAt.Before(latest) {
			seen[e.ID] = true
			thread = append(thread, e)
			claimed = append(claimed, true)
		}
	}

	for _, e := range current {
		if !e.Local() {
			continue
		}
		if j := s.match(e, thread, claimed); j >= 0 {
			claimed[j] = true
			continue
		}
		thread = append(thread, e)
	}
	return order(thread)
}

func (s *MessageStore) match(e Entry, thread []Entry, claimed []bool) int {
	if e.ClientID != "" {
		for j := range claimed {
			if !claimed[j] && thread[j].ClientID == e.ClientID {
				return j
			}
		}
	}
	for j := range claimed {
		m := thread[j]
		if claimed[j] || m.ClientID != "" {
			continue
		}
		if m.SenderID == e.SenderID && m.Content == e.Content && within(m.CreatedAt, e.CreatedAt, s.window) {
			return j
		}
	}
	return -1
}

// order sorts confirmed messages by timestamp and keeps local entries after
// them in send order.
func order(thread []Entry) []Entry {
	sort.SliceStable(thread, func(i, j int) bool {
		a, b := thread[i], thread[j]
		if a.Local() != b.Local() {
			return !a.Local()
		}
		if a.Local() {
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return thread
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func indexOfTemp(thread []Entry, tempID string) int {
	for i, e := range thread {
		if e.Local() && e.TempID == tempID {
			return i
		}
	}
	return -1
}

func indexOfID(thread []Entry, id int64) int {
	for i, e := range thread {
		if !e.Local() && e.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(thread []Entry, i int) []Entry {
	out := make([]Entry, 0, len(thread)-1)
	out = append(out, thread[:i]...)
	return append(out, thread[i+1:]...)
}
