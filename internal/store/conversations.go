package store

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/pkg/errors"

	"nutrichat/internal/models"
)

type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// ConversationStore caches the conversation list. A failed refresh leaves the
// last successful list in place.
type ConversationStore struct {
	api      ConversationAPI
	logger   *log.Logger
	onChange func()

	mu     sync.RWMutex
	list   []models.Conversation
	active int64
	loaded bool
}

func NewConversationStore(api ConversationAPI, logger *log.Logger, onChange func()) *ConversationStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &ConversationStore{api: api, logger: logger, onChange: onChange}
}

func (s *ConversationStore) Refresh(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh conversations")
	}
	if list == nil {
		list = []models.Conversation{}
	}

	s.mu.Lock()
	s.list = list
	s.loaded = true
	s.mu.Unlock()

	s.onChange()
	return nil
}

// Select marks id as the conversation whose thread is displayed.
func (s *ConversationStore) Select(id int64) {
	s.mu.Lock()
	changed := s.active != id
	s.active = id
	s.mu.Unlock()

	if changed {
		s.onChange()
	}
}

func (s *ConversationStore) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Upsert inserts c at the top of the list, or replaces the entry with the
// same id in place.
func (s *ConversationStore) Upsert(c models.Conversation) {
	s.mu.Lock()
	found := false
	for i := range s.list {
		if s.list[i].ID == c.ID {
			s.list[i] = c
			found = true
			break
		}
	}
	if !found {
		s.list = append([]models.Conversation{c}, s.list...)
	}
	s.mu.Unlock()

	s.onChange()
}

// ClearUnread zeroes the local unread count of id until the next refresh.
func (s *ConversationStore) ClearUnread(id int64) {
	s.mu.Lock()
	changed := false
	for i := range s.list {
		if s.list[i].ID == id && s.list[i].UnreadCount != 0 {
			s.list[i].UnreadCount = 0
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.onChange()
	}
}

// Snapshot returns a copy of the list, the active id and whether any refresh
// has succeeded yet.
func (s *ConversationStore) Snapshot() ([]models.Conversation, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.Conversation, len(s.list))
	copy(list, s.list)
	return list, s.active, s.loaded
}

func (s *ConversationStore) Get(id int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.list {
		if c.ID == id {
			return c, true
		}
	}
	return models.Conversation{}, false
}
