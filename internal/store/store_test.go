package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nutrichat/internal/models"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// stubAPI is an in-memory backend. listGate and sendGate, when set, block the
// corresponding call until a value is received.
type stubAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	convErr       error
	threads       map[int64][]models.Message
	nextID        int64
	echoClientID  bool
	sendErr       error
	reply         *models.Message
	sends         int

	listGate map[int64]chan struct{}
	sendGate chan struct{}
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		threads:      make(map[int64][]models.Message),
		nextID:       100,
		echoClientID: true,
		listGate:     make(map[int64]chan struct{}),
	}
}

func (s *stubAPI) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convErr != nil {
		return nil, s.convErr
	}
	return append([]models.Conversation(nil), s.conversations...), nil
}

func (s *stubAPI) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	s.mu.Lock()
	gate := s.listGate[conversationID]
	messages := append([]models.Message(nil), s.threads[conversationID]...)
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return messages, nil
}

func (s *stubAPI) SendMessage(ctx context.Context, conversationID int64, content, clientID string) (*models.Message, error) {
	s.mu.Lock()
	s.sends++
	gate := s.sendGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	if s.reply != nil {
		msg := *s.reply
		return &msg, nil
	}
	s.nextID++
	msg := models.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		SenderID:       1,
		Content:        content,
		CreatedAt:      base.Add(time.Duration(s.nextID) * time.Second),
	}
	if s.echoClientID {
		msg.ClientID = clientID
	}
	s.threads[conversationID] = append(s.threads[conversationID], msg)
	return &msg, nil
}

func (s *stubAPI) seed(conversationID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.nextID++
		s.threads[conversationID] = append(s.threads[conversationID], models.Message{
			ID:             s.nextID,
			ConversationID: conversationID,
			SenderID:       2,
			Content:        "hello",
			CreatedAt:      base.Add(time.Duration(s.nextID) * time.Second),
		})
	}
}

func newTestMessageStore(api *stubAPI) *MessageStore {
	ms := NewMessageStore(api, 1, nil, nil)
	ms.now = func() time.Time { return base.Add(150 * time.Second) }
	return ms
}

func countContent(entries []Entry, content string) int {
	n := 0
	for _, e := range entries {
		if e.Content == content {
			n++
		}
	}
	return n
}

func TestSendShowsPendingThenConfirmed(t *testing.T) {
	api := newStubAPI()
	api.seed(42, 3)
	ms := newTestMessageStore(api)
	ms.Activate(42)
	if err := ms.Load(context.Background(), 42); err != nil {
		t.Fatalf("Load: %v", err)
	}

	api.sendGate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ms.Send(context.Background(), "Olá")
		done <- err
	}()

	waitFor(t, func() bool {
		_, entries := ms.Thread()
		return len(entries) == 4
	})
	_, entries := ms.Thread()
	last := entries[len(entries)-1]
	if last.Content != "Olá" || last.Status != StatusPending || last.TempID == "" {
		t.Fatalf("expected pending Olá at the end, got %+v", last)
	}

	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, entries = ms.Thread()
	if len(entries) != 4 || countContent(entries, "Olá") != 1 {
		t.Fatalf("expected 4 entries with one Olá, got %+v", entries)
	}
	if entries[3].Status != StatusConfirmed || entries[3].ID == 0 {
		t.Fatalf("expected confirmed server record, got %+v", entries[3])
	}

	if err := ms.Load(context.Background(), 42); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 4 || countContent(entries, "Olá") != 1 {
		t.Fatalf("expected no duplicate after refresh, got %+v", entries)
	}
}

func TestSendFailureKeepsFailedEntry(t *testing.T) {
	api := newStubAPI()
	api.seed(42, 2)
	api.sendErr = errors.New("connection refused")
	ms := newTestMessageStore(api)
	ms.Activate(42)
	if err := ms.Load(context.Background(), 42); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := ms.Send(context.Background(), "Olá"); err == nil {
		t.Fatalf("expected send error")
	}
	_, entries := ms.Thread()
	if len(entries) != 3 || entries[2].Status != StatusFailed {
		t.Fatalf("expected failed entry at the end, got %+v", entries)
	}
	failed := entries[2].TempID

	// Polling must not resurrect or drop it.
	if err := ms.Load(context.Background(), 42); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 3 || entries[2].Status != StatusFailed {
		t.Fatalf("expected failed entry to survive refresh, got %+v", entries)
	}
	if api.sends != 1 {
		t.Fatalf("expected no automatic retry, got %d sends", api.sends)
	}

	api.mu.Lock()
	api.sendErr = nil
	api.sendGate = make(chan struct{})
	api.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		_, err := ms.Resend(context.Background(), failed)
		done <- err
	}()

	waitFor(t, func() bool {
		_, entries := ms.Thread()
		return len(entries) == 3 && entries[2].Status == StatusPending
	})
	_, entries = ms.Thread()
	if entries[2].TempID == failed {
		t.Fatalf("expected resend to create a new pending entry")
	}
	if countContent(entries, "Olá") != 1 {
		t.Fatalf("expected exactly one Olá, got %+v", entries)
	}

	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatalf("Resend: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 3 || entries[2].Status != StatusConfirmed {
		t.Fatalf("expected confirmed entry after resend, got %+v", entries)
	}
}

func TestResendRejectsUnknownEntry(t *testing.T) {
	ms := newTestMessageStore(newStubAPI())
	ms.Activate(42)
	if _, err := ms.Resend(context.Background(), "nope"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}

func TestEmptyMessageIsRejectedBeforeNetwork(t *testing.T) {
	api := newStubAPI()
	ms := newTestMessageStore(api)
	ms.Activate(42)

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := ms.Send(context.Background(), content); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("content %q: expected ErrEmptyMessage, got %v", content, err)
		}
	}
	if api.sends != 0 {
		t.Fatalf("expected no network call, got %d", api.sends)
	}
	if _, entries := ms.Thread(); len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	ms := newTestMessageStore(newStubAPI())
	if _, err := ms.Send(context.Background(), "hi"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	api := newStubAPI()
	api.seed(42, 2)
	api.seed(7, 1)
	gate := make(chan struct{})
	api.listGate[42] = gate

	ms := newTestMessageStore(api)
	ms.Activate(42)
	done := make(chan error, 1)
	go func() { done <- ms.Load(context.Background(), 42) }()

	ms.Activate(7)
	if err := ms.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Load: %v", err)
	}

	active, entries := ms.Thread()
	if active != 7 || len(entries) != 1 || entries[0].ConversationID != 7 {
		t.Fatalf("expected conversation 7 thread only, got %d %+v", active, entries)
	}

	ms.mu.Lock()
	_, written := ms.threads[42]
	ms.mu.Unlock()
	if written {
		t.Fatalf("expected stale conversation 42 response to be dropped")
	}
}

func TestLoadDeduplicatesAndOrders(t *testing.T) {
	api := newStubAPI()
	m1 := models.Message{ID: 1, ConversationID: 5, SenderID: 2, Content: "a", CreatedAt: base.Add(time.Minute)}
	m2 := models.Message{ID: 2, ConversationID: 5, SenderID: 2, Content: "b", CreatedAt: base}
	api.threads[5] = []models.Message{m1, m2, m1}

	ms := newTestMessageStore(api)
	ms.Activate(5)
	if err := ms.Load(context.Background(), 5); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries := ms.Thread()
	if len(entries) != 2 || entries[0].ID != 2 || entries[1].ID != 1 {
		t.Fatalf("expected [2 1], got %+v", entries)
	}
}

func TestRefreshReconcilesPendingWithoutClientID(t *testing.T) {
	api := newStubAPI()
	api.echoClientID = false
	api.seed(42, 1)
	ms := newTestMessageStore(api)
	ms.Activate(42)

	gate := make(chan struct{})
	api.sendGate = gate
	done := make(chan error, 1)
	go func() {
		_, err := ms.Send(context.Background(), "Olá")
		done <- err
	}()
	waitFor(t, func() bool {
		_, entries := ms.Thread()
		return len(entries) == 1 && entries[0].Status == StatusPending
	})

	// The server persisted the message, but the POST response is still in flight.
	api.mu.Lock()
	api.nextID++
	api.threads[42] = append(api.threads[42], models.Message{
		ID: api.nextID, ConversationID: 42, SenderID: 1, Content: "Olá",
		CreatedAt: base.Add(151 * time.Second),
	})
	persisted := api.nextID
	api.mu.Unlock()

	if err := ms.Load(context.Background(), 42); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries := ms.Thread()
	if len(entries) != 2 || countContent(entries, "Olá") != 1 || entries[1].ID != persisted {
		t.Fatalf("expected refresh to replace the pending entry, got %+v", entries)
	}

	api.mu.Lock()
	api.reply = &models.Message{
		ID: persisted, ConversationID: 42, SenderID: 1, Content: "Olá",
		CreatedAt: base.Add(151 * time.Second),
	}
	api.mu.Unlock()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 2 || countContent(entries, "Olá") != 1 {
		t.Fatalf("expected late acknowledgment not to duplicate, got %+v", entries)
	}
}

func countStatus(entries []Entry, status Status) int {
	n := 0
	for _, e := range entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

func TestFailedRepeatSurvivesRefreshWithoutClientID(t *testing.T) {
	api := newStubAPI()
	api.echoClientID = false
	ms := newTestMessageStore(api)
	ms.Activate(7)

	if _, err := ms.Send(context.Background(), "ok"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	api.mu.Lock()
	api.sendErr = errors.New("offline")
	api.mu.Unlock()
	if _, err := ms.Send(context.Background(), "ok"); err == nil {
		t.Fatalf("expected second send to fail")
	}

	if err := ms.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries := ms.Thread()
	if len(entries) != 2 || countStatus(entries, StatusConfirmed) != 1 || countStatus(entries, StatusFailed) != 1 {
		t.Fatalf("expected the failed repeat to stay next to the confirmed one, got %+v", entries)
	}

	failed := entries[1].TempID
	if _, err := ms.Resend(context.Background(), failed); err == nil {
		t.Fatalf("expected resend to fail while offline")
	}
	if err := ms.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 2 || countStatus(entries, StatusFailed) != 1 {
		t.Fatalf("expected the failed resend to survive a refresh, got %+v", entries)
	}
	if entries[1].TempID == failed {
		t.Fatalf("expected resend to use a new temporary id")
	}

	if err := ms.Discard(entries[1].TempID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 1 || entries[0].Status != StatusConfirmed {
		t.Fatalf("expected only the confirmed message after discard, got %+v", entries)
	}
	if err := ms.Discard(failed); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}

func TestIdenticalRapidSendsWithoutClientID(t *testing.T) {
	api := newStubAPI()
	api.echoClientID = false
	ms := newTestMessageStore(api)
	ms.Activate(7)

	if _, err := ms.Send(context.Background(), "ok"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	gate := make(chan struct{})
	api.mu.Lock()
	api.sendGate = gate
	api.mu.Unlock()

	done := make(chan error, 2)
	for i := 1; i <= 2; i++ {
		go func() {
			_, err := ms.Send(context.Background(), "ok")
			done <- err
		}()
		want := i
		waitFor(t, func() bool {
			_, entries := ms.Thread()
			return countStatus(entries, StatusPending) == want
		})
	}

	// Only the first message is on the server yet.
	if err := ms.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries := ms.Thread()
	if len(entries) != 3 || countStatus(entries, StatusPending) != 2 {
		t.Fatalf("expected both pending sends to stay, got %+v", entries)
	}

	close(gate)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := ms.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries = ms.Thread()
	if len(entries) != 3 || countStatus(entries, StatusConfirmed) != 3 {
		t.Fatalf("expected three confirmed messages, got %+v", entries)
	}
}

func TestRoundTripAppearsOnce(t *testing.T) {
	api := newStubAPI()
	api.seed(9, 2)
	ms := newTestMessageStore(api)
	ms.Activate(9)

	sent, err := ms.Send(context.Background(), "check-in")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	fresh := newTestMessageStore(api)
	fresh.Activate(9)
	if err := fresh.Load(context.Background(), 9); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, entries := fresh.Thread()
	if countContent(entries, "check-in") != 1 {
		t.Fatalf("expected message once, got %+v", entries)
	}
	if entries[len(entries)-1].ID != sent.ID {
		t.Fatalf("expected sent message last by timestamp, got %+v", entries)
	}
}

func TestConversationRefreshKeepsLastGoodList(t *testing.T) {
	api := newStubAPI()
	api.conversations = []models.Conversation{{ID: 1}, {ID: 2}}
	changes := 0
	cs := NewConversationStore(api, nil, func() { changes++ })

	if err := cs.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	api.convErr = errors.New("timeout")
	if err := cs.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}

	list, _, loaded := cs.Snapshot()
	if !loaded || len(list) != 2 {
		t.Fatalf("expected previous list to be kept, got %+v", list)
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestConversationUpsertAndSelect(t *testing.T) {
	api := newStubAPI()
	api.conversations = []models.Conversation{{ID: 1, UnreadCount: 3}}
	cs := NewConversationStore(api, nil, nil)
	if err := cs.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cs.Upsert(models.Conversation{ID: 2})
	cs.Upsert(models.Conversation{ID: 1, LastMessage: "hi"})
	cs.Select(1)
	cs.ClearUnread(1)

	list, active, _ := cs.Snapshot()
	if len(list) != 2 || list[0].ID != 2 || active != 1 {
		t.Fatalf("unexpected snapshot %+v active=%d", list, active)
	}
	c, ok := cs.Get(1)
	if !ok || c.LastMessage != "hi" || c.UnreadCount != 0 {
		t.Fatalf("unexpected conversation %+v", c)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
