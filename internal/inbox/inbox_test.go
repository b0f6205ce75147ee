package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"nutrichat/internal/models"
	"nutrichat/internal/notify"
	"nutrichat/internal/session"
)

type fakeAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	threads       map[int64][]models.Message
	notifications []models.Notification
	unread        int
	marked        []int64
	nextID        int64
	polls         int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{threads: make(map[int64][]models.Message), nextID: 100}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	atomic.AddInt32(&f.polls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			f.conversations[i].UnreadCount = 0
		}
	}
	return append([]models.Message(nil), f.threads[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID int64, content, clientID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := models.Message{
		ID: f.nextID, ConversationID: conversationID, SenderID: 1,
		Content: content, CreatedAt: time.Now(), ClientID: clientID,
	}
	f.threads[conversationID] = append(f.threads[conversationID], msg)
	return &msg, nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	atomic.AddInt32(&f.polls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) FindOrCreateByPatient(ctx context.Context, patientID int64) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		for _, p := range c.Participants {
			if p.ID == patientID {
				return &c, nil
			}
		}
	}
	c := models.Conversation{
		ID:           int64(len(f.conversations) + 1),
		Participants: []models.Participant{{ID: 1}, {ID: patientID}},
	}
	f.conversations = append(f.conversations, c)
	return &c, nil
}

func (f *fakeAPI) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.notifications...), nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == notificationID && !f.notifications[i].IsRead {
			f.notifications[i].IsRead = true
			f.unread--
		}
	}
	f.marked = append(f.marked, notificationID)
	return nil
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 1,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	s, err := session.New(token)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

var fast = Intervals{
	Conversations: 10 * time.Millisecond,
	Messages:      10 * time.Millisecond,
	Notifications: 10 * time.Millisecond,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInboxLoadsAndSends(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []models.Conversation{{ID: 42, UnreadCount: 2}}
	api.threads[42] = []models.Message{{ID: 1, ConversationID: 42, SenderID: 2, Content: "oi", CreatedAt: time.Now().Add(-time.Hour)}}

	ib := New(api, newSession(t), fast, nil)
	ib.Start(context.Background())
	defer ib.Stop()

	ib.Select(42)
	waitFor(t, "thread", func() bool { return len(ib.Snapshot().Messages) == 1 })
	waitFor(t, "unread to clear", func() bool {
		v := ib.Snapshot()
		return len(v.Conversations) == 1 && v.Conversations[0].UnreadCount == 0
	})

	if _, err := ib.Send(context.Background(), "Olá"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	v := ib.Snapshot()
	if len(v.Messages) != 2 || v.Messages[1].Content != "Olá" {
		t.Fatalf("unexpected thread %+v", v.Messages)
	}
}

func TestSnapshotHidesThreadMissingFromList(t *testing.T) {
	api := newFakeAPI()
	api.threads[9] = []models.Message{{ID: 1, ConversationID: 9, SenderID: 2, Content: "x", CreatedAt: time.Now()}}

	ib := New(api, newSession(t), fast, nil)
	ib.Start(context.Background())
	defer ib.Stop()

	ib.Select(9)
	waitFor(t, "thread load", func() bool {
		_, entries := ib.messages.Thread()
		return len(entries) == 1
	})
	if v := ib.Snapshot(); v.Messages != nil {
		t.Fatalf("expected no thread for a conversation absent from the list, got %+v", v.Messages)
	}

	api.mu.Lock()
	api.conversations = []models.Conversation{{ID: 9}}
	api.mu.Unlock()
	ib.Nudge()
	waitFor(t, "conversation list", func() bool { return len(ib.Snapshot().Messages) == 1 })
}

func TestFindOrCreateByPatientSelects(t *testing.T) {
	api := newFakeAPI()
	ib := New(api, newSession(t), fast, nil)

	conv, err := ib.FindOrCreateByPatient(context.Background(), 77)
	if err != nil {
		t.Fatalf("FindOrCreateByPatient: %v", err)
	}
	v := ib.Snapshot()
	if v.Active != conv.ID || len(v.Conversations) != 1 || v.Conversations[0].ID != conv.ID {
		t.Fatalf("expected conversation %d to be listed and active, got %+v", conv.ID, v)
	}

	again, err := ib.FindOrCreateByPatient(context.Background(), 77)
	if err != nil {
		t.Fatalf("FindOrCreateByPatient: %v", err)
	}
	if again.ID != conv.ID || len(ib.Snapshot().Conversations) != 1 {
		t.Fatalf("expected idempotent find-or-create")
	}
}

func TestMarkConversationReadIsSilent(t *testing.T) {
	api := newFakeAPI()
	api.unread = 3
	api.notifications = []models.Notification{
		{ID: 1, ConversationID: 5},
		{ID: 2, ConversationID: 5},
		{ID: 3, ConversationID: 6},
		{ID: 4, ConversationID: 5, IsRead: true},
	}
	rang := 0
	ib := New(api, newSession(t), fast, nil, notify.EffectFunc(func(int) { rang++ }))

	if err := ib.tracker.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := ib.MarkConversationRead(context.Background(), 5); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}

	if len(api.marked) != 2 || api.marked[0] != 1 || api.marked[1] != 2 {
		t.Fatalf("expected notifications 1 and 2 marked, got %v", api.marked)
	}
	v := ib.Snapshot()
	if v.Unread != 1 || rang != 0 {
		t.Fatalf("expected silent drop to 1, got unread=%d rang=%d", v.Unread, rang)
	}
}

func TestUnreadIncreaseRaisesBadge(t *testing.T) {
	api := newFakeAPI()
	api.unread = 5
	ib := New(api, newSession(t), fast, nil)
	ib.Start(context.Background())
	defer ib.Stop()

	waitFor(t, "baseline", func() bool { return ib.Snapshot().HasUnread })
	if ib.Snapshot().Badge {
		t.Fatalf("expected no badge on the baseline poll")
	}

	api.mu.Lock()
	api.unread = 7
	api.mu.Unlock()
	waitFor(t, "badge", func() bool { v := ib.Snapshot(); return v.Badge && v.Unread == 7 })

	ib.ClearBadge()
	if ib.Snapshot().Badge {
		t.Fatalf("expected badge to clear")
	}
}

func TestSessionEndStopsPolling(t *testing.T) {
	api := newFakeAPI()
	sess := newSession(t)
	ib := New(api, sess, fast, nil)
	ib.Start(context.Background())

	waitFor(t, "first polls", func() bool { return atomic.LoadInt32(&api.polls) >= 2 })
	sess.Invalidate(errors.New("401"))
	ib.Stop()

	after := atomic.LoadInt32(&api.polls)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&api.polls); got != after {
		t.Fatalf("expected polling to stop, got %d more polls", got-after)
	}
	select {
	case <-ib.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}
