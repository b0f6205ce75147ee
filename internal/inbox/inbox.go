// Package inbox wires the stores, the unread tracker and their pollers for a
// single session, and hands the view consistent snapshots.
package inbox

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"nutrichat/internal/models"
	"nutrichat/internal/notify"
	"nutrichat/internal/poller"
	"nutrichat/internal/session"
	"nutrichat/internal/store"
)

type API interface {
	store.ConversationAPI
	store.MessageAPI
	UnreadCount(ctx context.Context) (int, error)
	FindOrCreateByPatient(ctx context.Context, patientID int64) (*models.Conversation, error)
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID int64) error
}

type Intervals struct {
	Conversations time.Duration
	Messages      time.Duration
	Notifications time.Duration
}

var DefaultIntervals = Intervals{
	Conversations: 30 * time.Second,
	Messages:      5 * time.Second,
	Notifications: 5 * time.Second,
}

// View is what the UI renders. Messages is only set when Active is present
// in Conversations.
type View struct {
	Conversations []models.Conversation
	Active        int64
	Messages      []store.Entry
	Loaded        bool
	Unread        int
	HasUnread     bool
	Badge         bool
}

type Inbox struct {
	api       API
	sess      *session.Session
	intervals Intervals
	logger    *log.Logger

	conversations *store.ConversationStore
	messages      *store.MessageStore
	tracker       *notify.Tracker
	badge         *notify.Badge

	convPoller  *poller.Poller
	notifPoller *poller.Poller

	changes chan struct{}

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	msgPoller *poller.Poller
	msgCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an Inbox for sess. Extra effects (e.g. notify.Bell) run next to
// the built-in badge when the unread count rises.
func New(api API, sess *session.Session, intervals Intervals, logger *log.Logger, effects ...notify.Effect) *Inbox {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if intervals.Conversations <= 0 {
		intervals.Conversations = DefaultIntervals.Conversations
	}
	if intervals.Messages <= 0 {
		intervals.Messages = DefaultIntervals.Messages
	}
	if intervals.Notifications <= 0 {
		intervals.Notifications = DefaultIntervals.Notifications
	}

	ib := &Inbox{
		api:       api,
		sess:      sess,
		intervals: intervals,
		logger:    logger,
		badge:     &notify.Badge{},
		changes:   make(chan struct{}, 1),
	}
	ib.conversations = store.NewConversationStore(api, logger, ib.changed)
	ib.messages = store.NewMessageStore(api, sess.UserID(), logger, ib.changed)
	ib.tracker = notify.NewTracker(api.UnreadCount, logger, append([]notify.Effect{ib.badge}, effects...)...)
	ib.tracker.OnChange(ib.changed)

	ib.convPoller = poller.New("conversations", intervals.Conversations, ib.conversations.Refresh, logger)
	ib.notifPoller = poller.New("unread count", intervals.Notifications, ib.tracker.Poll, logger)
	return ib
}

// Start mounts the inbox: the conversation and unread pollers fire at once
// and then on their intervals. Everything stops with ctx, Stop, or the end
// of the session.
func (ib *Inbox) Start(ctx context.Context) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.ctx != nil {
		return
	}
	ib.ctx, ib.cancel = context.WithCancel(ctx)

	ib.spawn(ib.convPoller.Run)
	ib.spawn(ib.notifPoller.Run)
	if active := ib.messages.Active(); active != 0 {
		ib.startThread(active)
	}

	ib.wg.Add(1)
	go func() {
		defer ib.wg.Done()
		select {
		case <-ib.sess.Done():
			ib.logger.Printf("session ended: %v", ib.sess.Err())
			ib.cancel()
			ib.changed()
		case <-ib.ctx.Done():
		}
	}()
}

// Stop unmounts the inbox and waits for the pollers to return.
func (ib *Inbox) Stop() {
	ib.mu.Lock()
	cancel := ib.cancel
	ib.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	ib.wg.Wait()
}

// Select makes id the active conversation and restarts the message poller
// for it. Responses still in flight for the previous conversation are dropped.
func (ib *Inbox) Select(id int64) {
	ib.conversations.Select(id)
	ib.messages.Activate(id)

	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.msgCancel != nil {
		ib.msgCancel()
		ib.msgCancel = nil
		ib.msgPoller = nil
	}
	if ib.ctx != nil && id != 0 {
		ib.startThread(id)
	}
}

// startThread must be called with ib.mu held.
func (ib *Inbox) startThread(id int64) {
	ctx, cancel := context.WithCancel(ib.ctx)
	p := poller.New("messages", ib.intervals.Messages, func(ctx context.Context) error {
		if err := ib.messages.Load(ctx, id); err != nil {
			return err
		}
		ib.conversations.ClearUnread(id)
		return nil
	}, ib.logger)
	ib.msgPoller = p
	ib.msgCancel = cancel

	ib.wg.Add(1)
	go func() {
		defer ib.wg.Done()
		p.Run(ctx)
	}()
}

func (ib *Inbox) spawn(run func(context.Context)) {
	ib.wg.Add(1)
	go func() {
		defer ib.wg.Done()
		run(ib.ctx)
	}()
}

func (ib *Inbox) Send(ctx context.Context, content string) (*models.Message, error) {
	msg, err := ib.messages.Send(ctx, content)
	if err != nil {
		return nil, err
	}
	ib.convPoller.Nudge()
	return msg, nil
}

func (ib *Inbox) Resend(ctx context.Context, tempID string) (*models.Message, error) {
	msg, err := ib.messages.Resend(ctx, tempID)
	if err != nil {
		return nil, err
	}
	ib.convPoller.Nudge()
	return msg, nil
}

func (ib *Inbox) Discard(tempID string) error {
	return ib.messages.Discard(tempID)
}

// FindOrCreateByPatient opens the conversation with patientID, creating it
// on the backend if needed, and selects it.
func (ib *Inbox) FindOrCreateByPatient(ctx context.Context, patientID int64) (*models.Conversation, error) {
	conv, err := ib.api.FindOrCreateByPatient(ctx, patientID)
	if err != nil {
		return nil, errors.Wrapf(err, "find or create conversation for patient %d", patientID)
	}
	ib.conversations.Upsert(*conv)
	ib.Select(conv.ID)
	return conv, nil
}

// MarkConversationRead marks every unread notification of conversationID as
// read, then refreshes the unread count.
func (ib *Inbox) MarkConversationRead(ctx context.Context, conversationID int64) error {
	notifications, err := ib.api.ListNotifications(ctx)
	if err != nil {
		return errors.Wrap(err, "list notifications")
	}
	for _, n := range notifications {
		if n.IsRead || n.ConversationID != conversationID {
			continue
		}
		if err := ib.api.MarkNotificationRead(ctx, n.ID); err != nil {
			return errors.Wrapf(err, "mark notification %d read", n.ID)
		}
	}
	ib.conversations.ClearUnread(conversationID)
	ib.badge.Clear()
	return ib.tracker.Poll(ctx)
}

// Nudge asks every running poller for an early refresh.
func (ib *Inbox) Nudge() {
	ib.convPoller.Nudge()
	ib.notifPoller.Nudge()

	ib.mu.Lock()
	p := ib.msgPoller
	ib.mu.Unlock()
	if p != nil {
		p.Nudge()
	}
}

// ClearBadge hides the badge until the count rises again.
func (ib *Inbox) ClearBadge() {
	ib.badge.Clear()
	ib.changed()
}

func (ib *Inbox) Snapshot() View {
	conversations, active, loaded := ib.conversations.Snapshot()
	threadID, entries := ib.messages.Thread()
	unread, hasUnread := ib.tracker.Count()
	_, badge := ib.badge.Value()

	v := View{
		Conversations: conversations,
		Active:        active,
		Loaded:        loaded,
		Unread:        unread,
		HasUnread:     hasUnread,
		Badge:         badge,
	}
	if active != 0 && threadID == active && contains(conversations, active) {
		v.Messages = entries
	}
	return v
}

// Changes receives a value after any state change. Bursts are coalesced.
func (ib *Inbox) Changes() <-chan struct{} { return ib.changes }

// Done is closed when the session behind the inbox ends.
func (ib *Inbox) Done() <-chan struct{} { return ib.sess.Done() }

func (ib *Inbox) Err() error { return ib.sess.Err() }

func (ib *Inbox) changed() {
	select {
	case ib.changes <- struct{}{}:
	default:
	}
}

func contains(conversations []models.Conversation, id int64) bool {
	for _, c := range conversations {
		if c.ID == id {
			return true
		}
	}
	return false
}
