// Package client is the transport layer: one method per backend endpoint,
// JSON over HTTP with the session's bearer token on every request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"nutrichat/internal/models"
	"nutrichat/internal/session"
)

const maxErrorBody = 512

type Client struct {
	baseURL  string
	http     *http.Client
	session  *session.Session
	logger   *log.Logger
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client for baseURL, e.g. "http://localhost:8080/api".
// sess may be nil until Login succeeds; see WithSession.
func New(baseURL string, sess *session.Session, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		session:  sess,
		logger:   log.New(io.Discard, "", 0),
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithSession returns a copy of c bound to sess.
func (c *Client) WithSession(sess *session.Session) *Client {
	cp := *c
	cp.session = sess
	return &cp
}

func (c *Client) Session() *session.Session { return c.session }

func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	req := models.LoginRequest{Username: username, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, "invalid credentials")
	}

	var resp models.LoginResponse
	if err := c.send(ctx, http.MethodPost, "/auth/login/", "", req, &resp); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(resp); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return &resp, nil
}

// Register creates an account and returns the same payload as Login.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, "invalid registration")
	}

	var resp models.LoginResponse
	if err := c.send(ctx, http.MethodPost, "/auth/register/", "", req, &resp); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(resp); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return &resp, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/", nil, &conversations); err != nil {
		return nil, err
	}
	for i := range conversations {
		if err := c.validate.Struct(conversations[i]); err != nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "conversation %d: %v", i, err)
		}
	}
	return conversations, nil
}

// ListMessages returns the thread oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var messages []models.Message
	path := fmt.Sprintf("/conversations/%d/messages/", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	for i := range messages {
		if err := c.validate.Struct(messages[i]); err != nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "message %d: %v", i, err)
		}
	}
	return messages, nil
}

// SendMessage posts content and returns the persisted record. clientID is
// the optional correlation token echoed back by the backend.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content, clientID string) (*models.Message, error) {
	req := models.SendMessageRequest{Content: content, ClientID: clientID}
	var msg models.Message
	path := fmt.Sprintf("/conversations/%d/messages/", conversationID)
	if err := c.do(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(msg); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return &msg, nil
}

func (c *Client) FindOrCreateByPatient(ctx context.Context, patientID int64) (*models.Conversation, error) {
	req := models.FindOrCreateByPatientRequest{PatientID: patientID}
	if err := c.validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, "invalid patient id")
	}

	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/find-or-create-by-patient/", req, &conv); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(conv); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return &conv, nil
}

// UnreadCount accepts both {"count": n} and a bare integer body.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count/", nil, &raw); err != nil {
		return 0, err
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0, errors.Wrapf(ErrInvalidResponse, "negative unread count %d", n)
		}
		return n, nil
	}

	var uc models.UnreadCount
	if err := json.Unmarshal(raw, &uc); err != nil {
		return 0, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	if err := c.validate.Struct(uc); err != nil {
		return 0, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return uc.Count, nil
}

func (c *Client) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := c.do(ctx, http.MethodGet, "/notifications/", nil, &notifications); err != nil {
		return nil, err
	}
	for i := range notifications {
		if err := c.validate.Struct(notifications[i]); err != nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "notification %d: %v", i, err)
		}
	}
	return notifications, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	path := fmt.Sprintf("/notifications/%d/mark-as-read/", notificationID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

// do runs an authenticated request. An ended or expired session fails
// without touching the network.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.session == nil {
		return errors.Wrap(ErrUnauthorized, "no session")
	}
	if err := c.session.Err(); err != nil {
		return errors.Wrap(ErrUnauthorized, err.Error())
	}
	if c.session.Expired(c.now()) {
		c.session.Invalidate(ErrSessionExpired)
		return errors.Wrap(ErrUnauthorized, ErrSessionExpired.Error())
	}

	err := c.send(ctx, method, path, c.session.Token(), body, out)
	if errors.Is(err, ErrUnauthorized) {
		c.logger.Printf("%s %s: unauthorized, ending session", method, path)
		c.session.Invalidate(err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &networkError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(snippet))
		c.logger.Printf("%s %s: status %d", method, path, resp.StatusCode)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return withBody(ErrUnauthorized, text)
		case http.StatusForbidden:
			return withBody(ErrForbidden, text)
		default:
			return &APIError{StatusCode: resp.StatusCode, Body: text}
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return &networkError{err: ctx.Err()}
		}
		return errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return nil
}

func withBody(err error, body string) error {
	if body == "" {
		return errors.WithStack(err)
	}
	return errors.Wrap(err, body)
}
