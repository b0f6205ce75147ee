package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt"
	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"nutrichat/internal/db"
	"nutrichat/internal/models"
	"nutrichat/internal/websocket"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

const notificationLimit = 50

type Handlers struct {
	db       *db.DB
	hub      *websocket.Hub
	secret   []byte
	tokenTTL time.Duration
	validate *validator.Validate
	logger   *log.Logger
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminal clients send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewHandlers(database *db.DB, hub *websocket.Hub, secret string, tokenTTL time.Duration, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Handlers{
		db:       database,
		hub:      hub,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		validate: validator.New(),
		logger:   logger,
	}
}

// Middleware
func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login/" || r.URL.Path == "/api/auth/register/" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := h.authenticate(bearerToken(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// authenticate verifies an HS256 token and loads its user.
func (h *Handlers) authenticate(raw string) (*models.User, error) {
	if raw == "" {
		return nil, errors.New("Unauthorized")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("Invalid token")
	}

	// MapClaims.Valid accepts a missing exp; tokens issued here always carry one.
	if _, ok := claims["exp"].(float64); !ok {
		return nil, errors.New("Token expired")
	}

	userID, ok := claims["user_id"].(float64)
	if !ok {
		return nil, errors.New("Invalid user ID in token")
	}

	user, err := h.db.GetUserByID(int64(userID))
	if err != nil {
		return nil, errors.New("User not found")
	}
	return user, nil
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

func (h *Handlers) issueToken(user *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"role":    user.Role,
		"name":    user.DisplayName,
		"exp":     time.Now().Add(h.tokenTTL).Unix(),
	})
	return token.SignedString(h.secret)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("Invalid request body")
	}
	return h.validate.Struct(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user, err := h.db.CreateUser(req.Username, string(hashedPassword), req.DisplayName, req.Role)
	if errors.Is(err, db.ErrUserExists) {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Printf("Failed to create user: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	tokenString, err := h.issueToken(user)
	if err != nil {
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.db.GetUserByUsername(req.Username)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	tokenString, err := h.issueToken(user)
	if err != nil {
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversations, err := h.db.GetUserConversations(user.ID)
	if err != nil {
		h.logger.Printf("Failed to fetch conversations: %v", err)
		http.Error(w, "Failed to fetch conversations", http.StatusInternalServerError)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// HandleFindOrCreateByPatient is reserved for nutritionists.
func (h *Handlers) HandleFindOrCreateByPatient(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user.Role != models.RoleNutritionist {
		http.Error(w, "Only nutritionists can open conversations", http.StatusForbidden)
		return
	}

	var req models.FindOrCreateByPatientRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	patient, err := h.db.GetUserByID(req.PatientID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && patient.Role != models.RolePatient) {
		http.Error(w, "Patient not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch patient", http.StatusInternalServerError)
		return
	}

	conversation, created, err := h.db.FindOrCreateConversation(user.ID, patient.ID)
	if err != nil {
		h.logger.Printf("Failed to find or create conversation: %v", err)
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversation)
}

// participantOnly resolves {id} and checks the caller belongs to it.
func (h *Handlers) participantOnly(w http.ResponseWriter, r *http.Request) (int64, bool) {
	conversationID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return 0, false
	}

	member, err := h.db.IsParticipant(conversationID, currentUser(r).ID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return 0, false
	}
	if err != nil {
		http.Error(w, "Failed to fetch conversation", http.StatusInternalServerError)
		return 0, false
	}
	if !member {
		http.Error(w, "Not a participant", http.StatusForbidden)
		return 0, false
	}
	return conversationID, true
}

// HandleMessages lists a thread oldest first. Reading it marks the caller's
// incoming messages and their notifications as read.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.participantOnly(w, r)
	if !ok {
		return
	}

	if err := h.db.MarkConversationRead(conversationID, currentUser(r).ID); err != nil {
		h.logger.Printf("Failed to mark conversation %d read: %v", conversationID, err)
	}

	messages, err := h.db.GetConversationMessages(conversationID)
	if err != nil {
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.participantOnly(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content is required", http.StatusBadRequest)
		return
	}

	user := currentUser(r)
	message, notification, err := h.db.CreateMessage(conversationID, user.ID, req.Content, req.ClientID)
	if err != nil {
		h.logger.Printf("Failed to save message: %v", err)
		http.Error(w, "Failed to save message", http.StatusInternalServerError)
		return
	}

	if notification != nil {
		h.push(conversationID, message, notification)
	}
	writeJSON(w, http.StatusCreated, message)
}

// push tells connected participants that something changed. Failures only
// delay delivery until the next poll.
func (h *Handlers) push(conversationID int64, message *models.Message, notification *models.Notification) {
	if h.hub == nil {
		return
	}
	participants, err := h.db.ParticipantIDs(conversationID)
	if err != nil {
		h.logger.Printf("Failed to get participants of conversation %d: %v", conversationID, err)
		return
	}
	if err := h.hub.SendToUsers(participants, models.WebSocketMessage{Type: models.EventMessage, Payload: message}); err != nil {
		h.logger.Printf("Failed to push message: %v", err)
	}
	if err := h.hub.SendToUsers([]int64{notification.UserID}, models.WebSocketMessage{Type: models.EventNotification, Payload: notification}); err != nil {
		h.logger.Printf("Failed to push notification: %v", err)
	}
}

// Notification handlers
func (h *Handlers) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.db.GetNotifications(currentUser(r).ID, notificationLimit)
	if err != nil {
		http.Error(w, "Failed to fetch notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *Handlers) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.db.CountUnreadNotifications(currentUser(r).ID)
	if err != nil {
		http.Error(w, "Failed to count notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.UnreadCount{Count: count})
}

func (h *Handlers) HandleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notificationID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid notification ID", http.StatusBadRequest)
		return
	}

	err := h.db.MarkNotificationRead(notificationID, currentUser(r).ID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.Ack{Status: "ok"})
}

// WebSocket handler. Browsers cannot set headers on the upgrade request, so
// the token may also come as ?token=.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Printf("WebSocket connection attempt from %s", r.RemoteAddr)

	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	user, err := h.authenticate(raw)
	if err != nil {
		h.logger.Printf("WebSocket rejected: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	h.logger.Printf("WebSocket authenticated for user: %s (ID: %d)", user.Username, user.ID)

	client := websocket.NewClient(h.hub, conn, user.ID, user.Username)
	if !h.hub.Join(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
