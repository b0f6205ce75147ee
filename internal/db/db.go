package db

import (
	"database/sql"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"nutrichat/internal/models"
)

var (
	ErrNotFound   = errors.New("db: not found")
	ErrUserExists = errors.New("db: username already exists")
)

const messageLimit = 200

type DB struct {
	*sql.DB
	logger *log.Logger
}

func NewDB(dbPath string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating database directory")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}
	// One writer at a time; avoids SQLITE_BUSY under the load test.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "error connecting to the database")
	}

	if err := initSchema(db); err != nil {
		return nil, errors.Wrap(err, "error initializing schema")
	}

	logger.Printf("Database ready at %s", dbPath)
	return &DB{DB: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL CHECK (role IN ('nutritionist', 'patient')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			nutritionist_id INTEGER NOT NULL,
			patient_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (nutritionist_id, patient_id),
			FOREIGN KEY (nutritionist_id) REFERENCES users(id),
			FOREIGN KEY (patient_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			is_read BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			conversation_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, is_read)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}

	return nil
}

// User methods
func (db *DB) CreateUser(username, password, displayName, role string) (*models.User, error) {
	if displayName == "" {
		displayName = username
	}
	now := time.Now().UTC()
	result, err := db.Exec(
		"INSERT INTO users (username, password, display_name, role, created_at) VALUES (?, ?, ?, ?, ?)",
		username, password, displayName, role, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUserExists
		}
		return nil, errors.Wrap(err, "failed to create user")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user ID")
	}

	return &models.User{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		Role:        role,
		CreatedAt:   now,
	}, nil
}

func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	return db.getUser("username = ?", username)
}

func (db *DB) GetUserByID(id int64) (*models.User, error) {
	return db.getUser("id = ?", id)
}

func (db *DB) getUser(where string, arg interface{}) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRow(
		"SELECT id, username, password, display_name, role, created_at FROM users WHERE "+where,
		arg,
	).Scan(&user.ID, &user.Username, &user.Password, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "database error")
	}
	return user, nil
}

// Conversation methods

// FindOrCreateConversation returns the conversation between the two users,
// creating it when it does not exist yet.
func (db *DB) FindOrCreateConversation(nutritionistID, patientID int64) (*models.Conversation, bool, error) {
	result, err := db.Exec(`
		INSERT OR IGNORE INTO conversations (nutritionist_id, patient_id, created_at)
		VALUES (?, ?, ?)
	`, nutritionistID, patientID, time.Now().UTC())
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create conversation")
	}
	created, _ := result.RowsAffected()

	var id int64
	err = db.QueryRow(
		"SELECT id FROM conversations WHERE nutritionist_id = ? AND patient_id = ?",
		nutritionistID, patientID,
	).Scan(&id)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to fetch conversation")
	}

	conv, err := db.GetConversation(id, nutritionistID)
	if err != nil {
		return nil, false, err
	}
	if created > 0 {
		db.logger.Printf("Created conversation %d (nutritionist %d, patient %d)", id, nutritionistID, patientID)
	}
	return conv, created > 0, nil
}

const conversationColumns = `
	SELECT c.id, c.created_at,
		n.id, n.display_name, n.role,
		p.id, p.display_name, p.role
	FROM conversations c
	JOIN users n ON n.id = c.nutritionist_id
	JOIN users p ON p.id = c.patient_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var n, p models.Participant
	if err := row.Scan(&conv.ID, &conv.CreatedAt,
		&n.ID, &n.DisplayName, &n.Role,
		&p.ID, &p.DisplayName, &p.Role); err != nil {
		return nil, err
	}
	conv.Participants = []models.Participant{n, p}
	return conv, nil
}

// GetConversation loads one conversation with its preview and the unread
// count as seen by viewerID.
func (db *DB) GetConversation(id, viewerID int64) (*models.Conversation, error) {
	conv, err := scanConversation(db.QueryRow(conversationColumns+" WHERE c.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch conversation")
	}
	if err := db.fillSummary(conv, viewerID); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetUserConversations lists userID's conversations, most recent activity first.
func (db *DB) GetUserConversations(userID int64) ([]models.Conversation, error) {
	rows, err := db.Query(conversationColumns+`
		WHERE c.nutritionist_id = ? OR c.patient_id = ?
		ORDER BY c.created_at DESC
	`, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query conversations")
	}

	var conversations []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "error iterating conversations")
	}
	rows.Close()

	for i := range conversations {
		if err := db.fillSummary(&conversations[i], userID); err != nil {
			return nil, err
		}
	}
	sortByActivity(conversations)
	return conversations, nil
}

func (db *DB) fillSummary(conv *models.Conversation, viewerID int64) error {
	var content string
	var at time.Time
	err := db.QueryRow(`
		SELECT content, created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conv.ID).Scan(&content, &at)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return errors.Wrapf(err, "failed to fetch last message of conversation %d", conv.ID)
	default:
		conv.LastMessage = content
		conv.LastMessageAt = &at
	}

	err = db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
	`, conv.ID, viewerID).Scan(&conv.UnreadCount)
	if err != nil {
		return errors.Wrapf(err, "failed to count unread messages of conversation %d", conv.ID)
	}
	return nil
}

func sortByActivity(conversations []models.Conversation) {
	activity := func(c models.Conversation) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return activity(conversations[i]).After(activity(conversations[j]))
	})
}

// ParticipantIDs returns the nutritionist and the patient of a conversation.
func (db *DB) ParticipantIDs(conversationID int64) ([]int64, error) {
	var nutritionistID, patientID int64
	err := db.QueryRow(
		"SELECT nutritionist_id, patient_id FROM conversations WHERE id = ?",
		conversationID,
	).Scan(&nutritionistID, &patientID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get participants")
	}
	return []int64{nutritionistID, patientID}, nil
}

func (db *DB) IsParticipant(conversationID, userID int64) (bool, error) {
	ids, err := db.ParticipantIDs(conversationID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Message methods

// CreateMessage stores a message and a notification for the other
// participant. A repeated clientID from the same sender returns the message
// stored the first time, so a retried POST does not duplicate it.
func (db *DB) CreateMessage(conversationID, senderID int64, content, clientID string) (*models.Message, *models.Notification, error) {
	participants, err := db.ParticipantIDs(conversationID)
	if err != nil {
		return nil, nil, err
	}
	recipientID := participants[0]
	if recipientID == senderID {
		recipientID = participants[1]
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if clientID != "" {
		existing := &models.Message{}
		err := tx.QueryRow(`
			SELECT id, conversation_id, sender_id, content, client_id, is_read, created_at
			FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND client_id = ?
		`, conversationID, senderID, clientID).Scan(&existing.ID, &existing.ConversationID,
			&existing.SenderID, &existing.Content, &existing.ClientID, &existing.IsRead, &existing.CreatedAt)
		if err == nil {
			return existing, nil, nil
		}
		if err != sql.ErrNoRows {
			return nil, nil, errors.Wrap(err, "failed to check client id")
		}
	}

	now := time.Now().UTC()
	result, err := tx.Exec(`
		INSERT INTO messages (conversation_id, sender_id, content, client_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, senderID, content, clientID, now)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to save message")
	}
	messageID, err := result.LastInsertId()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get message ID")
	}

	preview := content
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:80])
	}
	result, err = tx.Exec(`
		INSERT INTO notifications (user_id, conversation_id, message_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, recipientID, conversationID, messageID, preview, now)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create notification")
	}
	notificationID, err := result.LastInsertId()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get notification ID")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit transaction")
	}

	msg := &models.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      now,
	}
	notification := &models.Notification{
		ID:             notificationID,
		UserID:         recipientID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Message:        preview,
		CreatedAt:      now,
	}
	return msg, notification, nil
}

// GetConversationMessages returns the latest messages oldest first.
func (db *DB) GetConversationMessages(conversationID int64) ([]models.Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, content, client_id, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, messageLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
			&msg.ClientID, &msg.IsRead, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating messages")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkConversationRead marks readerID's incoming messages in the conversation
// as read, together with the matching notifications.
func (db *DB) MarkConversationRead(conversationID, readerID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
	`, conversationID, readerID); err != nil {
		return errors.Wrap(err, "failed to mark messages read")
	}
	if _, err := tx.Exec(`
		UPDATE notifications SET is_read = 1
		WHERE conversation_id = ? AND user_id = ? AND is_read = 0
	`, conversationID, readerID); err != nil {
		return errors.Wrap(err, "failed to mark notifications read")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// Notification methods
func (db *DB) CountUnreadNotifications(userID int64) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0",
		userID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count notifications")
	}
	return count, nil
}

// GetNotifications returns the user's latest notifications, newest first.
func (db *DB) GetNotifications(userID int64, limit int) ([]models.Notification, error) {
	rows, err := db.Query(`
		SELECT id, user_id, conversation_id, message_id, message, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query notifications")
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ConversationID, &n.MessageID,
			&n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating notifications")
	}
	return notifications, nil
}

// MarkNotificationRead marks one of userID's notifications read. Marking an
// already read notification is not an error.
func (db *DB) MarkNotificationRead(notificationID, userID int64) error {
	result, err := db.Exec(
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?",
		notificationID, userID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification read")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
