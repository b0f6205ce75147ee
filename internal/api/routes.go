package api

import (
	"log"
	"net/http"
	"time"
)

// Routes mounts the REST API under /api and the push channel at /ws.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints
	mux.HandleFunc("POST /api/auth/register/{$}", logRequest(h.logger, h.HandleRegister))
	mux.HandleFunc("POST /api/auth/login/{$}", logRequest(h.logger, h.HandleLogin))
	mux.HandleFunc("GET /api/auth/verify/{$}", logRequest(h.logger, h.HandleVerify))

	// Conversation endpoints
	mux.HandleFunc("GET /api/conversations/{$}", logRequest(h.logger, h.HandleConversations))
	mux.HandleFunc("POST /api/conversations/find-or-create-by-patient/{$}", logRequest(h.logger, h.HandleFindOrCreateByPatient))
	mux.HandleFunc("GET /api/conversations/{id}/messages/{$}", logRequest(h.logger, h.HandleMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages/{$}", logRequest(h.logger, h.HandleSendMessage))

	// Notification endpoints
	mux.HandleFunc("GET /api/notifications/{$}", logRequest(h.logger, h.HandleNotifications))
	mux.HandleFunc("GET /api/notifications/unread-count/{$}", logRequest(h.logger, h.HandleUnreadCount))
	mux.HandleFunc("PATCH /api/notifications/{id}/mark-as-read/{$}", logRequest(h.logger, h.HandleMarkNotificationRead))

	api := h.WithCORS(h.WithAuth(mux))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.HandleWebSocket(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func logRequest(logger *log.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := newLoggingResponseWriter(w)

		next.ServeHTTP(lrw, r)

		logger.Printf("%s %s %d %s in %v",
			r.Method, r.URL.Path, lrw.statusCode,
			http.StatusText(lrw.statusCode),
			time.Since(start))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
