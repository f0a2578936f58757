package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Chase-Garrett/parley/internal/auth"
	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler returns the HTTP routes: the websocket endpoint, the REST API,
// health and metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/websocket/chat", s.HandleConnections).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(otelhttp.NewMiddleware("parley.api"))
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/users", s.handleListUsers).Methods(http.MethodGet)

	chat := api.PathPrefix("/chat").Subrouter()
	chat.Use(s.requireToken)
	chat.HandleFunc("/conversation/{user1}/{user2}", s.handleConversation).Methods(http.MethodGet)
	chat.HandleFunc("/recent/{username}", s.handleRecent).Methods(http.MethodGet)

	return r
}

type messageView struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
	Delivered bool      `json:"delivered"`
}

type conversationView struct {
	ContactUser       string    `json:"contactUser"`
	LastMessage       string    `json:"lastMessage"`
	LastMessageTime   time.Time `json:"lastMessageTime"`
	LastMessageSender string    `json:"lastMessageSender"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRegister handles the registration of a user
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	creds = creds.Normalize()

	if err := auth.ValidateRegistration(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.users.Register(r.Context(), creds.Username, creds.Password); err != nil {
		if errors.Is(err, domain.ErrDuplicateUser) {
			writeError(w, http.StatusBadRequest, "Username already exists")
			return
		}
		s.log.WithError(err).Error("registration failed")
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	s.log.WithField("user", creds.Username).Info("user registered")
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "User registered successfully",
		"username": creds.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	creds = creds.Normalize()
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid username or password")
		return
	}

	ok, err := s.users.Verify(r.Context(), creds.Username, creds.Password)
	if err != nil {
		s.log.WithError(err).Error("login failed")
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid username or password")
		return
	}

	if err := s.users.TouchLogin(r.Context(), creds.Username, time.Now()); err != nil {
		s.log.WithError(err).Warn("failed to record login")
	}

	token, err := s.tokens.Generate(creds.Username)
	if err != nil {
		s.log.WithError(err).Error("token generation failed")
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Login successful",
		"username": creds.Username,
		"token":    token,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.log.WithError(err).Error("listing users failed")
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msgs, err := s.messages.ListConversation(r.Context(), vars["user1"], vars["user2"])
	if err != nil {
		s.log.WithError(err).Error("loading conversation failed")
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	views := lo.Map(msgs, func(m domain.Message, _ int) messageView {
		return messageView{
			ID:        m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   m.Content,
			SentAt:    m.SentAt,
			Delivered: m.Delivered,
		}
	})
	writeJSON(w, http.StatusOK, map[string][]messageView{"messages": views})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	msgs, err := s.messages.ListRecentPerContact(r.Context(), username)
	if err != nil {
		s.log.WithError(err).Error("loading recent conversations failed")
		writeError(w, http.StatusInternalServerError, "Failed to load conversations")
		return
	}

	views := lo.Map(msgs, func(m domain.Message, _ int) conversationView {
		return conversationView{
			ContactUser:       m.Contact(username),
			LastMessage:       m.Content,
			LastMessageTime:   m.SentAt,
			LastMessageSender: m.Sender,
		}
	})
	writeJSON(w, http.StatusOK, map[string][]conversationView{"conversations": views})
}

// requireToken guards the chat history routes when tokens are required: the
// bearer token's user must be one of the users in the path.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Auth.RequireToken {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		username, err := s.tokens.Validate(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if !lo.Contains(lo.Values(mux.Vars(r)), username) {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
