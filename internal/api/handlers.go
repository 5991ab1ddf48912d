// Package api is the HTTP surface: account registration and login, session
// admission and lifecycle, command dispatch, the per-session event stream
// and the health summary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/auth"
	"github.com/Crazynotdev/verbose-waffle/internal/command"
	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/events"
	"github.com/Crazynotdev/verbose-waffle/internal/gate"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
	"github.com/Crazynotdev/verbose-waffle/internal/whatsapp"
)

// Orchestrator is the slice of the session manager the API drives.
type Orchestrator interface {
	StartPairingAsync(rec *store.Session, mode string)
	CloseSession(ctx context.Context, id string, to session.Status, reason string) error
}

// Deps carries everything the server serves from.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Auth       *auth.Authenticator
	Gate       *gate.Gate
	Manager    Orchestrator
	Registry   *session.Registry
	Bus        *events.Bus
	Inbox      *whatsapp.Inbox
	Dispatcher *command.Dispatcher
	Monitor    *whatsapp.LinkMonitor
}

// Server holds the HTTP handlers.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	auth       *auth.Authenticator
	gate       *gate.Gate
	manager    Orchestrator
	registry   *session.Registry
	bus        *events.Bus
	inbox      *whatsapp.Inbox
	dispatcher *command.Dispatcher
	monitor    *whatsapp.LinkMonitor
	log        *logrus.Entry
}

// NewServer wires the handlers.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		auth:       d.Auth,
		gate:       d.Gate,
		manager:    d.Manager,
		registry:   d.Registry,
		bus:        d.Bus,
		inbox:      d.Inbox,
		dispatcher: d.Dispatcher,
		monitor:    d.Monitor,
		log:        logrus.WithField("component", "api"),
	}
}

// RegisterRoutes mounts every endpoint on the router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	public := r.PathPrefix("/api").Subrouter()
	public.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	public.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(s.auth.Middleware)
	protected.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	protected.HandleFunc("/sessions", s.handleSessionCreate).Methods(http.MethodPost)
	protected.HandleFunc("/sessions", s.handleSessionList).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", s.handleSessionGet).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", s.handleSessionDelete).Methods(http.MethodDelete)
	protected.HandleFunc("/sessions/{id}/command", s.handleSessionCommand).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}/messages", s.handleSessionMessages).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods(http.MethodGet)
	protected.HandleFunc("/users/{id}/credit", s.handleCredit).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decode parses the body and runs its Validate; a failure is answered with
// 400 and reported as handled.
func decode(w http.ResponseWriter, r *http.Request, req validation.Validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req *registerRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Email, validation.Required, is.Email),
		validation.Field(&req.Password, validation.Required, validation.Length(8, 72)),
	)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req *loginRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Email, validation.Required),
		validation.Field(&req.Password, validation.Required),
	)
}

type tokenResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

// POST /api/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.WithError(err).Error("failed to hash password")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, hash, s.cfg.SignupBonus)
	if errors.Is(err, store.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("failed to create user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.auth.IssueToken(user.ID)
	if err != nil {
		s.log.WithError(err).Error("failed to issue token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.WithField("user", user.ID).Info("user registered")
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: user})
}

// POST /api/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(user.PasswordHash, req.Password)) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("failed to load user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.auth.IssueToken(user.ID)
	if err != nil {
		s.log.WithError(err).Error("failed to issue token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: user})
}

// GET /api/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown account")
		return
	}

	recs, err := s.store.SessionsByUser(r.Context(), user.ID)
	if err != nil {
		s.log.WithError(err).Error("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	active, live := 0, 0
	for _, rec := range recs {
		if rec.Status.Active() {
			active++
		}
		if _, ok := s.registry.Get(rec.ID); ok {
			live++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
		"sessions": map[string]int{
			"total":  len(recs),
			"active": active,
			"live":   live,
		},
	})
}

type createSessionRequest struct {
	Phone string `json:"phone"`
	Mode  string `json:"mode"`
}

func (req *createSessionRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Phone, validation.Required),
		validation.Field(&req.Mode, validation.In(whatsapp.ModePairingCode, whatsapp.ModeQR)),
	)
}

// admissionStatus maps an admission failure to its HTTP status.
func admissionStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrBadPhone):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrCapacityReached):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

// POST /api/sessions
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = whatsapp.ModePairingCode
	}

	rec, err := s.gate.Admit(r.Context(), auth.UserID(r.Context()), req.Phone)
	if err != nil {
		status := admissionStatus(err)
		if status == http.StatusInternalServerError {
			s.log.WithError(err).Error("admission failed")
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	// The record exists and the debit is final; pairing progress arrives on
	// the event stream.
	s.manager.StartPairingAsync(rec, req.Mode)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": rec.ID,
		"status":     rec.Status,
		"mode":       req.Mode,
	})
}

type sessionResponse struct {
	ID          string         `json:"id"`
	Phone       string         `json:"phone"`
	Status      session.Status `json:"status"`
	Live        bool           `json:"live"`
	CreatedAt   int64          `json:"created_at"`
	ConnectedAt int64          `json:"connected_at,omitempty"`
	ClosedAt    int64          `json:"closed_at,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
	PairingCode string         `json:"pairing_code,omitempty"`
	DeviceJID   string         `json:"device_jid,omitempty"`
}

func (s *Server) sessionPayload(rec *store.Session) sessionResponse {
	_, live := s.registry.Get(rec.ID)
	resp := sessionResponse{
		ID:        rec.ID,
		Phone:     rec.Phone,
		Status:    rec.Status,
		Live:      live,
		CreatedAt: rec.CreatedAt,
	}
	if rec.ConnectedAt.Valid {
		resp.ConnectedAt = rec.ConnectedAt.Int64
	}
	if rec.ClosedAt.Valid {
		resp.ClosedAt = rec.ClosedAt.Int64
	}
	if rec.CloseReason.Valid {
		resp.CloseReason = rec.CloseReason.String
	}
	if rec.DeviceJID.Valid {
		resp.DeviceJID = rec.DeviceJID.String
	}
	// The code is only useful while the session still waits for it.
	if rec.Status == session.StatusPairing && rec.PairingCode.Valid {
		resp.PairingCode = rec.PairingCode.String
	}
	return resp
}

// GET /api/sessions
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.SessionsByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.log.WithError(err).Error("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]sessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.sessionPayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// ownedSession loads the record in the URL and checks it belongs to the
// caller. Somebody else's session reads as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	rec, err := s.store.SessionByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).Error("failed to load session")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if rec.UserID != auth.UserID(r.Context()) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return rec, true
}

// GET /api/sessions/{id}
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessionPayload(rec))
}

// DELETE /api/sessions/{id}
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	if err := s.manager.CloseSession(r.Context(), rec.ID, session.StatusDisconnected, "closed by owner"); err != nil {
		s.log.WithField("session", rec.ID).WithError(err).Error("failed to close session")
		writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}

	rec, err := s.store.SessionByID(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionPayload(rec))
}

type commandRequest struct {
	Command string `json:"command"`
}

func (req *commandRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Command, validation.Required, validation.Length(1, 4096)),
	)
}

// POST /api/sessions/{id}/command
func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.dispatcher.DispatchAPI(r.Context(), rec.ID, req.Command)
	if errors.Is(err, command.ErrNotLive) {
		writeError(w, http.StatusConflict, "session has no live connection")
		return
	}
	if err != nil {
		s.log.WithField("session", rec.ID).WithError(err).Error("dispatch failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/sessions/{id}/messages
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": s.inbox.Recent(rec.ID, limit),
	})
}

type creditRequest struct {
	Coins int64 `json:"coins"`
}

func (req *creditRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Coins, validation.Required, validation.Min(int64(1))),
	)
}

// POST /api/users/{id}/credit
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	caller, err := s.store.UserByID(r.Context(), auth.UserID(r.Context()))
	if err != nil || !caller.IsAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var req creditRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := s.store.CreditUser(r.Context(), mux.Vars(r)["id"], req.Coins)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("failed to credit user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.WithFields(logrus.Fields{
		"admin": caller.ID,
		"user":  user.ID,
		"coins": req.Coins,
	}).Info("balance credited")
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.CountActive(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"sessions": map[string]int{
			"active": active,
			"live":   s.registry.Count(),
		},
		"links": s.monitor.Snapshot(),
		"inbox": s.inbox.Size(),
	})
}
