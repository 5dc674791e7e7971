package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/webrana/inbound-smtpd/internal/auth"
	"github.com/webrana/inbound-smtpd/internal/sink"
)

var validate = validator.New()

// queryTimeout bounds admin API handlers that issue a single lookup query.
const queryTimeout = 5 * time.Second

// SMTPStatus is the subset of the SMTP core's Server the admin API reports.
type SMTPStatus interface {
	IsRunning() bool
	ActiveSessions() int64
}

// LoginRequest is the admin API's operator login payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Handler wires the admin API's dependencies into http.HandlerFuncs.
type Handler struct {
	operators *OperatorStore
	tokens    *auth.TokenService
	tokenTTL  int64
	smtp      SMTPStatus
	messages  *sink.PostgresSink
}

type HandlerConfig struct {
	Operators   *OperatorStore
	Tokens      *auth.TokenService
	TokenTTLSec int64
	SMTP        SMTPStatus
	Messages    *sink.PostgresSink
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		operators: cfg.Operators,
		tokens:    cfg.Tokens,
		tokenTTL:  cfg.TokenTTLSec,
		smtp:      cfg.SMTP,
		messages:  cfg.Messages,
	}
}

// Login authenticates an operator and issues a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	operatorID, err := h.operators.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "invalid username or password")
		return
	}

	token, err := h.tokens.GenerateToken(operatorID, req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ISSUE_FAILED", "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresIn: h.tokenTTL})
}

// SMTPStatusResponse reports the SMTP daemon's current admission state.
type SMTPStatusResponse struct {
	Running        bool  `json:"running"`
	ActiveSessions int64 `json:"active_sessions"`
}

// Status reports whether the SMTP core is accepting connections.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.smtp == nil {
		writeError(w, http.StatusServiceUnavailable, "SMTP_UNAVAILABLE", "SMTP server not wired")
		return
	}
	writeJSON(w, http.StatusOK, SMTPStatusResponse{
		Running:        h.smtp.IsRunning(),
		ActiveSessions: h.smtp.ActiveSessions(),
	})
}

// RecentMessages lists the most recently accepted deliveries.
func (h *Handler) RecentMessages(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "SINK_UNAVAILABLE", "Postgres sink not wired")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	rows, err := h.messages.RecentMessages(ctx, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
