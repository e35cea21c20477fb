package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/api/middleware"
	"github.com/drfirst/go-hms/internal/auth"
	"github.com/drfirst/go-hms/internal/domain/hospital"
)

// UserStore persists user accounts
type UserStore interface {
	Create(ctx context.Context, u *hospital.User) error
	Get(ctx context.Context, id string) (hospital.User, error)
	GetByUsername(ctx context.Context, username string) (hospital.User, error)
	List(ctx context.Context) ([]hospital.User, error)
	Delete(ctx context.Context, id string) error
}

// CreateUserRequest is the body of POST /users
type CreateUserRequest struct {
	Username string        `json:"username"`
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Role     hospital.Role `json:"role"`
	DoctorID string        `json:"doctor_id,omitempty"`
}

// Validate checks the request
func (r CreateUserRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return errors.New("username is required")
	}
	if len(r.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if !r.Role.Valid() {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	if r.Role == hospital.RoleDoctor && r.DoctorID == "" {
		return errors.New("doctor_id is required for doctor accounts")
	}
	return nil
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries an access token
type LoginResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      hospital.User `json:"user"`
}

// UsersHandler manages accounts and sign-in
type UsersHandler struct {
	store  UserStore
	issuer *auth.Issuer
	logger *zap.Logger
}

// NewUsersHandler creates a UsersHandler
func NewUsersHandler(store UserStore, issuer *auth.Issuer, logger *zap.Logger) *UsersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsersHandler{store: store, issuer: issuer, logger: logger}
}

// Routes returns the account management routes. Callers mount them behind
// an admin role check.
func (h *UsersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	return r
}

// Create handles POST /users
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	user := hospital.User{
		UserID:       uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		Role:         req.Role,
		DoctorID:     req.DoctorID,
		PasswordHash: hash,
	}

	err = h.store.Create(r.Context(), &user)
	var dup *hospital.DuplicateError
	if errors.As(err, &dup) {
		writeError(w, http.StatusConflict, "Username already taken", dup.Error())
		return
	}
	if err != nil {
		h.logger.Error("create user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}

	h.logger.Info("user created",
		zap.String("user_id", user.UserID),
		zap.String("role", string(user.Role)),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "user created successfully",
		"user":    user,
	})
}

// List handles GET /users
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("list users", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if users == nil {
		users = []hospital.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// Get handles GET /users/{id}
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := h.store.Get(r.Context(), id)
	if errors.Is(err, hospital.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found: "+id, "")
		return
	}
	if err != nil {
		h.logger.Error("get user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Delete handles DELETE /users/{id}
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.Delete(r.Context(), id)
	if errors.Is(err, hospital.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found: "+id, "")
		return
	}
	if err != nil {
		h.logger.Error("delete user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "user deleted successfully"})
}

// Login handles POST /auth/login
func (h *UsersHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if h.issuer == nil {
		writeError(w, http.StatusNotImplemented, "Token authentication disabled", "")
		return
	}

	user, err := h.store.GetByUsername(r.Context(), req.Username)
	if err == nil {
		err = auth.CheckPassword(user.PasswordHash, req.Password)
	}
	if errors.Is(err, hospital.ErrNotFound) || errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		h.logger.Error("login", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}

	token, exp, err := h.issuer.Sign(user)
	if err != nil {
		h.logger.Error("sign token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: exp, User: user})
}

// Me handles GET /auth/me
func (h *UsersHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subject":   p.Subject,
		"role":      string(p.Role),
		"doctor_id": p.DoctorID,
	})
}
