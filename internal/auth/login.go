package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// LoginRequest is the login request body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the successful login response.
type LoginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func loginError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error_code": code,
		"message":    message,
	})
}

// LoginHandler authenticates against the users table and issues a token.
func LoginHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			loginError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
		if req.Username == "" || req.Password == "" {
			loginError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		var userID, passwordHash, role string
		err := pool.QueryRow(ctx,
			"SELECT id, password_hash, role FROM users WHERE username = $1",
			req.Username,
		).Scan(&userID, &passwordHash, &role)
		if err != nil {
			loginError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
			loginError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}

		token, err := GenerateToken(userID, req.Username, role)
		if err != nil {
			loginError(w, http.StatusInternalServerError, "internal_error", "failed to generate token")
			return
		}

		json.NewEncoder(w).Encode(LoginResponse{
			Token:    token,
			UserID:   userID,
			Username: req.Username,
			Role:     role,
		})
	}
}
