package ess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/ess2mqtt/internal/httpkit"
)

// Authenticator obtains a fresh auth token. [Session] is the production
// implementation; tests substitute their own.
type Authenticator interface {
	Authenticate(ctx context.Context) (AuthToken, error)
}

// Session performs the device login handshake. It keeps no token
// between calls.
type Session struct {
	baseURL    string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSession creates a Session for the device at baseURL (scheme and
// host, e.g. "https://10.10.40.11").
func NewSession(baseURL, password string, httpClient *http.Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		baseURL:    strings.TrimRight(baseURL, "/"),
		password:   password,
		httpClient: httpClient,
		logger:     logger,
	}
}

type loginResponse struct {
	Status  string `json:"status"`
	AuthKey string `json:"auth_key"`
}

// Authenticate logs in with the configured password. Any failure,
// including a non-"success" status, yields an *AuthError and no token.
// There is no retry; the next scheduled poll is the retry.
func (s *Session) Authenticate(ctx context.Context) (AuthToken, error) {
	req, err := httpkit.NewJSONRequest(ctx, http.MethodPut, s.baseURL+"/v1/login", map[string]string{
		"password": s.password,
	})
	if err != nil {
		return AuthToken{}, &AuthError{Err: err}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return AuthToken{}, &AuthError{Err: fmt.Errorf("request: %w", err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return AuthToken{}, &AuthError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return AuthToken{}, &AuthError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if lr.Status != "success" || lr.AuthKey == "" {
		return AuthToken{}, &AuthError{Status: lr.Status}
	}

	s.logger.Debug("ess login succeeded")
	return AuthToken{Key: lr.AuthKey}, nil
}
