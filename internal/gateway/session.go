package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultClaimTimeout bounds how long Claim waits for the physical
	// button press on the gateway.
	DefaultClaimTimeout = 30 * time.Second

	// claimPollInterval is how often the claim endpoint is polled while
	// waiting for button confirmation.
	claimPollInterval = 2 * time.Second

	claimSource = "installer"
)

// Session owns the credential for one gateway: username, access token
// and claim state. It is the only writer of the token; all dependent
// calls read it through Token and start failing with ErrAuthInvalid
// the moment Invalidate is called.
type Session struct {
	host     string
	username string
	http     *http.Client
	logger   *zap.Logger

	claimTimeout time.Duration

	mu    sync.RWMutex
	token string
}

// NewSession creates a session for the gateway at host. No credential
// is held until Claim succeeds or Resume installs a stored token.
func NewSession(host, username string, logger *zap.Logger) *Session {
	return &Session{
		host:         host,
		username:     username,
		http:         &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		claimTimeout: DefaultClaimTimeout,
	}
}

// SetClaimTimeout overrides the default button-confirmation timeout.
func (s *Session) SetClaimTimeout(d time.Duration) {
	s.claimTimeout = d
}

// Resume installs a previously obtained token, skipping the claim
// handshake. The token is validated on the next Refresh or API call.
func (s *Session) Resume(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Host returns the gateway host this session authenticates against.
func (s *Session) Host() string {
	return s.host
}

// Username returns the API user the credential was claimed for.
func (s *Session) Username() string {
	return s.username
}

// Valid reports whether a credential is currently held.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Token returns the current access token, or ErrAuthInvalid when the
// credential has been invalidated or never claimed.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrAuthInvalid
	}
	return s.token, nil
}

// Invalidate clears the credential. Every subsequent authenticated
// call fails fast with ErrAuthInvalid until Claim succeeds again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.mu.Unlock()

	if had {
		s.logger.Warn("Credential invalidated, reauthentication required",
			zap.String("host", s.host))
	}
}

// Claim runs the pairing handshake: it polls the claim endpoint until
// the user confirms by pressing the gateway button. Returns
// ErrAuthTimeout if unconfirmed within the claim timeout,
// ErrAuthRejected if the gateway denies the claim, and ErrAuthPending
// if ctx is cancelled while still waiting.
func (s *Session) Claim(ctx context.Context) (string, error) {
	deadline := time.Now().Add(s.claimTimeout)

	s.logger.Info("Starting claim handshake, press the gateway button to confirm",
		zap.String("host", s.host),
		zap.String("username", s.username),
		zap.Duration("timeout", s.claimTimeout))

	for {
		token, done, err := s.claimOnce(ctx)
		if err != nil {
			return "", err
		}
		if done {
			s.mu.Lock()
			s.token = token
			s.mu.Unlock()
			s.logger.Info("Claim confirmed", zap.String("host", s.host))
			return token, nil
		}

		if time.Now().Add(claimPollInterval).After(deadline) {
			return "", ErrAuthTimeout
		}

		select {
		case <-ctx.Done():
			return "", ErrAuthPending
		case <-time.After(claimPollInterval):
		}
	}
}

// claimOnce performs a single claim poll. done is false while the
// gateway is still waiting for button confirmation.
func (s *Session) claimOnce(ctx context.Context) (token string, done bool, err error) {
	body, err := json.Marshal(claimRequest{User: s.username, Source: claimSource})
	if err != nil {
		return "", false, fmt.Errorf("failed to encode claim request: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/account/claim", s.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to build claim request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ErrAuthPending
		}
		return "", false, fmt.Errorf("claim request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		// Button not pressed yet, keep polling.
		io.Copy(io.Discard, resp.Body)
		return "", false, nil
	case http.StatusForbidden:
		return "", false, ErrAuthRejected
	default:
		return "", false, fmt.Errorf("unexpected claim response status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", false, fmt.Errorf("failed to decode claim response: %w", err)
	}

	var claim claimResponse
	if err := json.Unmarshal(env.Data, &claim); err != nil {
		return "", false, fmt.Errorf("failed to decode claim payload: %w", err)
	}
	if claim.Secret == "" {
		return "", false, fmt.Errorf("claim response contained no token")
	}

	return claim.Secret, true, nil
}

// Refresh re-validates the held credential against the gateway.
// Rejection invalidates the credential and returns ErrAuthInvalid,
// forcing the caller back through Claim.
func (s *Session) Refresh(ctx context.Context) error {
	token, err := s.Token()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/account", s.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		s.Invalidate()
		return ErrAuthInvalid
	default:
		return fmt.Errorf("unexpected refresh response status %d", resp.StatusCode)
	}
}
