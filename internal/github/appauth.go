package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// MaxJWTDuration is the longest app JWT lifetime GitHub accepts.
const MaxJWTDuration = 10 * time.Minute

// TokenRefreshBuffer is how long before expiry an installation token is
// considered stale.
const TokenRefreshBuffer = 5 * time.Minute

// TokenSource yields a bearer token for GitHub API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a personal access token or pre-issued installation token.
type StaticToken string

// Token returns the token unchanged.
func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("github token is empty")
	}
	return string(s), nil
}

// AppCredentials identify a GitHub App installation.
type AppCredentials struct {
	AppID          string
	InstallationID int64
	PrivateKeyPEM  []byte
}

// InstallationToken is the response of the access_tokens endpoint.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AppTokenSource mints app JWTs and exchanges them for installation tokens,
// caching each token until it is within TokenRefreshBuffer of expiry.
type AppTokenSource struct {
	mu sync.RWMutex

	appID          string
	installationID int64
	key            *rsa.PrivateKey

	httpClient *http.Client
	baseURL    string
	now        func() time.Time

	token     string
	expiresAt time.Time
}

// AppTokenOption configures an AppTokenSource.
type AppTokenOption func(*AppTokenSource)

// WithAppHTTPClient sets the client used for the token exchange.
func WithAppHTTPClient(c *http.Client) AppTokenOption {
	return func(s *AppTokenSource) { s.httpClient = c }
}

// WithAppBaseURL points the exchange at another API root (GHES or tests).
func WithAppBaseURL(u string) AppTokenOption {
	return func(s *AppTokenSource) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithAppClock overrides time.Now.
func WithAppClock(fn func() time.Time) AppTokenOption {
	return func(s *AppTokenSource) { s.now = fn }
}

// NewAppTokenSource validates the credentials and parses the private key.
func NewAppTokenSource(creds AppCredentials, opts ...AppTokenOption) (*AppTokenSource, error) {
	if creds.AppID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}
	if creds.InstallationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}
	if len(creds.PrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("private key cannot be empty")
	}
	key, err := parsePrivateKey(creds.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	s := &AppTokenSource{
		appID:          creds.AppID,
		installationID: creds.InstallationID,
		key:            key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        "https://api.github.com",
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns a cached installation token or exchanges a new one.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.validLocked() {
		tok := s.token
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have refreshed while we waited for the lock
	if s.validLocked() {
		return s.token, nil
	}

	signed, err := s.signJWT(MaxJWTDuration)
	if err != nil {
		return "", err
	}
	it, err := s.exchange(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}
	s.token = it.Token
	s.expiresAt = it.ExpiresAt
	return s.token, nil
}

// ExpiresAt returns the expiry of the cached token, zero if none.
func (s *AppTokenSource) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

func (s *AppTokenSource) validLocked() bool {
	if s.token == "" {
		return false
	}
	return s.expiresAt.After(s.now().Add(TokenRefreshBuffer))
}

func (s *AppTokenSource) signJWT(d time.Duration) (string, error) {
	if d <= 0 || d > MaxJWTDuration {
		return "", fmt.Errorf("jwt duration %v outside (0, %v]", d, MaxJWTDuration)
	}
	// backdate issued-at to tolerate clock drift against GitHub
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(d)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *AppTokenSource) exchange(ctx context.Context, signed string) (*InstallationToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var it InstallationToken
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &it, nil
}

type apiError struct {
	Message string `json:"message"`
}

func parseAPIError(status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Message == "" {
		return fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(string(body)))
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: %s (check app ID and key)", ae.Message)
	case http.StatusForbidden:
		return fmt.Errorf("forbidden: %s (check app permissions)", ae.Message)
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (check installation ID)", ae.Message)
	default:
		return fmt.Errorf("API error (status %d): %s", status, ae.Message)
	}
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// authTransport injects a bearer token from a TokenSource into every request.
type authTransport struct {
	source TokenSource
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("github auth: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(clone)
}

// NewAuthClient returns an HTTP client that authenticates with source.
// A nil source yields an unauthenticated client.
func NewAuthClient(source TokenSource, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if source == nil {
		return &http.Client{Transport: base}
	}
	return &http.Client{Transport: &authTransport{source: source, base: base}}
}
