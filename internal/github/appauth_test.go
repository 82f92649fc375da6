package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemData
}

func TestNewAppTokenSourceValidation(t *testing.T) {
	_, pemData := generateTestKey(t)

	tests := []struct {
		name       string
		creds      AppCredentials
		errContain string
	}{
		{name: "valid", creds: AppCredentials{AppID: "1", InstallationID: 2, PrivateKeyPEM: pemData}},
		{name: "empty app id", creds: AppCredentials{InstallationID: 2, PrivateKeyPEM: pemData}, errContain: "app ID cannot be empty"},
		{name: "bad installation", creds: AppCredentials{AppID: "1", PrivateKeyPEM: pemData}, errContain: "installation ID must be positive"},
		{name: "empty key", creds: AppCredentials{AppID: "1", InstallationID: 2}, errContain: "private key cannot be empty"},
		{name: "garbage key", creds: AppCredentials{AppID: "1", InstallationID: 2, PrivateKeyPEM: []byte("nope")}, errContain: "failed to decode PEM block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAppTokenSource(tt.creds)
			if tt.errContain == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContain) {
				t.Errorf("expected error containing %q, got %v", tt.errContain, err)
			}
		})
	}
}

func TestAppTokenSourceExchangesAndCaches(t *testing.T) {
	key, pemData := generateTestKey(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/app/installations/99/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		parser := jwt.Parser{SkipClaimsValidation: true}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}); err != nil {
			t.Errorf("jwt did not verify: %v", err)
		}
		if claims.Issuer != "123" {
			t.Errorf("expected issuer 123, got %q", claims.Issuer)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(InstallationToken{Token: "ghs_abc", ExpiresAt: now.Add(time.Hour)})
	}))
	defer server.Close()

	clock := now
	src, err := NewAppTokenSource(
		AppCredentials{AppID: "123", InstallationID: 99, PrivateKeyPEM: pemData},
		WithAppBaseURL(server.URL),
		WithAppClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("NewAppTokenSource: %v", err)
	}

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "ghs_abc" {
			t.Errorf("expected ghs_abc, got %q", tok)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected one exchange, got %d", got)
	}

	// inside the refresh buffer
	clock = now.Add(56 * time.Minute)
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token after expiry window: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected refresh, got %d exchanges", got)
	}
}

func TestAppTokenSourceAPIError(t *testing.T) {
	_, pemData := generateTestKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Integration not found"}`))
	}))
	defer server.Close()

	src, err := NewAppTokenSource(AppCredentials{AppID: "1", InstallationID: 5, PrivateKeyPEM: pemData}, WithAppBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewAppTokenSource: %v", err)
	}
	_, err = src.Token(context.Background())
	if err == nil || !strings.Contains(err.Error(), "check installation ID") {
		t.Errorf("expected not found hint, got %v", err)
	}
}

func TestAuthClientInjectsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer pat_123" {
			t.Errorf("unexpected Authorization header %q", got)
		}
	}))
	defer server.Close()

	client := NewAuthClient(StaticToken("pat_123"), nil)
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if _, err := NewAuthClient(StaticToken(" "), nil).Get(server.URL); err == nil {
		t.Error("expected error for empty static token")
	}
}
