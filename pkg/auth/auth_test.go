package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/renditionlab/rendition-client/pkg/config"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestServiceAccountSource_ExchangesJWT(t *testing.T) {
	calls := 0
	server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("client_id") != "client-abc" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		if r.PostForm.Get("jwt_token") == "" {
			t.Error("Expected a signed jwt_token in the exchange form")
		}
		fmt.Fprint(w, `{"access_token": "sa-token", "expires_in": 3600}`)
	})

	source, err := NewServiceAccountSource(ServiceAccountConfig{
		TokenURL: server.URL,
		Account: config.TechnicalAccount{
			ID:           "ta-1234@techacct.example.com",
			Org:          "org-5678@OrgId",
			ClientID:     "client-abc",
			ClientSecret: "secret-xyz",
			PrivateKey:   testPrivateKeyPEM(t),
		},
		Metascopes: []string{"ent_renditions"},
	})
	if err != nil {
		t.Fatalf("NewServiceAccountSource failed: %v", err)
	}

	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "sa-token" {
		t.Errorf("Token = %q, want sa-token", token)
	}

	// memoized until expiry, no second exchange
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("Cached token failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 exchange, got %d", calls)
	}
}

func TestServiceAccountSource_BadPrivateKey(t *testing.T) {
	source, err := NewServiceAccountSource(ServiceAccountConfig{
		TokenURL: "https://ims.example.com/exchange/jwt",
		Account: config.TechnicalAccount{
			ClientID:   "c",
			PrivateKey: "not a pem block",
		},
	})
	if err != nil {
		t.Fatalf("NewServiceAccountSource failed: %v", err)
	}

	_, err = source.Token(context.Background())
	if err == nil || !strings.Contains(err.Error(), "parse private key") {
		t.Fatalf("Expected key parse error, got %v", err)
	}
}

func TestOAuthServerToServerSource_TriesSecretsInOrder(t *testing.T) {
	var attempted []string
	server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		secret := r.PostForm.Get("client_secret")
		attempted = append(attempted, secret)
		if secret != "secret-two" {
			http.Error(w, `{"error": "invalid_client"}`, http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access_token": "oauth-token", "expires_in": 3600}`)
	})

	source, err := NewOAuthServerToServerSource(OAuthServerToServerConfig{
		TokenURL:      server.URL,
		ClientID:      "client-abc",
		ClientSecrets: []string{"secret-one", "secret-two", "secret-three"},
		Scopes:        []string{"openid", "renditions"},
	})
	if err != nil {
		t.Fatalf("NewOAuthServerToServerSource failed: %v", err)
	}

	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "oauth-token" {
		t.Errorf("Token = %q, want oauth-token", token)
	}
	// stops at the first working secret, never tries the third
	if len(attempted) != 2 || attempted[0] != "secret-one" || attempted[1] != "secret-two" {
		t.Errorf("Attempted secrets = %v", attempted)
	}
}

func TestOAuthServerToServerSource_AllSecretsRejected(t *testing.T) {
	server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_client"}`, http.StatusUnauthorized)
	})

	source, err := NewOAuthServerToServerSource(OAuthServerToServerConfig{
		TokenURL:      server.URL,
		ClientID:      "client-abc",
		ClientSecrets: []string{"old", "older"},
	})
	if err != nil {
		t.Fatalf("NewOAuthServerToServerSource failed: %v", err)
	}

	_, err = source.Token(context.Background())
	if err == nil {
		t.Fatal("Expected failure when every secret is rejected")
	}
	if !strings.Contains(err.Error(), "all client secrets rejected") {
		t.Errorf("Error = %q", err.Error())
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Last rejection should propagate, got %q", err.Error())
	}
}

func TestOAuthServerToServerSource_Memoizes(t *testing.T) {
	calls := 0
	server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"access_token": "tok", "expires_in": 3600}`)
	})

	source, err := NewOAuthServerToServerSource(OAuthServerToServerConfig{
		TokenURL:      server.URL,
		ClientID:      "c",
		ClientSecrets: []string{"s"},
	})
	if err != nil {
		t.Fatalf("NewOAuthServerToServerSource failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := source.Token(context.Background()); err != nil {
			t.Fatalf("Token call %d failed: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("Expected 1 exchange for 3 calls, got %d", calls)
	}
}

func TestNewFromIntegration_PicksShape(t *testing.T) {
	oauth := &config.Integration{
		Type:          config.TypeOAuthServerToServer,
		ClientID:      "c",
		ClientSecrets: []string{"s"},
	}
	source, err := NewFromIntegration(oauth, "https://ims.example.com/token")
	if err != nil {
		t.Fatalf("NewFromIntegration oauth failed: %v", err)
	}
	if _, ok := source.(*OAuthServerToServerSource); !ok {
		t.Errorf("Expected OAuthServerToServerSource, got %T", source)
	}

	serviceAccount := &config.Integration{
		Metascopes: []string{"ent_renditions"},
		TechnicalAccount: &config.TechnicalAccount{
			ID:         "ta",
			ClientID:   "c",
			PrivateKey: testPrivateKeyPEM(t),
		},
	}
	source, err = NewFromIntegration(serviceAccount, "https://ims.example.com/token")
	if err != nil {
		t.Fatalf("NewFromIntegration service account failed: %v", err)
	}
	if _, ok := source.(*ServiceAccountSource); !ok {
		t.Errorf("Expected ServiceAccountSource, got %T", source)
	}
}

func TestConstructor_Validation(t *testing.T) {
	if _, err := NewServiceAccountSource(ServiceAccountConfig{}); err == nil {
		t.Error("Expected error for missing token URL")
	}
	if _, err := NewOAuthServerToServerSource(OAuthServerToServerConfig{TokenURL: "u"}); err == nil {
		t.Error("Expected error for missing client secrets")
	}
}
