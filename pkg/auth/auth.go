// Package auth implements the credential boundary: token sources that
// exchange an integration's credentials for the bearer token attached to
// every rendition service call.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/renditionlab/rendition-client/pkg/config"
	"github.com/renditionlab/rendition-client/pkg/logging"
)

// expiryMargin is how long before actual expiry a cached token is
// considered stale.
const expiryMargin = 60 * time.Second

// TokenSource supplies bearer tokens. It satisfies the transport and
// client token provider interfaces.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// tokenResponse is the wire shape of a successful token exchange.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// cache memoizes one token until shortly before its expiry.
type cache struct {
	mu     sync.Mutex
	value  string
	expiry time.Time
}

// get returns the cached token, or "" when absent or stale.
func (c *cache) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" || time.Now().After(c.expiry.Add(-expiryMargin)) {
		return ""
	}
	return c.value
}

// put stores a freshly exchanged token.
func (c *cache) put(value string, expiresIn int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
}

// NewFromIntegration builds the token source matching the descriptor shape.
func NewFromIntegration(integration *config.Integration, tokenURL string) (TokenSource, error) {
	if integration.IsOAuthServerToServer() {
		return NewOAuthServerToServerSource(OAuthServerToServerConfig{
			TokenURL:      tokenURL,
			ClientID:      integration.ClientID,
			ClientSecrets: integration.ClientSecrets,
			Scopes:        integration.Scopes,
		})
	}
	return NewServiceAccountSource(ServiceAccountConfig{
		TokenURL:   tokenURL,
		Account:    *integration.TechnicalAccount,
		Metascopes: integration.Metascopes,
	})
}

// ServiceAccountConfig holds the JWT service-account exchange parameters.
type ServiceAccountConfig struct {
	// TokenURL is the token exchange endpoint.
	TokenURL string

	// Account carries the signing credentials.
	Account config.TechnicalAccount

	// Metascopes are added to the JWT as boolean claims.
	Metascopes []string

	// TTL of the signed JWT (default 30m).
	TTL time.Duration
}

// ServiceAccountSource exchanges an RS256-signed JWT for a bearer token.
type ServiceAccountSource struct {
	config     ServiceAccountConfig
	httpClient *http.Client
	logger     zerolog.Logger
	cached     cache
}

// NewServiceAccountSource creates a service-account token source.
func NewServiceAccountSource(cfg ServiceAccountConfig) (*ServiceAccountSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.Account.PrivateKey == "" {
		return nil, fmt.Errorf("technical account private key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}

	return &ServiceAccountSource{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewLogger("auth"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *ServiceAccountSource) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}

// Token implements TokenSource. The exchanged token is memoized until
// shortly before expiry.
func (s *ServiceAccountSource) Token(ctx context.Context) (string, error) {
	if token := s.cached.get(); token != "" {
		return token, nil
	}

	signed, err := s.signJWT()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("client_id", s.config.Account.ClientID)
	form.Set("client_secret", s.config.Account.ClientSecret)
	form.Set("jwt_token", signed)

	resp, err := s.exchange(ctx, form)
	if err != nil {
		s.logger.Error().Err(err).Msg("Service account token exchange failed")
		return "", err
	}

	s.cached.put(resp.AccessToken, resp.ExpiresIn)
	s.logger.Info().Msg("Service account token acquired")
	return resp.AccessToken, nil
}

// signJWT builds and signs the exchange JWT.
func (s *ServiceAccountSource) signJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.config.Account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.config.Account.Org,
		"sub": s.config.Account.ID,
		"aud": s.config.TokenURL + "/c/" + s.config.Account.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(s.config.TTL).Unix(),
	}
	for _, scope := range s.config.Metascopes {
		claims[scope] = true
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// exchange posts the form to the token endpoint.
func (s *ServiceAccountSource) exchange(ctx context.Context, form url.Values) (*tokenResponse, error) {
	return postTokenForm(ctx, s.httpClient, s.config.TokenURL, form)
}

// OAuthServerToServerConfig holds the client-credentials exchange
// parameters.
type OAuthServerToServerConfig struct {
	// TokenURL is the token exchange endpoint.
	TokenURL string

	ClientID string

	// ClientSecrets are candidate secrets tried in order until one
	// succeeds; rotation leaves old and new secrets valid side by side.
	ClientSecrets []string

	Scopes []string
}

// OAuthServerToServerSource exchanges client credentials for a bearer
// token, trying each candidate secret in order.
type OAuthServerToServerSource struct {
	config     OAuthServerToServerConfig
	httpClient *http.Client
	logger     zerolog.Logger
	cached     cache
}

// NewOAuthServerToServerSource creates a client-credentials token source.
func NewOAuthServerToServerSource(cfg OAuthServerToServerConfig) (*OAuthServerToServerSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if len(cfg.ClientSecrets) == 0 {
		return nil, fmt.Errorf("at least one client secret is required")
	}

	return &OAuthServerToServerSource{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewLogger("auth"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *OAuthServerToServerSource) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}

// Token implements TokenSource. Each candidate secret is tried in order;
// the first success wins and is memoized until shortly before expiry. When
// every secret fails the last failure propagates.
func (s *OAuthServerToServerSource) Token(ctx context.Context) (string, error) {
	if token := s.cached.get(); token != "" {
		return token, nil
	}

	var lastErr error
	for i, secret := range s.config.ClientSecrets {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", s.config.ClientID)
		form.Set("client_secret", secret)
		form.Set("scope", strings.Join(s.config.Scopes, ","))

		resp, err := postTokenForm(ctx, s.httpClient, s.config.TokenURL, form)
		if err != nil {
			s.logger.Warn().
				Int("secret_index", i).
				Err(err).
				Msg("Client secret rejected, trying next")
			lastErr = err
			continue
		}

		s.cached.put(resp.AccessToken, resp.ExpiresIn)
		s.logger.Info().Int("secret_index", i).Msg("OAuth token acquired")
		return resp.AccessToken, nil
	}

	return "", fmt.Errorf("all client secrets rejected: %w", lastErr)
}

// postTokenForm performs one token exchange POST.
func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(raw))
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}
