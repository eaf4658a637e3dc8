// Mints GitHub App installation tokens for the contents API.

package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenSource returns installation access tokens for one installation of a
// GitHub App. Tokens are cached until five minutes before they expire.
type TokenSource struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	apiURL         string
	httpClient     *http.Client

	mu     sync.Mutex
	cached *oauth2.Token
}

// New returns a TokenSource. apiURL defaults to https://api.github.com.
func New(appID, installationID int64, privateKey *rsa.PrivateKey, apiURL string) *TokenSource {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &TokenSource{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
		apiURL:         strings.TrimSuffix(apiURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadPrivateKey reads a PEM encoded RSA key as downloaded from the App settings.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// GenerateJWT creates a signed JWT for GitHub App authentication.
// The JWT is valid for 10 minutes per GitHub's requirements.
func (s *TokenSource) GenerateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)), // 60s clock drift
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(s.appID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// Token implements oauth2.TokenSource.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Until(s.cached.Expiry) > 5*time.Minute {
		return s.cached, nil
	}
	// oauth2.TokenSource has no context; the HTTP client timeout bounds the call.
	tok, err := s.fetch(context.Background())
	if err != nil {
		return nil, err
	}
	s.cached = tok
	return tok, nil
}

func (s *TokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	jwtToken, err := s.GenerateJWT()
	if err != nil {
		return nil, fmt.Errorf("generate JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.apiURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &oauth2.Token{AccessToken: result.Token, TokenType: "token", Expiry: result.ExpiresAt}, nil
}
