package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// TokenSource supplies the bearer credential attached to every provider
// request. Refresh discards the cached token and performs a fresh login;
// the fetch client calls it exactly once when the provider signals expiry.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// LoginTokenSource logs in against the provider's login endpoint with
// query-parameter credentials and caches the returned token.
type LoginTokenSource struct {
	client   *http.Client
	loginURL string
	user     string
	pass     string
	hash     string

	mu    sync.Mutex
	token string
}

func NewLoginTokenSource(client *http.Client, baseURL, loginPath, user, pass, hash string) *LoginTokenSource {
	return &LoginTokenSource{
		client:   client,
		loginURL: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(loginPath, "/"),
		user:     user,
		pass:     pass,
		hash:     hash,
	}
}

func (s *LoginTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

func (s *LoginTokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.login(ctx)
	if err != nil {
		return err
	}
	s.token = token
	return nil
}

func (s *LoginTokenSource) login(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("Username", s.user)
	params.Set("Password", s.pass)
	if s.hash != "" {
		params.Set("HashAuth", s.hash)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("login returned HTTP %d", resp.StatusCode)
	}

	token := extractToken(resp.Header, body)
	if token == "" {
		return "", fmt.Errorf("login response carried no usable token")
	}
	return token, nil
}

// extractToken accepts the token from the JSON body under any of the keys
// the provider has been seen to use, then falls back to response headers,
// then to a raw-text body.
func extractToken(header http.Header, body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"AccessToken", "authToken", "token"} {
			if v, ok := payload[key].(string); ok && v != "" {
				return strings.TrimSpace(v)
			}
		}
	}

	for _, key := range []string{"AccessToken", "AuthToken"} {
		if v := header.Get(key); v != "" {
			return strings.TrimSpace(v)
		}
	}

	raw := strings.TrimSpace(string(body))
	if raw == "" || strings.ContainsAny(raw, "<\n\r") {
		return ""
	}
	return strings.Trim(raw, `"`)
}
