package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/docker-pull/telemetry"
)

// AuthContext is the auth endpoint discovered for a registry. It is created
// once per run and passed by value to every stage that needs a token.
// An empty Realm means the registry accepts anonymous requests.
type AuthContext struct {
	Realm   string
	Service string
}

// Anonymous reports whether requests are sent without a bearer token.
func (a AuthContext) Anonymous() bool {
	return a.Realm == ""
}

// BearerToken is a token minted for a single request.
type BearerToken struct {
	AccessToken string
	Scope       string
	Accept      string
}

// Header returns the Authorization header value, or "" for anonymous access.
func (t BearerToken) Header() string {
	if t.AccessToken == "" {
		return ""
	}
	return "Bearer " + t.AccessToken
}

// DiscoverAuth probes https://<host>/v2/ without credentials. A 401 carries
// the token endpoint in its WWW-Authenticate challenge. Any other status keeps
// the Docker Hub defaults for Docker Hub and anonymous access elsewhere.
func (c *Client) DiscoverAuth(ctx context.Context, host string) (AuthContext, error) {
	ctx = telemetry.WithStage(ctx, telemetry.StageAuth)

	url := fmt.Sprintf("%s/v2/", c.baseURL(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AuthContext{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return AuthContext{}, fmt.Errorf("probing registry %s: %w", host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusUnauthorized {
		if host == DefaultRegistryHost {
			return AuthContext{Realm: DefaultAuthRealm, Service: DefaultAuthService}, nil
		}
		c.logger.Debug("registry does not require auth", "registry", host, "status", resp.StatusCode)
		return AuthContext{}, nil
	}

	challenge, err := ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return AuthContext{}, fmt.Errorf("parsing auth challenge: %w", err)
	}

	c.logger.Debug("discovered auth endpoint", "registry", host, "realm", challenge.Realm, "service", challenge.Service)

	return AuthContext{Realm: challenge.Realm, Service: challenge.Service}, nil
}

// ParseWWWAuthenticate parses the WWW-Authenticate header from a 401 response.
// Example: Bearer realm="https://auth.docker.io/token",service="registry.docker.io"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	if header == "" {
		return nil, ErrUnauthorized
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return nil, fmt.Errorf("unsupported auth type: %s", header)
	}

	challenge := &AuthChallenge{}
	for _, part := range splitParams(header[7:]) {
		key, value, ok := parseParam(part)
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "realm":
			challenge.Realm = value
		case "service":
			challenge.Service = value
		case "scope":
			challenge.Scope = value
		}
	}

	if challenge.Realm == "" {
		return nil, errors.New("missing realm in WWW-Authenticate header")
	}

	return challenge, nil
}

// splitParams splits the parameter string by commas, respecting quoted values.
func splitParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case ',':
			if inQuotes {
				current.WriteRune(r)
			} else {
				parts = append(parts, strings.TrimSpace(current.String()))
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, strings.TrimSpace(current.String()))
	}

	return parts
}

// parseParam parses a key="value" parameter.
func parseParam(s string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(s, "=")
	if !ok {
		return "", "", false
	}

	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}

	return key, value, true
}

// BuildScope constructs a registry scope string for the repository and action.
func BuildScope(name, action string) string {
	return fmt.Sprintf("repository:%s:%s", name, action)
}

// token mints a fresh pull token for the repository. Tokens are not reused;
// each request asks for its own.
func (r Repository) token(ctx context.Context, accept string) (BearerToken, error) {
	scope := BuildScope(r.ref.Name(), "pull")
	if r.auth.Anonymous() {
		return BearerToken{Scope: scope, Accept: accept}, nil
	}

	ctx = telemetry.WithStage(ctx, telemetry.StageToken)

	tokenURL, err := url.Parse(r.auth.Realm)
	if err != nil {
		return BearerToken{}, fmt.Errorf("parsing realm URL: %w", err)
	}

	query := tokenURL.Query()
	query.Set("service", r.auth.Service)
	query.Set("scope", scope)
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return BearerToken{}, fmt.Errorf("creating token request: %w", err)
	}

	if r.client.username != "" {
		req.SetBasicAuth(r.client.username, r.client.password)
	}

	resp, err := r.client.client.Do(req)
	if err != nil {
		return BearerToken{}, fmt.Errorf("requesting token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return BearerToken{}, newStatusError(resp)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return BearerToken{}, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}

	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return BearerToken{}, fmt.Errorf("%w: no token field", ErrInvalidTokenResponse)
	}

	return BearerToken{AccessToken: token, Scope: scope, Accept: accept}, nil
}
