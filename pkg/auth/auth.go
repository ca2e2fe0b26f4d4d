package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated identity behind a connection. Subject is
// the stable id used for ownership checks, rate-limit keys, and quotas.
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// ErrUnauthenticated covers every credential failure; callers never learn
// which check rejected the credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator validates a raw credential into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}

// CredentialFromRequest extracts the client credential from, in order, the
// Authorization header, the token query parameter (browsers cannot set
// headers on a websocket dial), and the session cookie.
func CredentialFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if c, err := r.Cookie("parley_token"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// FromMode builds the authenticator for AUTH_MODE: "off" accepts everyone
// as anonymous, "hs256" verifies tokens locally against a shared secret,
// "remote" defers to the identity service.
func FromMode(mode, secret, issuer, audience, identityURL string, client *http.Client) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "off":
		return Anonymous{}, nil
	case "hs256":
		if strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("AUTH_MODE=hs256 requires AUTH_SECRET")
		}
		return &HS256Authenticator{Secret: secret, Issuer: issuer, Audience: audience}, nil
	case "remote":
		if strings.TrimSpace(identityURL) == "" {
			return nil, fmt.Errorf("AUTH_MODE=remote requires IDENTITY_URL")
		}
		return NewRemote(identityURL, client), nil
	default:
		return nil, fmt.Errorf("unsupported AUTH_MODE %q", mode)
	}
}

// Anonymous admits every connection under a shared anonymous subject.
// Development only; hardening forbids it in production-like environments.
type Anonymous struct{}

func (Anonymous) Authenticate(ctx context.Context, credential string) (Principal, error) {
	return Principal{Subject: "anonymous", Roles: []string{"anonymous"}}, nil
}

// HS256Authenticator verifies compact JWTs signed with a shared secret.
type HS256Authenticator struct {
	Secret   string
	Issuer   string
	Audience string
	// Now is swapped out by tests.
	Now func() time.Time
}

type tokenClaims struct {
	Sub   string   `json:"sub"`
	Roles rolesAny `json:"roles"`
	Iss   string   `json:"iss,omitempty"`
	Aud   audAny   `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
}

// rolesAny accepts both a JSON array and a single string.
type rolesAny []string

func (r *rolesAny) UnmarshalJSON(raw []byte) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		*r = list
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return err
	}
	if single != "" {
		*r = []string{single}
	}
	return nil
}

// audAny accepts both a JSON array and a single string audience.
type audAny []string

func (a *audAny) UnmarshalJSON(raw []byte) error {
	return (*rolesAny)(a).UnmarshalJSON(raw)
}

func (a audAny) contains(expected string) bool {
	for _, v := range a {
		if v == expected {
			return true
		}
	}
	return false
}

func (h *HS256Authenticator) Authenticate(ctx context.Context, credential string) (Principal, error) {
	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now()
	}
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return Principal{}, ErrUnauthenticated
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || !strings.EqualFold(header.Alg, "HS256") {
		return Principal{}, ErrUnauthenticated
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Principal{}, ErrUnauthenticated
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Principal{}, ErrUnauthenticated
	}
	if claims.Sub == "" {
		return Principal{}, ErrUnauthenticated
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return Principal{}, ErrUnauthenticated
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return Principal{}, ErrUnauthenticated
	}
	if h.Issuer != "" && claims.Iss != h.Issuer {
		return Principal{}, ErrUnauthenticated
	}
	if h.Audience != "" && !claims.Aud.contains(h.Audience) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Subject: claims.Sub, Roles: claims.Roles}, nil
}

// RemoteAuthenticator posts the credential to the identity service and
// trusts the principal it returns.
type RemoteAuthenticator struct {
	URL    string
	Client *http.Client
}

func NewRemote(url string, client *http.Client) *RemoteAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteAuthenticator{URL: url, Client: client}
}

func (a *RemoteAuthenticator) Authenticate(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrUnauthenticated
	}
	body, err := json.Marshal(map[string]string{"credential": credential})
	if err != nil {
		return Principal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, strings.NewReader(string(body)))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("identity service unreachable: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Principal{}, ErrUnauthenticated
	default:
		return Principal{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
	var p Principal
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Principal{}, err
	}
	if strings.TrimSpace(p.Subject) == "" {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

type contextKey string

const principalContextKey contextKey = "parley.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
