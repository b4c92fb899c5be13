package zitadel

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// jwtBearerGrant is the RFC 7523 grant type used to exchange a signed
// service-user assertion for an access token.
const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// tokenScope requests the Zitadel management API audience.
const tokenScope = "openid urn:zitadel:iam:org:project:id:zitadel:aud"

// serviceUserKey is the machine-key file Zitadel issues for service
// users.
type serviceUserKey struct {
	Type   string `json:"type"`
	KeyID  string `json:"keyId"`
	Key    string `json:"key"`
	UserID string `json:"userId"`
}

func loadServiceUserKey(path string) (*serviceUserKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service user key: %w", err)
	}

	var key serviceUserKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse service user key: %w", err)
	}
	if key.KeyID == "" || key.Key == "" || key.UserID == "" {
		return nil, fmt.Errorf("service user key %s is missing keyId, key or userId", path)
	}
	return &key, nil
}

// jwtProfileSource implements oauth2.TokenSource by signing a JWT
// assertion with the service-user key and exchanging it at the token
// endpoint.
type jwtProfileSource struct {
	ctx      context.Context
	http     *http.Client
	tokenURL string
	issuer   string
	key      *serviceUserKey
	signKey  *rsa.PrivateKey
}

func newJWTProfileSource(ctx context.Context, httpClient *http.Client, issuer string, key *serviceUserKey) (*jwtProfileSource, error) {
	signKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.Key))
	if err != nil {
		return nil, fmt.Errorf("parse service user private key: %w", err)
	}

	// The token endpoint is published via OIDC discovery on the
	// instance itself.
	oidcCtx := oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(oidcCtx, strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("discover token endpoint: %w", err)
	}

	return &jwtProfileSource{
		ctx:      ctx,
		http:     httpClient,
		tokenURL: provider.Endpoint().TokenURL,
		issuer:   strings.TrimSuffix(issuer, "/"),
		key:      key,
		signKey:  signKey,
	}, nil
}

// Token signs a fresh assertion and exchanges it. Callers should wrap
// this source in oauth2.ReuseTokenSource so the access token is cached
// for its lifetime.
func (s *jwtProfileSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.key.UserID,
		Subject:   s.key.UserID,
		Audience:  jwt.ClaimStrings{s.issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	assertion.Header["kid"] = s.key.KeyID

	signed, err := assertion.SignedString(s.signKey)
	if err != nil {
		return nil, fmt.Errorf("sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {signed},
		"scope":      {tokenScope},
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: token exchange returned status %d", ErrUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: token exchange returned status %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: token exchange returned no access token", ErrAuth)
	}

	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		Expiry:      now.Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// tokenManager caches the access token for its lifetime and supports
// forced refresh when a call observes a 401. It is the only shared
// mutable state in the client.
type tokenManager struct {
	mu     sync.Mutex
	inner  oauth2.TokenSource
	cached oauth2.TokenSource
}

func newTokenManager(inner oauth2.TokenSource) *tokenManager {
	return &tokenManager{
		inner:  inner,
		cached: oauth2.ReuseTokenSource(nil, inner),
	}
}

func (m *tokenManager) token() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached.Token()
}

// invalidate drops the cached token so the next call fetches a fresh
// one.
func (m *tokenManager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = oauth2.ReuseTokenSource(nil, m.inner)
}
