// Package zitadel is an HTTP client for the subset of the Zitadel
// management (v1) and user (v2) APIs the sync agent needs.
package zitadel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/model"
)

// RoleUser is the project role granted to every synced user.
const RoleUser = "User"

// MetadataLocalpart is the metadata key holding the user's localpart.
const MetadataLocalpart = "localpart"

// MetadataPreferredUsername is the metadata key holding the user's
// preferred username.
const MetadataPreferredUsername = "preferred_username"

// API is the client surface the reconciliation engine depends on. The
// dry-run wrapper implements the same interface with mutations
// suppressed.
type API interface {
	ListUsers(ctx context.Context) (<-chan User, <-chan error)
	GetUserByNickname(ctx context.Context, nickHex string) (*User, error)

	CreateHuman(ctx context.Context, u model.User) (string, error)
	UpdateProfile(ctx context.Context, userID string, u model.User) error
	UpdateEmail(ctx context.Context, userID, email string) error
	UpdatePhone(ctx context.Context, userID, phone string) error
	RemovePhone(ctx context.Context, userID string) error
	SetMetadata(ctx context.Context, userID, key, value string) error
	GrantProjectRole(ctx context.Context, userID string) error
	HasIDPLink(ctx context.Context, userID string) (bool, error)
	AddIDPLink(ctx context.Context, userID string, u model.User) error
	Deactivate(ctx context.Context, userID string) error
	Reactivate(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}

// User is the Zitadel-side projection of a synced user.
type User struct {
	ID          string
	UserName    string
	Nickname    string
	FirstName   string
	LastName    string
	DisplayName string
	Email       string
	Phone       string
	Enabled     bool
}

// Client talks to a single Zitadel instance, scoped to one
// organization and project.
type Client struct {
	baseURL   string
	orgID     string
	projectID string
	idpID     string

	verifyEmail bool
	verifyPhone bool

	http   *http.Client
	tokens *tokenManager
	logger *slog.Logger
}

var _ API = (*Client)(nil)

// New builds a client from the Zitadel config, loading the service
// user key and discovering the token endpoint.
func New(ctx context.Context, cfg config.ZitadelConfig, flags config.FeatureFlags, logger *slog.Logger) (*Client, error) {
	key, err := loadServiceUserKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second}

	source, err := newJWTProfileSource(ctx, httpClient, cfg.URL, key)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.URL, "/"),
		orgID:       cfg.OrganizationID,
		projectID:   cfg.ProjectID,
		idpID:       cfg.IDPID,
		verifyEmail: flags.Enabled(config.FlagVerifyEmail),
		verifyPhone: flags.Enabled(config.FlagVerifyPhone),
		http:        httpClient,
		tokens:      newTokenManager(source),
		logger:      logger,
	}, nil
}

// do sends one JSON request. A 401 invalidates the cached token and
// the request is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.token()
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		if c.orgID != "" {
			req.Header.Set("x-zitadel-orgid", c.orgID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokens.invalidate()
			continue
		}

		if resp.StatusCode >= 300 {
			return classifyError(resp.StatusCode, errorMessage(data))
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response for %s %s: %w", method, path, err)
			}
		}
		return nil
	}
}

// errorMessage extracts the message from a Zitadel error body, falling
// back to the raw body.
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}
