// Package ukt reads the deletion list from the UKT endpoint.
//
// UKT only ever names users to remove; it never creates or updates, so
// the source yields no users and exposes the deletion set instead.
package ukt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/source"
)

// Source fetches the list of email addresses marked for deletion.
type Source struct {
	cfg    *config.UKTSourceConfig
	logger *slog.Logger
}

var (
	_ source.Source         = (*Source)(nil)
	_ source.DeletionLister = (*Source)(nil)
)

// New builds a UKT source.
func New(cfg *config.UKTSourceConfig, logger *slog.Logger) *Source {
	return &Source{cfg: cfg, logger: logger}
}

func (s *Source) Name() string { return "ukt" }

// DeletesByAbsence is false: UKT names deletions explicitly.
func (s *Source) DeletesByAbsence() bool { return false }

// Users yields nothing; UKT has no user roster.
func (s *Source) Users(_ context.Context) (<-chan source.Record, <-chan error) {
	records := make(chan source.Record)
	errc := make(chan error, 1)
	close(records)
	close(errc)
	return records, errc
}

// DeletionEmails exchanges client credentials for a token and fetches
// the deletion list, a JSON array of email addresses.
func (s *Source) DeletionEmails(ctx context.Context) (map[string]bool, error) {
	cc := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     s.cfg.OAuth2URL,
	}
	if s.cfg.Scope != "" {
		cc.Scopes = []string{s.cfg.Scope}
	}

	client := cc.Client(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.EndpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build deletion list request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch deletion list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deletion list endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read deletion list: %w", err)
	}

	var emails []string
	if err := json.Unmarshal(data, &emails); err != nil {
		return nil, fmt.Errorf("decode deletion list: %w", err)
	}

	set := make(map[string]bool, len(emails))
	for _, email := range emails {
		set[email] = true
	}

	s.logger.Info("fetched deletion list", "count", len(set))
	return set, nil
}
