// Package ldap reads the authoritative user set from a directory
// server.
package ldap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/source"
)

// pagingSize is the simple-paged-results page size.
const pagingSize = 500

// Source pages through directory entries matching the configured
// filter and yields canonical users.
type Source struct {
	cfg    *config.LDAPSourceConfig
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New builds an LDAP source.
func New(cfg *config.LDAPSourceConfig, logger *slog.Logger) *Source {
	return &Source{cfg: cfg, logger: logger}
}

func (s *Source) Name() string { return "ldap" }

func (s *Source) DeletesByAbsence() bool { return s.cfg.CheckForDeletedEntries }

// Users connects, binds and pages through the subtree search. Entries
// that cannot be decoded are emitted as per-record errors; connection
// and search failures abort the run via the error channel.
func (s *Source) Users(ctx context.Context) (<-chan source.Record, <-chan error) {
	records := make(chan source.Record, source.Buffer)
	errc := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errc)

		conn, err := s.connect()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()

		if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
			errc <- fmt.Errorf("ldap bind as %s: %w", s.cfg.BindDN, err)
			return
		}

		var attributes []string
		if s.cfg.UseAttributeFilter {
			attributes = s.cfg.Attributes.Names()
		}

		paging := goldap.NewControlPaging(pagingSize)
		for {
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}

			req := goldap.NewSearchRequest(
				s.cfg.BaseDN,
				goldap.ScopeWholeSubtree,
				goldap.NeverDerefAliases,
				0, 0, false,
				s.cfg.UserFilter,
				attributes,
				[]goldap.Control{paging},
			)

			result, err := conn.Search(req)
			if err != nil {
				errc <- fmt.Errorf("ldap search under %s: %w", s.cfg.BaseDN, err)
				return
			}
			s.logger.Debug("fetched ldap page", "entries", len(result.Entries))

			for _, entry := range result.Entries {
				user, err := s.parseEntry(entry)
				rec := source.Record{User: user, Err: err}
				select {
				case records <- rec:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}

			ctrl, ok := goldap.FindControl(result.Controls, goldap.ControlTypePaging).(*goldap.ControlPaging)
			if !ok || len(ctrl.Cookie) == 0 {
				return
			}
			paging.SetCookie(ctrl.Cookie)
		}
	}()

	return records, errc
}

// connect dials the server, upgrading to TLS where configured. The
// ldaps scheme is TLS from the first byte; STARTTLS is only valid on
// plaintext ldap connections (enforced at config load).
func (s *Source) connect() (*goldap.Conn, error) {
	parsed, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ldap url: %w", err)
	}

	tlsCfg, err := newTLSConfig(s.cfg.TLS, parsed.Hostname())
	if err != nil {
		return nil, err
	}

	var opts []goldap.DialOpt
	if strings.EqualFold(parsed.Scheme, "ldaps") {
		opts = append(opts, goldap.DialWithTLSConfig(tlsCfg))
	}

	conn, err := goldap.DialURL(s.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to ldap server: %w", err)
	}
	conn.SetTimeout(time.Duration(s.cfg.Timeout) * time.Second)

	if s.cfg.TLS != nil && s.cfg.TLS.DangerUseStartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	return conn, nil
}
