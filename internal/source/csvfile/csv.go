// Package csvfile reads the authoritative user set from a CSV roster.
//
// The roster is authoritative for presence: every Zitadel user absent
// from the file is deleted.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/model"
	"github.com/famedly/famedly-sync/internal/source"
)

var requiredColumns = []string{"email", "first_name", "last_name", "phone", "localpart"}

// Source reads the roster file eagerly on Users.
type Source struct {
	cfg    *config.CSVSourceConfig
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New builds a CSV source.
func New(cfg *config.CSVSourceConfig, logger *slog.Logger) *Source {
	return &Source{cfg: cfg, logger: logger}
}

func (s *Source) Name() string { return "csv" }

func (s *Source) DeletesByAbsence() bool { return true }

// Users parses the file. Rows that cannot be parsed become per-record
// errors; a missing or header-less file aborts the run.
func (s *Source) Users(ctx context.Context) (<-chan source.Record, <-chan error) {
	records := make(chan source.Record, source.Buffer)
	errc := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errc)

		file, err := os.Open(s.cfg.FilePath)
		if err != nil {
			errc <- fmt.Errorf("open roster: %w", err)
			return
		}
		defer file.Close()

		reader := csv.NewReader(file)
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				errc <- fmt.Errorf("roster %s has no header row", s.cfg.FilePath)
				return
			}
			errc <- fmt.Errorf("read roster header: %w", err)
			return
		}

		columns := map[string]int{}
		for i, name := range header {
			columns[strings.TrimSpace(name)] = i
		}
		for _, name := range requiredColumns {
			if _, ok := columns[name]; !ok {
				errc <- fmt.Errorf("roster %s is missing the %q column", s.cfg.FilePath, name)
				return
			}
		}

		var pending []source.Record
		line := 1
		for {
			row, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			line++

			var rec source.Record
			if err != nil {
				rec.Err = fmt.Errorf("roster line %d: %w", line, err)
			} else {
				rec.User, rec.Err = parseRow(row, columns, line)
			}
			pending = append(pending, rec)
		}
		s.logger.Debug("read roster", "rows", line-1)

		for _, rec := range pending {
			select {
			case records <- rec:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return records, errc
}

func parseRow(row []string, columns map[string]int, line int) (model.User, error) {
	field := func(name string) string {
		i := columns[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	localpart := field("localpart")
	if localpart == "" {
		return model.User{}, fmt.Errorf("roster line %d: localpart is required", line)
	}

	user := model.User{
		// The roster has no separate opaque ID, so the localpart is
		// the external ID for this source.
		ExternalID:        []byte(localpart),
		FirstName:         field("first_name"),
		LastName:          field("last_name"),
		Email:             field("email"),
		PreferredUsername: field("email"),
		Phone:             field("phone"),
		Localpart:         localpart,
		Enabled:           true,
	}

	for _, required := range []struct{ name, value string }{
		{"email", user.Email},
		{"first_name", user.FirstName},
		{"last_name", user.LastName},
	} {
		if required.value == "" {
			return model.User{}, fmt.Errorf("roster line %d (user %s): %s is required", line, user.ExternalIDHex(), required.name)
		}
	}

	return user, nil
}
