// Package engine computes and applies the difference between the
// authoritative source and the Zitadel user population.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/model"
	"github.com/famedly/famedly-sync/internal/source"
	"github.com/famedly/famedly-sync/internal/zitadel"
)

// Stats summarises one run. Skipped counts users deliberately left
// untouched: unmanaged Zitadel users, users already in sync, and
// no-ops forced by deactivate_only. Failed counts per-user errors; the
// process exits non-zero when it is not zero.
type Stats struct {
	Created     int
	Updated     int
	Deactivated int
	Deleted     int
	Skipped     int
	Failed      int
}

// Engine applies the sync policy. All mutations are issued serially;
// each user is processed exactly once per run.
type Engine struct {
	api    zitadel.API
	flags  config.FeatureFlags
	logger *slog.Logger
}

// New builds an engine.
func New(api zitadel.API, flags config.FeatureFlags, logger *slog.Logger) *Engine {
	return &Engine{api: api, flags: flags, logger: logger}
}

// Run drains the source, streams the Zitadel population and applies
// the minimum set of mutations. Per-user failures are logged and
// counted; only infrastructure failures abort the run.
func (e *Engine) Run(ctx context.Context, src source.Source) (Stats, error) {
	var stats Stats

	if lister, ok := src.(source.DeletionLister); ok {
		err := e.runDeletionList(ctx, lister, &stats)
		return stats, err
	}

	wanted, order, err := e.drainSource(ctx, src, &stats)
	if err != nil {
		return stats, fmt.Errorf("read source %s: %w", src.Name(), err)
	}

	deletesByAbsence := src.DeletesByAbsence()
	deactivateOnly := e.flags.Enabled(config.FlagDeactivateOnly)

	users, errc := e.api.ListUsers(ctx)
	for zu := range users {
		switch {
		case zu.Nickname == "":
			// Unmanaged user: it was not created by this tool, so it
			// is never touched.
			stats.Skipped++
		default:
			su, ok := wanted[zu.Nickname]
			if ok {
				delete(wanted, zu.Nickname)
				e.reconcileExisting(ctx, su, zu, &stats)
				continue
			}
			if deletesByAbsence && !deactivateOnly {
				e.deleteMissing(ctx, zu, &stats)
				continue
			}
			stats.Skipped++
		}
	}
	if err := <-errc; err != nil {
		return stats, fmt.Errorf("list zitadel users: %w", err)
	}

	// Everything still in the map has no Zitadel counterpart.
	for _, id := range order {
		su, ok := wanted[id]
		if !ok {
			continue
		}
		e.createNew(ctx, su, &stats)
	}

	return stats, nil
}

// drainSource collects the source into a map keyed by external-ID hex,
// preserving source order for the create phase. Duplicate IDs and
// duplicate emails within the source are per-record errors; the later
// occurrence is dropped.
func (e *Engine) drainSource(ctx context.Context, src source.Source, stats *Stats) (map[string]model.User, []string, error) {
	wanted := map[string]model.User{}
	var order []string
	emailOwner := map[string]string{}

	records, errc := src.Users(ctx)
	for rec := range records {
		if rec.Err != nil {
			e.logger.Error("skipping source record", "source", src.Name(), "error", rec.Err)
			stats.Failed++
			continue
		}

		u := rec.User
		id := u.ExternalIDHex()

		if _, dup := wanted[id]; dup {
			e.logger.Error("duplicate external ID in source, dropping later occurrence",
				"external_id", id)
			stats.Failed++
			continue
		}
		if owner, dup := emailOwner[u.Email]; dup {
			e.logger.Error("duplicate email in source, dropping later occurrence",
				"external_id", id, "first_external_id", owner)
			stats.Failed++
			continue
		}

		wanted[id] = u
		order = append(order, id)
		emailOwner[u.Email] = id
	}

	if err := <-errc; err != nil {
		return nil, nil, err
	}
	return wanted, order, nil
}

// runDeletionList handles sources that only name users to remove by
// email. Unmanaged users are preserved as everywhere else.
func (e *Engine) runDeletionList(ctx context.Context, lister source.DeletionLister, stats *Stats) error {
	if e.flags.Enabled(config.FlagDeactivateOnly) {
		e.logger.Info("deactivate_only is set, deletion-list source has nothing to do")
		return nil
	}

	doomed, err := lister.DeletionEmails(ctx)
	if err != nil {
		return fmt.Errorf("fetch deletion list: %w", err)
	}

	users, errc := e.api.ListUsers(ctx)
	for zu := range users {
		if zu.Nickname == "" || !doomed[zu.Email] {
			stats.Skipped++
			continue
		}
		e.deleteMissing(ctx, zu, stats)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("list zitadel users: %w", err)
	}
	return nil
}

// reconcileExisting applies the policy for a user present on both
// sides. The profile, email and phone diffs are applied independently
// so a failure in one does not block the others.
func (e *Engine) reconcileExisting(ctx context.Context, su model.User, zu zitadel.User, stats *Stats) {
	log := e.logger.With("external_id", zu.Nickname, "user_id", zu.ID)

	if e.flags.Enabled(config.FlagDeactivateOnly) {
		if !su.Enabled && zu.Enabled {
			if err := e.api.Deactivate(ctx, zu.ID); err != nil {
				log.Error("failed to deactivate user", "error", err)
				stats.Failed++
				return
			}
			log.Info("deactivated user")
			stats.Deactivated++
			return
		}
		stats.Skipped++
		return
	}

	// Disabling on the source removes the user from Zitadel.
	if !su.Enabled {
		if err := e.api.Delete(ctx, zu.ID); err != nil {
			log.Error("failed to delete disabled user", "error", err)
			stats.Failed++
			return
		}
		log.Info("deleted user disabled on source")
		stats.Deleted++
		return
	}

	changed := false
	failed := false

	if !zu.Enabled {
		if err := e.api.Reactivate(ctx, zu.ID); err != nil {
			log.Error("failed to reactivate user", "error", err)
			failed = true
		} else {
			log.Info("reactivated user")
			changed = true
		}
	}

	if su.FirstName != zu.FirstName || su.LastName != zu.LastName || su.DisplayName() != zu.DisplayName {
		if err := e.api.UpdateProfile(ctx, zu.ID, su); err != nil {
			log.Error("failed to update profile", "error", err)
			failed = true
		} else {
			changed = true
		}
	}

	if su.Email != zu.Email {
		if err := e.api.UpdateEmail(ctx, zu.ID, su.Email); err != nil {
			log.Error("failed to update email", "error", err)
			failed = true
		} else {
			changed = true
		}
	}

	if su.Phone != zu.Phone {
		var err error
		if su.Phone == "" {
			err = e.api.RemovePhone(ctx, zu.ID)
		} else {
			err = e.api.UpdatePhone(ctx, zu.ID, su.Phone)
		}
		if err != nil {
			log.Error("failed to update phone", "error", err)
			failed = true
		} else {
			changed = true
		}
	}

	if e.flags.Enabled(config.FlagSSOLogin) {
		linked, err := e.api.HasIDPLink(ctx, zu.ID)
		switch {
		case err != nil:
			log.Error("failed to check IDP link", "error", err)
			failed = true
		case !linked:
			if err := e.api.AddIDPLink(ctx, zu.ID, su); err != nil {
				log.Error("failed to add IDP link", "error", err)
				failed = true
			} else {
				log.Info("added missing IDP link")
				changed = true
			}
		}
	}

	switch {
	case failed:
		stats.Failed++
	case changed:
		stats.Updated++
	default:
		stats.Skipped++
	}
}

// deleteMissing removes a managed Zitadel user the source no longer
// contains (or that the deletion list names).
func (e *Engine) deleteMissing(ctx context.Context, zu zitadel.User, stats *Stats) {
	if err := e.api.Delete(ctx, zu.ID); err != nil {
		e.logger.Error("failed to delete user", "external_id", zu.Nickname, "user_id", zu.ID, "error", err)
		stats.Failed++
		return
	}
	e.logger.Info("deleted user missing from source", "external_id", zu.Nickname, "user_id", zu.ID)
	stats.Deleted++
}

// createNew creates the user, attaches metadata, grants the project
// role and links the identity provider, in that order: grants and
// links need the new user ID.
func (e *Engine) createNew(ctx context.Context, su model.User, stats *Stats) {
	log := e.logger.With("external_id", su.ExternalIDHex())

	if e.flags.Enabled(config.FlagDeactivateOnly) {
		stats.Skipped++
		return
	}
	if !su.Enabled {
		// Disabled on the source and absent from Zitadel: nothing to
		// create.
		stats.Skipped++
		return
	}

	userID, err := e.api.CreateHuman(ctx, su)
	if err != nil {
		log.Error("failed to create user", "error", err)
		stats.Failed++
		return
	}

	failed := false

	if err := e.api.SetMetadata(ctx, userID, zitadel.MetadataLocalpart, su.Localpart); err != nil {
		log.Error("failed to set localpart metadata", "error", err)
		failed = true
	}
	if su.PreferredUsername != "" {
		if err := e.api.SetMetadata(ctx, userID, zitadel.MetadataPreferredUsername, su.PreferredUsername); err != nil {
			log.Error("failed to set preferred username metadata", "error", err)
			failed = true
		}
	}
	if err := e.api.GrantProjectRole(ctx, userID); err != nil {
		log.Error("failed to grant project role", "error", err)
		failed = true
	}
	if e.flags.Enabled(config.FlagSSOLogin) {
		if err := e.api.AddIDPLink(ctx, userID, su); err != nil {
			log.Error("failed to add IDP link", "error", err)
			failed = true
		}
	}

	if failed {
		stats.Failed++
		return
	}
	log.Info("created user", "user_id", userID)
	stats.Created++
}
