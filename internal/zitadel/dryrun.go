package zitadel

import (
	"context"
	"log/slog"

	"github.com/famedly/famedly-sync/internal/model"
)

// DryRun wraps an API so that read operations pass through while every
// mutation is logged and short-circuited to success. Used when the
// dry_run feature flag is set.
type DryRun struct {
	api    API
	logger *slog.Logger
}

var _ API = (*DryRun)(nil)

// NewDryRun wraps api.
func NewDryRun(api API, logger *slog.Logger) *DryRun {
	return &DryRun{api: api, logger: logger}
}

func (d *DryRun) ListUsers(ctx context.Context) (<-chan User, <-chan error) {
	return d.api.ListUsers(ctx)
}

func (d *DryRun) GetUserByNickname(ctx context.Context, nickHex string) (*User, error) {
	return d.api.GetUserByNickname(ctx, nickHex)
}

func (d *DryRun) HasIDPLink(ctx context.Context, userID string) (bool, error) {
	return d.api.HasIDPLink(ctx, userID)
}

func (d *DryRun) CreateHuman(_ context.Context, u model.User) (string, error) {
	d.logger.Info("dry run: would create user", "user", u)
	return "dry-run-" + u.Localpart, nil
}

func (d *DryRun) UpdateProfile(_ context.Context, userID string, u model.User) error {
	d.logger.Info("dry run: would update profile", "user_id", userID, "external_id", u.ExternalIDHex())
	return nil
}

func (d *DryRun) UpdateEmail(_ context.Context, userID, _ string) error {
	d.logger.Info("dry run: would update email", "user_id", userID)
	return nil
}

func (d *DryRun) UpdatePhone(_ context.Context, userID, _ string) error {
	d.logger.Info("dry run: would update phone", "user_id", userID)
	return nil
}

func (d *DryRun) RemovePhone(_ context.Context, userID string) error {
	d.logger.Info("dry run: would remove phone", "user_id", userID)
	return nil
}

func (d *DryRun) SetMetadata(_ context.Context, userID, key, _ string) error {
	d.logger.Info("dry run: would set metadata", "user_id", userID, "key", key)
	return nil
}

func (d *DryRun) GrantProjectRole(_ context.Context, userID string) error {
	d.logger.Info("dry run: would grant project role", "user_id", userID)
	return nil
}

func (d *DryRun) AddIDPLink(_ context.Context, userID string, u model.User) error {
	d.logger.Info("dry run: would add IDP link", "user_id", userID, "external_id", u.ExternalIDHex())
	return nil
}

func (d *DryRun) Deactivate(_ context.Context, userID string) error {
	d.logger.Info("dry run: would deactivate user", "user_id", userID)
	return nil
}

func (d *DryRun) Reactivate(_ context.Context, userID string) error {
	d.logger.Info("dry run: would reactivate user", "user_id", userID)
	return nil
}

func (d *DryRun) Delete(_ context.Context, userID string) error {
	d.logger.Info("dry run: would delete user", "user_id", userID)
	return nil
}
