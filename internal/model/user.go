// Package model defines the source-agnostic representation of a syncable user.
package model

import (
	"encoding/hex"
	"log/slog"
)

// User is the canonical in-memory representation of a user as produced
// by a sync source. It is immutable after construction; sources build
// one, the engine consumes it once, and it is discarded.
type User struct {
	// ExternalID is the opaque identifier assigned by the source. For
	// LDAP this is the raw value of the configured user_id attribute;
	// for CSV it is the localpart.
	ExternalID []byte

	FirstName string
	LastName  string
	Email     string

	// PreferredUsername is stored as user metadata alongside the
	// localpart. Sources that have no separate notion of a username
	// fall back to the email address.
	PreferredUsername string

	// Phone is optional; empty means the user has no phone number.
	Phone string

	// Localpart is used as the Zitadel resource ID at creation time.
	Localpart string

	Enabled bool
}

// ExternalIDHex returns the lowercase hex encoding of the raw external
// ID. This is the value stored in the Zitadel nickname field and the
// identity of the user across runs. Hex rather than base64 so that the
// nickname column sorts lexicographically in byte order.
func (u User) ExternalIDHex() string {
	return hex.EncodeToString(u.ExternalID)
}

// DisplayName derives the display name shown in Zitadel.
func (u User) DisplayName() string {
	return u.LastName + ", " + u.FirstName
}

// LogValue redacts user attributes from log output. Only the external
// ID, localpart and enabled state are safe to log; names, email and
// phone are personal data.
func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("external_id", u.ExternalIDHex()),
		slog.String("localpart", u.Localpart),
		slog.Bool("enabled", u.Enabled),
	)
}
