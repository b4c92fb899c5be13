package ldap

import (
	"encoding/binary"
	"fmt"
	"strconv"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/model"
)

// parseEntry decodes one directory entry into a canonical user. A
// missing mandatory attribute fails the entry; only the phone is
// optional. Attribute payloads never appear in the returned errors,
// only attribute names and the external ID.
func (s *Source) parseEntry(entry *goldap.Entry) (model.User, error) {
	attrs := s.cfg.Attributes

	rawID, err := readAttribute(entry, attrs.UserID)
	if err != nil {
		return model.User{}, err
	}
	idHex := model.User{ExternalID: rawID}.ExternalIDHex()

	fail := func(err error) (model.User, error) {
		return model.User{}, fmt.Errorf("user %s: %w", idHex, err)
	}

	firstName, err := readString(entry, attrs.FirstName)
	if err != nil {
		return fail(err)
	}
	lastName, err := readString(entry, attrs.LastName)
	if err != nil {
		return fail(err)
	}
	preferredUsername, err := readString(entry, attrs.PreferredUsername)
	if err != nil {
		return fail(err)
	}
	email, err := readString(entry, attrs.Email)
	if err != nil {
		return fail(err)
	}

	// Phone is the only optional attribute.
	phone := ""
	if attrs.Phone.Name != "" {
		if value, err := readString(entry, attrs.Phone); err == nil {
			phone = value
		}
	}

	status, err := readAttribute(entry, attrs.Status)
	if err != nil {
		return fail(err)
	}
	enabled, err := parseEnabled(status, attrs.DisableBitmasks)
	if err != nil {
		return fail(err)
	}

	return model.User{
		ExternalID:        rawID,
		FirstName:         firstName,
		LastName:          lastName,
		PreferredUsername: preferredUsername,
		Email:             email,
		Phone:             phone,
		// The directory schema has exactly one stable opaque ID per
		// user, so the localpart is the external ID hex.
		Localpart: idHex,
		Enabled:   enabled,
	}, nil
}

// readAttribute resolves an attribute to its raw bytes, honouring the
// binary marker: binary attributes come from the raw value list,
// everything else is read as UTF-8.
func readAttribute(entry *goldap.Entry, attr config.Attribute) ([]byte, error) {
	if attr.IsBinary {
		values := entry.GetRawAttributeValues(attr.Name)
		if len(values) == 0 {
			return nil, fmt.Errorf("missing attribute %q", attr.Name)
		}
		return values[0], nil
	}

	values := entry.GetAttributeValues(attr.Name)
	if len(values) == 0 {
		return nil, fmt.Errorf("missing attribute %q", attr.Name)
	}
	return []byte(values[0]), nil
}

func readString(entry *goldap.Entry, attr config.Attribute) (string, error) {
	if attr.IsBinary {
		return "", fmt.Errorf("attribute %q is marked binary but a string is required", attr.Name)
	}
	value, err := readAttribute(entry, attr)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// parseEnabled interprets the status attribute. The literal strings
// TRUE and FALSE mean disabled and enabled respectively; any other
// value is read as an unsigned integer (see statusValue) and matched
// against the configured disable bitmasks, any match meaning disabled.
func parseEnabled(status []byte, masks []uint64) (bool, error) {
	switch string(status) {
	case "TRUE":
		return false, nil
	case "FALSE":
		return true, nil
	}

	value, err := statusValue(status)
	if err != nil {
		return false, err
	}

	if len(masks) == 0 {
		return false, fmt.Errorf("status attribute cannot be interpreted without disable_bitmasks")
	}

	for _, mask := range masks {
		if value&mask != 0 {
			return false, nil
		}
	}
	return true, nil
}

// statusValue decodes the status bytes as an unsigned integer: decimal
// text if it parses as such (the common case for AD's
// userAccountControl), big-endian bytes otherwise.
func statusValue(status []byte) (uint64, error) {
	if value, err := strconv.ParseUint(string(status), 10, 64); err == nil {
		return value, nil
	}

	if len(status) == 0 || len(status) > 8 {
		return 0, fmt.Errorf("status attribute has invalid length %d for an integer flag", len(status))
	}

	padded := make([]byte, 8)
	copy(padded[8-len(status):], status)
	return binary.BigEndian.Uint64(padded), nil
}
