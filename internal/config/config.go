// Package config loads and validates the sync agent configuration from
// a YAML file with environment variable overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FAMEDLY_SYNC_CONFIG is not set.
const DefaultPath = "./config.yaml"

// EnvPathVar names the environment variable holding the config path.
const EnvPathVar = "FAMEDLY_SYNC_CONFIG"

// FeatureFlag is an opt-in behaviour toggle.
type FeatureFlag string

const (
	// FlagVerifyEmail stores new or changed emails unverified so the
	// user is prompted to confirm them.
	FlagVerifyEmail FeatureFlag = "verify_email"
	// FlagVerifyPhone does the same for phone numbers.
	FlagVerifyPhone FeatureFlag = "verify_phone"
	// FlagSSOLogin links synced users to the configured identity
	// provider so they can log in via SSO.
	FlagSSOLogin FeatureFlag = "sso_login"
	// FlagDryRun logs intended mutations without applying them.
	FlagDryRun FeatureFlag = "dry_run"
	// FlagDeactivateOnly restricts the run to at-most deactivation.
	FlagDeactivateOnly FeatureFlag = "deactivate_only"
)

var knownFlags = map[FeatureFlag]bool{
	FlagVerifyEmail:    true,
	FlagVerifyPhone:    true,
	FlagSSOLogin:       true,
	FlagDryRun:         true,
	FlagDeactivateOnly: true,
}

// FeatureFlags is the set of enabled flags.
type FeatureFlags []FeatureFlag

// Enabled reports whether a flag is set.
func (f FeatureFlags) Enabled(flag FeatureFlag) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Config is the full agent configuration.
type Config struct {
	Zitadel      ZitadelConfig `yaml:"zitadel"`
	Sources      SourcesConfig `yaml:"sources"`
	FeatureFlags FeatureFlags  `yaml:"feature_flags"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// ZitadelConfig describes the target Zitadel instance.
type ZitadelConfig struct {
	URL            string `yaml:"url"`
	KeyFile        string `yaml:"key_file"`
	OrganizationID string `yaml:"organization_id"`
	ProjectID      string `yaml:"project_id"`
	IDPID          string `yaml:"idp_id"`
	// RequestTimeout bounds every HTTP request in seconds. Defaults
	// to 30.
	RequestTimeout int `yaml:"request_timeout"`
}

// SourcesConfig holds the configured sources. Exactly one must be set.
type SourcesConfig struct {
	LDAP *LDAPSourceConfig `yaml:"ldap"`
	CSV  *CSVSourceConfig  `yaml:"csv"`
	UKT  *UKTSourceConfig  `yaml:"ukt"`
}

// LDAPSourceConfig describes an LDAP directory source.
type LDAPSourceConfig struct {
	URL          string `yaml:"url"`
	BaseDN       string `yaml:"base_dn"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
	UserFilter   string `yaml:"user_filter"`
	// Timeout bounds every LDAP operation in seconds.
	Timeout int `yaml:"timeout"`
	// CheckForDeletedEntries makes the source authoritative for
	// presence: users missing from LDAP are deleted from Zitadel.
	CheckForDeletedEntries bool `yaml:"check_for_deleted_entries"`
	// UseAttributeFilter requests exactly the configured attributes
	// instead of the server default. Some servers (notably AD) need
	// an exhaustive list to return anything at all.
	UseAttributeFilter bool           `yaml:"use_attribute_filter"`
	Attributes         LDAPAttributes `yaml:"attributes"`
	TLS                *LDAPTLSConfig `yaml:"tls"`
}

// LDAPAttributes maps the free-form LDAP schema to the attributes the
// sync needs.
type LDAPAttributes struct {
	FirstName         Attribute `yaml:"first_name"`
	LastName          Attribute `yaml:"last_name"`
	PreferredUsername Attribute `yaml:"preferred_username"`
	Email             Attribute `yaml:"email"`
	Phone             Attribute `yaml:"phone"`
	UserID            Attribute `yaml:"user_id"`
	Status            Attribute `yaml:"status"`
	// DisableBitmasks marks an account disabled when the status
	// attribute, read as an unsigned integer (decimal text, or
	// big-endian bytes when it is not decimal), has any of these bits
	// set (e.g. userAccountControl ACCOUNTDISABLE = 0x2).
	DisableBitmasks []uint64 `yaml:"disable_bitmasks"`
}

// Names returns the union of configured attribute names, for use as a
// server-side attribute filter.
func (a LDAPAttributes) Names() []string {
	return []string{
		a.FirstName.Name,
		a.LastName.Name,
		a.PreferredUsername.Name,
		a.Email.Name,
		a.Phone.Name,
		a.UserID.Name,
		a.Status.Name,
	}
}

// Attribute is an LDAP attribute reference. In YAML it is either a
// plain string or a mapping with a name and a binary marker:
//
//	user_id: uid
//	user_id: {name: objectGUID, is_binary: true}
type Attribute struct {
	Name     string
	IsBinary bool
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (a *Attribute) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Name = node.Value
		a.IsBinary = false
		return nil
	}

	var full struct {
		Name     string `yaml:"name"`
		IsBinary bool   `yaml:"is_binary"`
	}
	if err := node.Decode(&full); err != nil {
		return err
	}
	a.Name = full.Name
	a.IsBinary = full.IsBinary
	return nil
}

// MarshalYAML emits the mapping form.
func (a Attribute) MarshalYAML() (any, error) {
	return struct {
		Name     string `yaml:"name"`
		IsBinary bool   `yaml:"is_binary"`
	}{a.Name, a.IsBinary}, nil
}

// LDAPTLSConfig is the TLS configuration for the LDAP connection.
type LDAPTLSConfig struct {
	// ClientKey and ClientCertificate enable mTLS when both are set.
	ClientKey         string `yaml:"client_key"`
	ClientCertificate string `yaml:"client_certificate"`
	// ServerCertificate pins the server certificate; when unset the
	// host trust store is used.
	ServerCertificate string `yaml:"server_certificate"`
	// DangerDisableTLSVerify skips certificate verification. Test
	// environments only.
	DangerDisableTLSVerify bool `yaml:"danger_disable_tls_verify"`
	// DangerUseStartTLS upgrades a plaintext ldap:// connection to
	// TLS after connecting. Not permitted together with ldaps://.
	DangerUseStartTLS bool `yaml:"danger_use_start_tls"`
}

// CSVSourceConfig describes a CSV roster source.
type CSVSourceConfig struct {
	FilePath string `yaml:"file_path"`
}

// UKTSourceConfig describes the UKT deletion-list endpoint.
type UKTSourceConfig struct {
	EndpointURL  string `yaml:"endpoint_url"`
	OAuth2URL    string `yaml:"oauth2_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	GrantType    string `yaml:"grant_type"`
}

// Load reads the config file at path, applies environment overrides and
// validates the result. A missing file is not an error as long as the
// environment provides a complete configuration.
func Load(path string) (*Config, error) {
	raw := map[string]any{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Config may come entirely from the environment.
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	applyEnvOverrides(raw, os.Environ())

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and fills defaults.
func (c *Config) Validate() error {
	if c.Zitadel.URL == "" {
		return fmt.Errorf("zitadel.url is required")
	}
	if !strings.HasPrefix(c.Zitadel.URL, "http://") && !strings.HasPrefix(c.Zitadel.URL, "https://") {
		return fmt.Errorf("zitadel.url must be an http or https URL, got %q", c.Zitadel.URL)
	}
	if c.Zitadel.KeyFile == "" {
		return fmt.Errorf("zitadel.key_file is required")
	}
	if _, err := os.Stat(c.Zitadel.KeyFile); err != nil {
		return fmt.Errorf("zitadel.key_file: %w", err)
	}
	if c.Zitadel.RequestTimeout == 0 {
		c.Zitadel.RequestTimeout = 30
	}

	for _, flag := range c.FeatureFlags {
		if !knownFlags[flag] {
			return fmt.Errorf("unknown feature flag %q", flag)
		}
	}

	count := 0
	if c.Sources.LDAP != nil {
		count++
	}
	if c.Sources.CSV != nil {
		count++
	}
	if c.Sources.UKT != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("exactly one source must be configured, got %d", count)
	}

	if ldap := c.Sources.LDAP; ldap != nil {
		if err := ldap.validate(); err != nil {
			return err
		}
	}
	if ukt := c.Sources.UKT; ukt != nil {
		if ukt.GrantType != "" && ukt.GrantType != "client_credentials" {
			return fmt.Errorf("sources.ukt.grant_type: only client_credentials is supported, got %q", ukt.GrantType)
		}
	}
	if csv := c.Sources.CSV; csv != nil && csv.FilePath == "" {
		return fmt.Errorf("sources.csv.file_path is required")
	}

	return nil
}

func (l *LDAPSourceConfig) validate() error {
	switch {
	case strings.HasPrefix(l.URL, "ldap://"):
	case strings.HasPrefix(l.URL, "ldaps://"):
		if l.TLS != nil && l.TLS.DangerUseStartTLS {
			return fmt.Errorf("sources.ldap: danger_use_start_tls cannot be combined with an ldaps:// URL")
		}
	default:
		return fmt.Errorf("sources.ldap.url must use the ldap or ldaps scheme, got %q", l.URL)
	}

	if l.Timeout <= 0 {
		l.Timeout = 5
	}

	if tls := l.TLS; tls != nil {
		if (tls.ClientKey == "") != (tls.ClientCertificate == "") {
			return fmt.Errorf("sources.ldap.tls: client_key and client_certificate must both be set for mTLS")
		}
	}

	attrs := map[string]Attribute{
		"first_name":         l.Attributes.FirstName,
		"last_name":          l.Attributes.LastName,
		"preferred_username": l.Attributes.PreferredUsername,
		"email":              l.Attributes.Email,
		"user_id":            l.Attributes.UserID,
		"status":             l.Attributes.Status,
	}
	for _, name := range []string{"first_name", "last_name", "preferred_username", "email", "user_id", "status"} {
		if attrs[name].Name == "" {
			return fmt.Errorf("sources.ldap.attributes.%s is required", name)
		}
	}

	return nil
}
