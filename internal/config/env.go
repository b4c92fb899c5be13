package config

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every override variable.
const envPrefix = "FAMEDLY_SYNC__"

// envListSep splits list values inside a single variable.
const envListSep = " "

// listKeys are the config paths whose env values are parsed as
// space-separated lists. An empty list is expressed by omitting the
// variable entirely.
var listKeys = map[string]bool{
	"feature_flags": true,
	"sources.ldap.attributes.disable_bitmasks": true,
}

// applyEnvOverrides merges FAMEDLY_SYNC__SECTION__KEY variables into the
// raw config map. The variable name is the uppercased YAML path joined
// with double underscores; the value is parsed as a YAML scalar so that
// numbers and booleans keep their types. Variables are applied in
// sorted order so the result is deterministic.
func applyEnvOverrides(raw map[string]any, environ []string) {
	var names []string
	values := map[string]string{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		names = append(names, name)
		values[name] = value
	}
	sort.Strings(names)

	for _, name := range names {
		path := strings.Split(strings.TrimPrefix(name, envPrefix), "__")
		for i, segment := range path {
			path[i] = strings.ToLower(segment)
		}
		setPath(raw, path, values[name])
	}
}

// setPath descends into the map, creating intermediate maps as needed,
// and sets the leaf to the parsed value.
func setPath(raw map[string]any, path []string, value string) {
	if len(path) == 0 {
		return
	}

	for _, segment := range path[:len(path)-1] {
		child, ok := raw[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			raw[segment] = child
		}
		raw = child
	}

	leaf := path[len(path)-1]
	if listKeys[strings.Join(path, ".")] {
		var parsed []any
		for _, item := range strings.Split(value, envListSep) {
			if item == "" {
				continue
			}
			parsed = append(parsed, parseScalar(item))
		}
		raw[leaf] = parsed
		return
	}
	raw[leaf] = parseScalar(value)
}

// parseScalar interprets an env value as a YAML scalar, so "5" becomes
// an int, "true" a bool, and "0x2" an int in hex notation.
func parseScalar(value string) any {
	var out any
	if err := yaml.Unmarshal([]byte(value), &out); err != nil {
		return value
	}
	// A nested structure in an env var is almost certainly a mistake;
	// keep the raw string in that case.
	switch out.(type) {
	case map[string]any, []any:
		return value
	}
	return out
}
