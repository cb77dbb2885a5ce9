// Package config handles YAML config file loading for shutter commands.
package config

import (
	"os"
	"regexp"
)

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references from the
// process environment. A default applies when VAR is unset or empty; an
// unset VAR without one expands to "". Missing broker credentials surface
// at connect time, not here.
func ExpandEnv(input string) string {
	return expandWith(input, os.LookupEnv)
}

func expandWith(input string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}
