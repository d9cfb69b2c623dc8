package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports required settings that are missing or invalid.
// It is fatal and raised before anything is scheduled.
type ConfigurationError struct {
	Path     string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	where := "configuration"
	if e.Path != "" {
		where = fmt.Sprintf("configuration %s", e.Path)
	}
	return fmt.Sprintf("%s: %s", where, strings.Join(e.Problems, "; "))
}
