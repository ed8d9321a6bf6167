package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces fields tagged `redact:"true"` in RedactConfig's
// output.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every non-empty string
// field tagged `redact:"true"` (e.g. CoordinationConfig.Password)
// replaced by RedactedValue, safe to serve from an admin/debug endpoint
// or write to logs.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal: %w", err)
	}
	walkStructStrings(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return &cp, nil
}
