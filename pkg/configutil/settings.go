package configutil

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a provider settings map into out. Keys match
// regardless of case, underscores and hyphens, and strings such as "2s" decode
// into time.Duration fields.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeValidated rejects settings that fail schema before decoding, so a
// misspelled key stops the process at startup.
func DecodeValidated(input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(input, schema); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

// RequireString reports path as missing when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return &SettingsError{Missing: []string{path}}
}

// Value dereferences an optional setting, using fallback when it was unset.
func Value[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

// Millis converts a millisecond setting, using fallback when ms <= 0.
func Millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func normalizeKey(key string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
}
