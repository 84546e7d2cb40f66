package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its current value.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		out = append(out, KeyInfo{Key: s.key, EnvVar: s.env, Value: formatValue(s.extract(cfg))})
	}
	return out
}

func formatValue(v any) string {
	switch v := v.(type) {
	case time.Duration:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// SetKey validates value against the key's type and writes it to the
// platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret != "" {
		return fmt.Errorf("cannot set secret %q via config; use 'rah config set-secret %s' or environment variable %s", key, key, s.env)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	if i, ok := v.(int); ok {
		return b.SetInt(key, i)
	}
	return b.SetString(key, formatValue(v))
}

// SetSecret stores value for a secret key in the platform secret store.
func SetSecret(key, value string) error {
	return setSecret(keychainSet, key, value)
}

func setSecret(store func(service, account, value string) error, key, value string) error {
	s, ok := lookup(key)
	if !ok || s.secret == "" {
		return fmt.Errorf("%q is not a secret key; valid secrets: %s", key, strings.Join(SecretKeys(), ", "))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}
	return store(secretService, s.secret, value)
}

// ValidKeys returns the non-secret config key names.
func ValidKeys() []string {
	return keyNames(false)
}

// SecretKeys returns the config keys held in the secret store.
func SecretKeys() []string {
	return keyNames(true)
}

func keyNames(secret bool) []string {
	var keys []string
	for _, s := range specs {
		if (s.secret != "") == secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
