//go:build !darwin

package config

import "fmt"

// secrets.json maps service -> account -> value.
type secretsFile map[string]map[string]string

func keychainGet(service, account string) ([]byte, error) {
	var secrets secretsFile
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not found", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets := secretsFile{}
	if err := readJSONFile(p, &secrets); err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value
	return writeJSONFile(p, secrets)
}
