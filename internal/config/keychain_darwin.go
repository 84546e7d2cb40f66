//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// security drives the login keychain through security(1).
func security(args ...string) ([]byte, error) {
	out, err := exec.Command("security", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("security %s: %w", args[0], err)
	}
	return out, nil
}

func keychainGet(service, account string) ([]byte, error) {
	return security("find-generic-password", "-s", service, "-a", account, "-w")
}

func keychainSet(service, account, value string) error {
	// -U updates an existing item in place.
	_, err := security("add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	return err
}
