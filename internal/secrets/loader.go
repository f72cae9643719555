package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source describes how to load a secret value.
type Source struct {
	// Name is used in error messages to give more context about the secret.
	Name string
	// Value is an inline secret value provided via configuration or flags.
	Value string
	// File points to a file containing the secret value. When set it takes
	// precedence over Keyring and Value.
	File string
	// Keyring is an account in the OS keyring. It takes precedence over Value.
	Keyring string
}

// Load returns the resolved secret value from the provided source, trying
// File, then Keyring, then Value. The returned secret is always trimmed. An
// error is returned when none of them contain a usable secret.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
		return "", fmt.Errorf("%s file %q is empty", name, file)
	}

	if account := strings.TrimSpace(src.Keyring); account != "" {
		secret, err := Get(account)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("reading %s from keyring: %w", name, err)
		}
		if strings.TrimSpace(src.Value) == "" {
			return "", fmt.Errorf("%s is not in the keyring under %q", name, account)
		}
	}

	secret := strings.TrimSpace(src.Value)
	if secret == "" {
		return "", fmt.Errorf("%s is not configured", name)
	}

	return secret, nil
}
