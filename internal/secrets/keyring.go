package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService groups the application's secrets in the OS keychain.
const KeyringService = "job-autopilot"

// ErrNotFound is returned when the keyring has no secret for an account.
var ErrNotFound = keyring.ErrNotFound

func Get(account string) (string, error) {
	if strings.TrimSpace(account) == "" {
		return "", errors.New("keyring account name is empty")
	}
	secret, err := keyring.Get(KeyringService, account)
	if err != nil {
		return "", err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func Set(account, secret string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(secret) == "" {
		return errors.New("secret is empty")
	}
	return keyring.Set(KeyringService, account, secret)
}

func Delete(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	return keyring.Delete(KeyringService, account)
}

// SiteAccount is the default keyring account for a company login.
func SiteAccount(companyID, username string) string {
	return fmt.Sprintf("job-autopilot:site:%s@%s", username, companyID)
}
