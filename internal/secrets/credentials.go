package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spigell/job-autopilot/internal/domain"
)

// Site is the configured login for one company's application site.
type Site struct {
	Username string `mapstructure:"username"`
	// Password is an inline password. Prefer PasswordFile or the keyring.
	Password     string `mapstructure:"password" json:"-"`
	PasswordFile string `mapstructure:"password-file"`
	// KeyringAccount overrides the default keyring account.
	KeyringAccount string `mapstructure:"keyring-account"`
}

// Account returns the keyring account the password is stored under.
func (s Site) Account(companyID string) string {
	if a := strings.TrimSpace(s.KeyringAccount); a != "" {
		return a
	}
	return SiteAccount(companyID, s.Username)
}

// Credentials resolves per-company logins. Companies without an entry need
// no login. Resolved passwords are kept in memory for the process lifetime.
type Credentials struct {
	sites map[string]Site

	mu       sync.Mutex
	resolved map[string]*domain.Credentials
}

func NewCredentials(sites map[string]Site) *Credentials {
	return &Credentials{sites: sites, resolved: make(map[string]*domain.Credentials)}
}

func (c *Credentials) Credentials(_ context.Context, companyID string) (*domain.Credentials, error) {
	site, ok := c.sites[companyID]
	if !ok {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if creds, ok := c.resolved[companyID]; ok {
		return creds, nil
	}

	if strings.TrimSpace(site.Username) == "" {
		return nil, fmt.Errorf("username for %s is not configured", companyID)
	}

	password, err := Load(Source{
		Name:    "password for " + companyID,
		Value:   site.Password,
		File:    site.PasswordFile,
		Keyring: site.Account(companyID),
	})
	if err != nil {
		return nil, err
	}

	creds := &domain.Credentials{Username: strings.TrimSpace(site.Username), Password: password}
	c.resolved[companyID] = creds
	return creds, nil
}
