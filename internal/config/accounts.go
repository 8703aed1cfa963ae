package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Account holds the device-management API credentials of one tenant.
type Account struct {
	APIEndpoint string `yaml:"apiEndpoint"`
	APIKey      string `yaml:"apiKey"`
	APIKeyFile  string `yaml:"apiKeyFile,omitempty"`
}

// Accounts maps tenant name to credentials.
type Accounts map[string]Account

type accountsFile struct {
	Accounts Accounts `yaml:"accounts"`
}

// LoadAccounts reads tenant credentials from a YAML file of the form
//
//	accounts:
//	  acme:
//	    apiEndpoint: https://api.nrfcloud.com
//	    apiKeyFile: /run/secrets/acme-api-key
func LoadAccounts(path string) (Accounts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

// ParseAccounts decodes and validates an accounts document.
func ParseAccounts(data []byte) (Accounts, error) {
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	for name, acc := range f.Accounts {
		if acc.APIKey == "" && acc.APIKeyFile != "" {
			acc.APIKey = GetSecretFile(acc.APIKeyFile)
		}
		if acc.APIKey == "" {
			return nil, fmt.Errorf("account %s: apiKey is required", name)
		}
		u, err := url.Parse(acc.APIEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("account %s: apiEndpoint must be an absolute URL", name)
		}
		f.Accounts[name] = acc
	}
	return f.Accounts, nil
}

// Names returns the configured account names in sorted order.
func (a Accounts) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
