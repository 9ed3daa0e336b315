// Package config loads and validates integration descriptors for the
// rendition service. Descriptors come in two shapes: a JWT service-account
// integration or an OAuth server-to-server integration.
//
// The loader takes an explicit file path on every call and keeps no
// process-wide state, so multiple configurations can be loaded
// concurrently without interference.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypeOAuthServerToServer marks the OAuth server-to-server shape.
const TypeOAuthServerToServer = "oauthservertoserver"

// TechnicalAccount holds the service-account credentials of a JWT
// integration.
type TechnicalAccount struct {
	ID           string `yaml:"id" json:"id"`
	Org          string `yaml:"org" json:"org"`
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`
	PrivateKey   string `yaml:"privateKey" json:"privateKey"`
}

// Integration is a parsed integration descriptor. Exactly one of the two
// shapes must be populated; Validate reports which fields are missing.
type Integration struct {
	// JWT service-account shape.
	Metascopes       []string          `yaml:"metascopes" json:"metascopes"`
	TechnicalAccount *TechnicalAccount `yaml:"technicalAccount" json:"technicalAccount"`

	// OAuth server-to-server shape.
	Type                  string   `yaml:"TYPE" json:"TYPE"`
	OrgID                 string   `yaml:"ORG_ID" json:"ORG_ID"`
	ClientID              string   `yaml:"CLIENT_ID" json:"CLIENT_ID"`
	ClientSecrets         []string `yaml:"CLIENT_SECRETS" json:"CLIENT_SECRETS"`
	Scopes                []string `yaml:"SCOPES" json:"SCOPES"`
	TechnicalAccountID    string   `yaml:"TECHNICAL_ACCOUNT_ID" json:"TECHNICAL_ACCOUNT_ID"`
	TechnicalAccountEmail string   `yaml:"TECHNICAL_ACCOUNT_EMAIL" json:"TECHNICAL_ACCOUNT_EMAIL"`
}

// IsOAuthServerToServer reports whether the descriptor uses the OAuth
// server-to-server shape.
func (i *Integration) IsOAuthServerToServer() bool {
	return strings.EqualFold(i.Type, TypeOAuthServerToServer)
}

// Validate checks that the descriptor fully matches one of the two shapes.
func (i *Integration) Validate() error {
	if i.IsOAuthServerToServer() {
		var missing []string
		if i.OrgID == "" {
			missing = append(missing, "ORG_ID")
		}
		if i.ClientID == "" {
			missing = append(missing, "CLIENT_ID")
		}
		if len(i.ClientSecrets) == 0 {
			missing = append(missing, "CLIENT_SECRETS")
		}
		if len(i.Scopes) == 0 {
			missing = append(missing, "SCOPES")
		}
		if i.TechnicalAccountID == "" {
			missing = append(missing, "TECHNICAL_ACCOUNT_ID")
		}
		if i.TechnicalAccountEmail == "" {
			missing = append(missing, "TECHNICAL_ACCOUNT_EMAIL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("oauth server-to-server integration missing fields: %s", strings.Join(missing, ", "))
		}
		return nil
	}

	if i.Type != "" {
		return fmt.Errorf("unknown integration TYPE %q", i.Type)
	}

	if len(i.Metascopes) == 0 {
		return fmt.Errorf("service account integration requires metascopes")
	}
	if i.TechnicalAccount == nil {
		return fmt.Errorf("service account integration requires technicalAccount")
	}

	ta := i.TechnicalAccount
	var missing []string
	if ta.ID == "" {
		missing = append(missing, "technicalAccount.id")
	}
	if ta.Org == "" {
		missing = append(missing, "technicalAccount.org")
	}
	if ta.ClientID == "" {
		missing = append(missing, "technicalAccount.clientId")
	}
	if ta.ClientSecret == "" {
		missing = append(missing, "technicalAccount.clientSecret")
	}
	if ta.PrivateKey == "" {
		missing = append(missing, "technicalAccount.privateKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("service account integration missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadIntegration reads and validates a descriptor file. YAML and JSON
// files both parse, JSON being a YAML subset.
func LoadIntegration(path string) (*Integration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integration file: %w", err)
	}
	return ParseIntegration(raw)
}

// ParseIntegration parses and validates descriptor bytes.
func ParseIntegration(raw []byte) (*Integration, error) {
	var integration Integration
	if err := yaml.Unmarshal(raw, &integration); err != nil {
		return nil, fmt.Errorf("parse integration: %w", err)
	}
	if err := integration.Validate(); err != nil {
		return nil, err
	}
	return &integration, nil
}
