// Package credentials is the gateway's read-only view of tenants: which
// project a gateway API key belongs to, the project's routing policy, the
// organization's provider keys and its remaining credit balance.
//
// The dashboard owns and writes this data; the gateway only reads it.
package credentials

import (
	"context"
	"errors"
)

// Mode selects whose provider keys pay for a request.
type Mode string

const (
	ModeAPIKeys Mode = "api-keys"
	ModeCredits Mode = "credits"
	ModeHybrid  Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAPIKeys, ModeCredits, ModeHybrid:
		return true
	}
	return false
}

// Status is a provider key's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Credential is an organization's key for one provider.
type Credential struct {
	OrganizationID string `json:"organizationId" yaml:"organizationId"`
	ProviderID     string `json:"providerId" yaml:"providerId"`
	Secret         string `json:"secret" yaml:"secret"`
	BaseURL        string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Status         Status `json:"status" yaml:"status"`
}

// Policy is a project's routing and caching configuration.
type Policy struct {
	Mode                 Mode `json:"mode" yaml:"mode"`
	CachingEnabled       bool `json:"cachingEnabled" yaml:"cachingEnabled"`
	CacheDurationSeconds int  `json:"cacheDurationSeconds" yaml:"cacheDurationSeconds"`
}

// Project identifies the tenant behind a gateway API key.
type Project struct {
	OrganizationID string `json:"organizationId" yaml:"organizationId"`
	ProjectID      string `json:"projectId" yaml:"projectId"`
}

// Account is everything the resolver needs about one project.
type Account struct {
	Project
	Policy      Policy
	Credentials []Credential
	// Credits is the organization's remaining balance in USD.
	Credits float64
}

// ActiveCredential returns the first active key for providerID.
func (a *Account) ActiveCredential(providerID string) (Credential, bool) {
	for _, c := range a.Credentials {
		if c.ProviderID == providerID && c.Status == StatusActive && c.Secret != "" {
			return c, true
		}
	}
	return Credential{}, false
}

var (
	// ErrUnknownAPIKey means the bearer token maps to no project.
	ErrUnknownAPIKey = errors.New("credentials: unknown api key")
	// ErrProjectNotFound means the project has no stored policy.
	ErrProjectNotFound = errors.New("credentials: project not found")
)

// Store is the lookup contract the gateway consumes.
type Store interface {
	// Authenticate maps a gateway API key to its project.
	Authenticate(ctx context.Context, apiKey string) (Project, error)
	// Lookup loads the policy, credentials and balance for a project.
	Lookup(ctx context.Context, organizationID, projectID string) (*Account, error)
}
