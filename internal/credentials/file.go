package credentials

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore serves tenants from a YAML document, for single-instance
// deployments without a dashboard:
//
//	projects:
//	  - apiKey: gw-local
//	    organizationId: org-1
//	    projectId: proj-1
//	    policy: {mode: api-keys, cachingEnabled: true, cacheDurationSeconds: 300}
//	organizations:
//	  - id: org-1
//	    credits: 5
//	    credentials:
//	      - {providerId: openai, secret: sk-..., status: active}
type FileStore struct {
	keys     map[string]Project
	accounts map[Project]*Account
}

type fileDoc struct {
	Projects []struct {
		APIKey         string `yaml:"apiKey"`
		OrganizationID string `yaml:"organizationId"`
		ProjectID      string `yaml:"projectId"`
		Policy         Policy `yaml:"policy"`
	} `yaml:"projects"`
	Organizations []struct {
		ID          string       `yaml:"id"`
		Credits     float64      `yaml:"credits"`
		Credentials []Credential `yaml:"credentials"`
	} `yaml:"organizations"`
}

// LoadFile reads and validates a YAML credentials file.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML credentials document.
func ParseFile(data []byte) (*FileStore, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("credentials: decode: %w", err)
	}

	type orgData struct {
		credits float64
		creds   []Credential
	}
	orgs := make(map[string]orgData, len(doc.Organizations))
	for _, o := range doc.Organizations {
		creds := make([]Credential, len(o.Credentials))
		for i, c := range o.Credentials {
			c.OrganizationID = o.ID
			if c.Status == "" {
				c.Status = StatusActive
			}
			creds[i] = c
		}
		orgs[o.ID] = orgData{credits: o.Credits, creds: creds}
	}

	s := &FileStore{
		keys:     make(map[string]Project, len(doc.Projects)),
		accounts: make(map[Project]*Account, len(doc.Projects)),
	}
	for _, p := range doc.Projects {
		if p.APIKey == "" || p.OrganizationID == "" || p.ProjectID == "" {
			return nil, fmt.Errorf("credentials: project entries need apiKey, organizationId and projectId")
		}
		if p.Policy.Mode == "" {
			p.Policy.Mode = ModeAPIKeys
		}
		if !p.Policy.Mode.Valid() {
			return nil, fmt.Errorf("credentials: project %s: invalid mode %q", p.ProjectID, p.Policy.Mode)
		}
		if _, dup := s.keys[p.APIKey]; dup {
			return nil, fmt.Errorf("credentials: duplicate apiKey for project %s", p.ProjectID)
		}

		proj := Project{OrganizationID: p.OrganizationID, ProjectID: p.ProjectID}
		org := orgs[p.OrganizationID]
		s.keys[p.APIKey] = proj
		s.accounts[proj] = &Account{
			Project:     proj,
			Policy:      p.Policy,
			Credentials: org.creds,
			Credits:     org.credits,
		}
	}
	return s, nil
}

func (s *FileStore) Authenticate(_ context.Context, apiKey string) (Project, error) {
	p, ok := s.keys[apiKey]
	if !ok {
		return Project{}, ErrUnknownAPIKey
	}
	return p, nil
}

func (s *FileStore) Lookup(_ context.Context, org, project string) (*Account, error) {
	acc, ok := s.accounts[Project{OrganizationID: org, ProjectID: project}]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *acc
	cp.Credentials = append([]Credential(nil), acc.Credentials...)
	return &cp, nil
}
