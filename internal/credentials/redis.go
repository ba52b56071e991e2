package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = time.Second

// RedisStore reads tenant data the dashboard publishes to Redis:
//
//	gw:apikey:<sha256(key)>              JSON Project
//	gw:project:<org>:<project>:policy    JSON Policy
//	gw:org:<org>:credentials             JSON []Credential
//	gw:org:<org>:credits                 decimal balance
//
// API keys are stored hashed so a Redis dump does not leak them.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, timeout: defaultRedisTimeout}
}

func apiKeyKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return "gw:apikey:" + hex.EncodeToString(h[:])
}

func policyKey(org, project string) string {
	return fmt.Sprintf("gw:project:%s:%s:policy", org, project)
}

func credentialsKey(org string) string { return "gw:org:" + org + ":credentials" }

func creditsKey(org string) string { return "gw:org:" + org + ":credits" }

func (s *RedisStore) Authenticate(ctx context.Context, apiKey string) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, apiKeyKey(apiKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Project{}, ErrUnknownAPIKey
	}
	if err != nil {
		return Project{}, fmt.Errorf("credentials: GET api key: %w", err)
	}

	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return Project{}, fmt.Errorf("credentials: decode api key record: %w", err)
	}
	return p, nil
}

func (s *RedisStore) Lookup(ctx context.Context, org, project string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.client.MGet(ctx, policyKey(org, project), credentialsKey(org), creditsKey(org)).Result()
	if err != nil {
		return nil, fmt.Errorf("credentials: MGET account: %w", err)
	}

	policy, ok := vals[0].(string)
	if !ok {
		return nil, ErrProjectNotFound
	}

	acc := &Account{Project: Project{OrganizationID: org, ProjectID: project}}
	if err := json.Unmarshal([]byte(policy), &acc.Policy); err != nil {
		return nil, fmt.Errorf("credentials: decode policy: %w", err)
	}
	if creds, ok := vals[1].(string); ok {
		if err := json.Unmarshal([]byte(creds), &acc.Credentials); err != nil {
			return nil, fmt.Errorf("credentials: decode credentials: %w", err)
		}
	}
	if credits, ok := vals[2].(string); ok {
		acc.Credits, err = strconv.ParseFloat(credits, 64)
		if err != nil {
			return nil, fmt.Errorf("credentials: parse credits %q: %w", credits, err)
		}
	}
	return acc, nil
}

// Put writes a complete account and registers apiKey for it. The dashboard
// normally owns these writes; Put exists for provisioning scripts and tests.
func (s *RedisStore) Put(ctx context.Context, apiKey string, acc *Account) error {
	project, err := json.Marshal(acc.Project)
	if err != nil {
		return err
	}
	policy, err := json.Marshal(acc.Policy)
	if err != nil {
		return err
	}
	creds, err := json.Marshal(acc.Credentials)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, apiKeyKey(apiKey), project, 0)
		p.Set(ctx, policyKey(acc.OrganizationID, acc.ProjectID), policy, 0)
		p.Set(ctx, credentialsKey(acc.OrganizationID), creds, 0)
		p.Set(ctx, creditsKey(acc.OrganizationID), strconv.FormatFloat(acc.Credits, 'f', -1, 64), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("credentials: put account: %w", err)
	}
	return nil
}
