// Package resolver turns the model string of a chat request into exactly one
// route: a provider, that provider's model id and the credential to call it
// with.
//
// Accepted forms, checked in order:
//
//	auto                 cheapest active model the caller can pay for
//	custom[/<model>]     the organization's own endpoint, no catalog pricing
//	<provider>/<model>   pinned provider
//	<model>              catalog model, first declared provider with a key
//
// A raw upstream model id without a provider prefix is rejected so routing
// is never ambiguous. Resolution is stateless: the same inputs always give
// the same route.
package resolver

import (
	"strings"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const (
	AutoModel   = "auto"
	CustomModel = providers.CustomProviderID
)

// Route is the single outcome of resolution. It is never modified after
// Resolve returns.
type Route struct {
	ProviderID      string
	ProviderModelID string
	Credential      credentials.Credential
	RequestedModel  string
	// Model is the logical catalog name; empty for custom routes.
	Model string
	// Mapping carries pricing; nil for custom routes.
	Mapping  *catalog.ProviderMapping
	UsedMode credentials.Mode
}

// UsedModel is the provider-qualified model actually called.
func (r *Route) UsedModel() string {
	return r.ProviderID + "/" + r.ProviderModelID
}

// Resolver is safe for concurrent use; it holds only immutable state.
type Resolver struct {
	catalog  *catalog.Catalog
	operator map[string]credentials.Credential
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOperatorKeys sets the gateway operator's own provider keys, used in
// credits and hybrid modes.
func WithOperatorKeys(keys map[string]credentials.Credential) Option {
	return func(r *Resolver) { r.operator = keys }
}

// WithClock overrides time.Now for deprecation checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(c *catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{catalog: c, operator: map[string]credentials.Credential{}, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// needs are the capabilities a request demands of a mapping.
type needs struct {
	json   bool
	stream bool
	images bool
}

func needsOf(req *providers.ChatRequest) needs {
	return needs{json: req.WantsJSONObject(), stream: req.Stream, images: req.HasImages()}
}

// Resolve picks the route for req on behalf of acc.
func (r *Resolver) Resolve(req *providers.ChatRequest, acc *credentials.Account) (*Route, error) {
	model := strings.TrimSpace(req.Model)
	n := needsOf(req)

	switch {
	case model == AutoModel:
		return r.resolveAuto(model, n, acc)
	case model == CustomModel:
		return r.resolveCustom(model, CustomModel, acc)
	}

	if provider, name, ok := strings.Cut(model, "/"); ok {
		if provider == CustomModel {
			return r.resolveCustom(model, name, acc)
		}
		if r.catalog.HasProvider(provider) {
			return r.resolvePinned(model, provider, name, n, acc)
		}
	}

	return r.resolveBare(model, n, acc)
}

func (r *Resolver) resolveAuto(requested string, n needs, acc *credentials.Account) (*Route, error) {
	now := r.now()

	type candidate struct {
		def catalog.ModelDefinition
		m   catalog.ProviderMapping
		avg float64
	}
	var (
		cheapest  *candidate
		best      *candidate
		bestCred  credentials.Credential
		bestMode  credentials.Mode
		creditsNG bool
	)

	for _, def := range r.catalog.Models() {
		if def.Deprecated(now) || def.Deactivated(now) {
			continue
		}
		if n.json && !def.JSONOutput {
			continue
		}
		for _, m := range def.Providers {
			if checkMapping(def.Name, m, n) != nil {
				continue
			}
			avg, ok := m.AveragePrice()
			if !ok {
				continue
			}
			c := &candidate{def: def, m: m, avg: avg}
			if cheapest == nil || avg < cheapest.avg {
				cheapest = c
			}

			cred, mode, err := r.credentialFor(acc, m.ProviderID)
			if err != nil {
				if err.Kind == InsufficientCredits {
					creditsNG = true
				}
				continue
			}
			if best == nil || avg < best.avg {
				best, bestCred, bestMode = c, cred, mode
			}
		}
	}

	if best != nil {
		m := best.m
		return &Route{
			ProviderID:      m.ProviderID,
			ProviderModelID: m.ProviderModelID,
			Credential:      bestCred,
			RequestedModel:  requested,
			Model:           best.def.Name,
			Mapping:         &m,
			UsedMode:        bestMode,
		}, nil
	}
	if cheapest == nil {
		return nil, &Error{Kind: ModelNotSupported, Message: "No model available for auto routing with the requested features"}
	}
	if creditsNG {
		return nil, errNoCredits()
	}
	return nil, errKeyMissing(cheapest.m.ProviderID)
}

func (r *Resolver) resolveCustom(requested, upstreamModel string, acc *credentials.Account) (*Route, error) {
	if upstreamModel == "" {
		return nil, errModelNotSupported(requested)
	}
	for _, c := range acc.Credentials {
		if c.ProviderID == CustomModel && c.Status == credentials.StatusActive && c.BaseURL != "" {
			return &Route{
				ProviderID:      CustomModel,
				ProviderModelID: upstreamModel,
				Credential:      c,
				RequestedModel:  requested,
				UsedMode:        credentials.ModeAPIKeys,
			}, nil
		}
	}
	return nil, errKeyMissing(CustomModel)
}

func (r *Resolver) resolvePinned(requested, provider, name string, n needs, acc *credentials.Account) (*Route, error) {
	def, m, ok := r.catalog.LookupProviderModel(provider, name)
	if !ok || def.Deactivated(r.now()) {
		return nil, errProviderMismatch(provider, name)
	}
	if err := checkModel(def, n); err != nil {
		return nil, err
	}
	if err := checkMapping(def.Name, m, n); err != nil {
		return nil, err
	}

	cred, mode, err := r.credentialFor(acc, provider)
	if err != nil {
		return nil, err
	}
	return &Route{
		ProviderID:      provider,
		ProviderModelID: m.ProviderModelID,
		Credential:      cred,
		RequestedModel:  requested,
		Model:           def.Name,
		Mapping:         &m,
		UsedMode:        mode,
	}, nil
}

func (r *Resolver) resolveBare(name string, n needs, acc *credentials.Account) (*Route, error) {
	def, ok := r.catalog.Lookup(name)
	if !ok && r.catalog.IsUpstreamID(name) {
		// Raw upstream ids must carry a provider prefix.
		return nil, errUnqualifiedUpstream(name)
	}
	if !ok || def.Deactivated(r.now()) {
		return nil, errModelNotSupported(name)
	}
	if err := checkModel(def, n); err != nil {
		return nil, err
	}

	var creditsErr *Error
	for _, m := range def.Providers {
		cred, mode, err := r.credentialFor(acc, m.ProviderID)
		if err != nil {
			if err.Kind == InsufficientCredits && creditsErr == nil {
				creditsErr = err
			}
			continue
		}
		if err := checkMapping(def.Name, m, n); err != nil {
			return nil, err
		}
		return &Route{
			ProviderID:      m.ProviderID,
			ProviderModelID: m.ProviderModelID,
			Credential:      cred,
			RequestedModel:  name,
			Model:           def.Name,
			Mapping:         &m,
			UsedMode:        mode,
		}, nil
	}

	if creditsErr != nil {
		return nil, creditsErr
	}
	return nil, errKeyMissing(def.Providers[0].ProviderID)
}

// credentialFor applies the project's mode to pick whose key pays.
func (r *Resolver) credentialFor(acc *credentials.Account, providerID string) (credentials.Credential, credentials.Mode, *Error) {
	switch acc.Policy.Mode {
	case credentials.ModeCredits:
		op, ok := r.operator[providerID]
		if !ok {
			return credentials.Credential{}, "", errKeyMissing(providerID)
		}
		if acc.Credits <= 0 {
			return credentials.Credential{}, "", errNoCredits()
		}
		return op, credentials.ModeCredits, nil

	case credentials.ModeHybrid:
		if c, ok := acc.ActiveCredential(providerID); ok {
			return c, credentials.ModeAPIKeys, nil
		}
		if op, ok := r.operator[providerID]; ok && acc.Credits > 0 {
			return op, credentials.ModeCredits, nil
		}
		return credentials.Credential{}, "", errKeyMissing(providerID)

	default:
		if c, ok := acc.ActiveCredential(providerID); ok {
			return c, credentials.ModeAPIKeys, nil
		}
		return credentials.Credential{}, "", errKeyMissing(providerID)
	}
}

func checkModel(def catalog.ModelDefinition, n needs) *Error {
	if n.json && !def.JSONOutput {
		return errUnsupported("Model %s does not support JSON output mode", def.Name)
	}
	return nil
}

func checkMapping(name string, m catalog.ProviderMapping, n needs) *Error {
	if n.stream && !m.StreamingSupported {
		return errUnsupported("Model %s does not support streaming", name)
	}
	if n.images && !m.VisionSupported {
		return errUnsupported("Model %s does not support image inputs", name)
	}
	return nil
}
