package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratusops/stratus/pkg/engine"
)

// Resource is a provisioned resource held by the in-memory provider.
type Resource struct {
	// ExternalID is the provider-assigned identifier.
	ExternalID string

	// Kind is the resource kind.
	Kind engine.Kind

	// Attributes is the applied attribute set.
	Attributes engine.Attributes

	// CreatedAt is when the resource was created.
	CreatedAt time.Time

	// UpdatedAt is when the resource was last updated.
	UpdatedAt time.Time
}

// Operation records a single provider call for inspection.
type Operation struct {
	// Op is "create", "update", or "destroy".
	Op string

	// Kind is set for create operations.
	Kind engine.Kind

	// ExternalID identifies the resource the call touched.
	ExternalID string

	// At is when the call completed.
	At time.Time
}

// Config contains in-memory provider configuration.
type Config struct {
	// Latency is an artificial delay applied to every call.
	Latency time.Duration

	// FailureRules injects errors keyed by the resource "name"
	// attribute for create/update and by external ID for destroy.
	// Each matching call consumes one error from the slice.
	FailureRules map[string][]error
}

// Provider is an engine.Provider backed by process memory. It is used
// for development, demos, and rehearsing plans without touching real
// infrastructure.
type Provider struct {
	mu        sync.Mutex
	resources map[string]*Resource
	ops       []Operation
	cfg       Config
	logger    zerolog.Logger
}

// NewProvider creates an empty in-memory provider.
func NewProvider(cfg Config, logger zerolog.Logger) *Provider {
	return &Provider{
		resources: make(map[string]*Resource),
		cfg:       cfg,
		logger:    logger.With().Str("component", "memory-provider").Logger(),
	}
}

// Create provisions a new resource and returns its external ID.
func (p *Provider) Create(ctx context.Context, kind engine.Kind, attrs engine.Attributes) (string, engine.Attributes, error) {
	name, _ := attrs.Get("name")
	if err := p.simulate(ctx, name); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	externalID := fmt.Sprintf("mem-%s-%s", kind, uuid.New().String()[:8])
	now := time.Now().UTC()

	applied := withComputedAttrs(kind, attrs, externalID)
	p.resources[externalID] = &Resource{
		ExternalID: externalID,
		Kind:       kind,
		Attributes: applied,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.record(Operation{Op: "create", Kind: kind, ExternalID: externalID, At: now})

	p.logger.Debug().
		Str("kind", string(kind)).
		Str("external_id", externalID).
		Msg("Created resource")

	return externalID, applied, nil
}

// Update replaces the attribute set of an existing resource.
func (p *Provider) Update(ctx context.Context, externalID string, attrs engine.Attributes) (engine.Attributes, error) {
	name, _ := attrs.Get("name")
	if err := p.simulate(ctx, name); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[externalID]
	if !ok {
		return nil, engine.NewPermanentError("update",
			fmt.Sprintf("resource %s not found", externalID), nil)
	}

	applied := withComputedAttrs(res.Kind, attrs, externalID)
	res.Attributes = applied
	res.UpdatedAt = time.Now().UTC()
	p.record(Operation{Op: "update", Kind: res.Kind, ExternalID: externalID, At: res.UpdatedAt})

	p.logger.Debug().
		Str("external_id", externalID).
		Msg("Updated resource")

	return applied, nil
}

// Destroy removes a resource. Destroying an unknown ID is not an
// error so that stale cleanups stay idempotent.
func (p *Provider) Destroy(ctx context.Context, externalID string) error {
	if err := p.simulate(ctx, externalID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kind := engine.Kind("")
	if res, ok := p.resources[externalID]; ok {
		kind = res.Kind
		delete(p.resources, externalID)
	}
	p.record(Operation{Op: "destroy", Kind: kind, ExternalID: externalID, At: time.Now().UTC()})

	p.logger.Debug().
		Str("external_id", externalID).
		Msg("Destroyed resource")

	return nil
}

// Resource returns a copy of the stored resource, if present.
func (p *Provider) Resource(externalID string) (*Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[externalID]
	if !ok {
		return nil, false
	}
	clone := *res
	clone.Attributes = res.Attributes.Canonical()
	return &clone, true
}

// Operations returns the recorded call timeline.
func (p *Provider) Operations() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Operation, len(p.ops))
	copy(out, p.ops)
	return out
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

func (p *Provider) record(op Operation) {
	p.ops = append(p.ops, op)
}

// simulate applies configured latency and injected failures.
func (p *Provider) simulate(ctx context.Context, key string) error {
	if p.cfg.Latency > 0 {
		select {
		case <-time.After(p.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if errs, ok := p.cfg.FailureRules[key]; ok && len(errs) > 0 {
		err := errs[0]
		p.cfg.FailureRules[key] = errs[1:]
		return err
	}
	return nil
}

// withComputedAttrs adds the provider-side attributes a real platform
// would assign, such as invocation endpoints and ARNs.
func withComputedAttrs(kind engine.Kind, attrs engine.Attributes, externalID string) engine.Attributes {
	applied := attrs.Canonical()
	switch kind {
	case engine.KindFunction:
		applied = append(applied, engine.Attribute{Key: "arn", Value: fmt.Sprintf("arn:mem:function:%s", externalID)})
	case engine.KindAPIGateway:
		applied = append(applied, engine.Attribute{Key: "root_resource_id", Value: fmt.Sprintf("%s-root", externalID)})
	case engine.KindStage:
		stage, _ := attrs.Get("stage_name")
		applied = append(applied, engine.Attribute{Key: "invoke_url", Value: fmt.Sprintf("https://%s.execute.mem/%s", externalID, stage)})
	case engine.KindTable:
		applied = append(applied, engine.Attribute{Key: "arn", Value: fmt.Sprintf("arn:mem:table:%s", externalID)})
	case engine.KindBucket:
		applied = append(applied, engine.Attribute{Key: "arn", Value: fmt.Sprintf("arn:mem:bucket:%s", externalID)})
	case engine.KindRole:
		applied = append(applied, engine.Attribute{Key: "arn", Value: fmt.Sprintf("arn:mem:role:%s", externalID)})
	}
	return applied.Canonical()
}
