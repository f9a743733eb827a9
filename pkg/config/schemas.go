package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for manifest validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.RegisterSchema("stack", builtinStackSchema)
	sr.RegisterSchema("resource", builtinResourceSchema)
	return sr
}

// RegisterSchema registers a CUE schema with the given name. When the
// schema source declares a single definition, that definition becomes the
// validation target, so data unifies against the closed constraint rather
// than the enclosing file scope.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to inspect schema %s: %w", name, err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			val = iter.Value()
			break
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateStack validates a stack manifest against the stack schema.
func (sr *SchemaRegistry) ValidateStack(ctx context.Context, manifest *StackManifest) error {
	return sr.ValidateAgainstSchema(ctx, "stack", manifest)
}

// ValidateResource validates one resource manifest against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceManifest) error {
	return sr.ValidateAgainstSchema(ctx, "resource", resource)
}

// Built-in schema definitions

const builtinStackSchema = `
// Stack schema for a declared resource set
#Stack: {
	// Name identifies the stack
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Resources is the declared resource set
	resources: [...{...}] & [_, ...]
}
`

const builtinResourceSchema = `
// Resource schema for one declared resource
#Resource: {
	// ID is the stack-unique identifier
	id: string & =~"^[a-zA-Z0-9_.-]+$"

	// Kind is the resource kind
	kind: "function" | "api_gateway" | "route" | "method" | "integration" |
		"method_response" | "integration_response" | "deployment" | "stage" |
		"table" | "bucket" | "bucket_policy" | "role" | "policy" |
		"policy_attachment" | "permission"

	// Attributes are string key/value fields
	attributes?: {[string]: string}

	// DependsOn lists upstream resource ids
	depends_on?: [...string & !=""]

	// Triggers is the curated trigger set, deployments only
	triggers?: [...string & !=""]
	if kind != "deployment" {
		triggers?: []
	}

	// Source is a function code directory
	source?: string
	if kind != "function" {
		source?: ""
	}

	// Environment holds function environment variables
	environment?: {[string]: string}

	// CORS expands preflight handling on a route
	cors?: {
		allow_origin?:  string
		allow_methods?: string
		allow_headers?: string
	}
}
`
