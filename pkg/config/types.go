package config

// StackManifest is the on-disk declaration of a stack: a named set of
// resource declarations, loaded from YAML.
type StackManifest struct {
	// Name identifies the stack; state is scoped by it.
	Name string `yaml:"name" json:"name" validate:"required,min=1,max=64"`

	// Resources lists every declared resource.
	Resources []ResourceManifest `yaml:"resources" json:"resources" validate:"required,min=1,dive"`
}

// ResourceManifest is one declared resource.
type ResourceManifest struct {
	// ID is the stack-unique resource identifier.
	ID string `yaml:"id" json:"id" validate:"required,min=1,max=128"`

	// Kind is the resource kind.
	Kind string `yaml:"kind" json:"kind" validate:"required"`

	// Attributes are the declared key/value fields.
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	// DependsOn lists resource ids that must be applied first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Triggers is the curated trigger set of an aggregate resource: the
	// upstream ids whose changes force its redeployment. Only valid on
	// aggregate kinds.
	Triggers []string `yaml:"triggers,omitempty" json:"triggers,omitempty"`

	// Source points a function at its code directory. The directory
	// content is hashed into the source_hash attribute at load time, so
	// a code change moves the function's fingerprint.
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// Environment holds function environment variables, folded into
	// env.* attributes.
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// CORS, set on a route, expands into the OPTIONS preflight method
	// and mock integration for that route.
	CORS *CORSPolicy `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// CORSPolicy configures the preflight response headers for a route.
type CORSPolicy struct {
	AllowOrigin  string `yaml:"allow_origin,omitempty" json:"allow_origin,omitempty"`
	AllowMethods string `yaml:"allow_methods,omitempty" json:"allow_methods,omitempty"`
	AllowHeaders string `yaml:"allow_headers,omitempty" json:"allow_headers,omitempty"`
}

// CORS preflight defaults, applied when a policy leaves a field empty.
const (
	defaultAllowOrigin  = "*"
	defaultAllowMethods = "GET,OPTIONS"
	defaultAllowHeaders = "Content-Type"
)

func (c *CORSPolicy) withDefaults() CORSPolicy {
	out := *c
	if out.AllowOrigin == "" {
		out.AllowOrigin = defaultAllowOrigin
	}
	if out.AllowMethods == "" {
		out.AllowMethods = defaultAllowMethods
	}
	if out.AllowHeaders == "" {
		out.AllowHeaders = defaultAllowHeaders
	}
	return out
}
