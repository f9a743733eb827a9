package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stratusops/stratus/pkg/engine"
)

// Loader reads stack manifests and projects them into the engine's
// resource model. Loading is where declaration meets content: function
// source directories are hashed, environment variables are folded into
// attributes, and CORS policies expand into their preflight resources.
type Loader struct {
	validate *validator.Validate
	schemas  *SchemaRegistry
	logger   zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		validate: validator.New(),
		schemas:  NewSchemaRegistry(),
		logger:   logger.With().Str("component", "loader").Logger(),
	}
}

// LoadFile reads and parses a stack manifest. Relative source paths
// resolve against the manifest's directory.
func (l *Loader) LoadFile(ctx context.Context, path string) (*engine.Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return l.Parse(ctx, data, filepath.Dir(path))
}

// Parse parses manifest bytes into an engine stack.
func (l *Loader) Parse(ctx context.Context, data []byte, baseDir string) (*engine.Stack, error) {
	var manifest StackManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := l.validate.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := l.schemas.ValidateStack(ctx, &manifest); err != nil {
		return nil, fmt.Errorf("stack %s: %w", manifest.Name, err)
	}

	stack := &engine.Stack{Name: manifest.Name}
	for _, res := range manifest.Resources {
		if err := l.schemas.ValidateResource(ctx, res); err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.ID, err)
		}
		node, err := l.buildNode(res, baseDir)
		if err != nil {
			return nil, err
		}
		stack.Nodes = append(stack.Nodes, *node)

		if res.CORS != nil {
			if engine.Kind(res.Kind) != engine.KindRoute {
				return nil, fmt.Errorf("resource %s: cors is only valid on routes", res.ID)
			}
			stack.Nodes = append(stack.Nodes, expandCORS(res.ID, res.CORS.withDefaults())...)
		}
	}

	l.logger.Debug().
		Str("stack", stack.Name).
		Int("declared", len(manifest.Resources)).
		Int("resources", len(stack.Nodes)).
		Msg("manifest loaded")

	return stack, nil
}

func (l *Loader) buildNode(res ResourceManifest, baseDir string) (*engine.ResourceNode, error) {
	kind := engine.Kind(res.Kind)
	if err := kind.Validate(); err != nil {
		return nil, fmt.Errorf("resource %s: %w", res.ID, err)
	}
	if len(res.Triggers) > 0 && !kind.IsAggregate() {
		return nil, fmt.Errorf("resource %s: triggers are only valid on aggregate kinds", res.ID)
	}
	if res.Source != "" && kind != engine.KindFunction {
		return nil, fmt.Errorf("resource %s: source is only valid on functions", res.ID)
	}
	if len(res.Environment) > 0 && kind != engine.KindFunction {
		return nil, fmt.Errorf("resource %s: environment is only valid on functions", res.ID)
	}

	attrs := make(engine.Attributes, 0, len(res.Attributes)+len(res.Environment)+1)
	for key, value := range res.Attributes {
		attrs = append(attrs, engine.Attribute{Key: key, Value: value})
	}
	for key, value := range res.Environment {
		attrs = append(attrs, engine.Attribute{Key: "env." + key, Value: value})
	}

	if res.Source != "" {
		dir := res.Source
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		hash, err := hashSourceDir(dir)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.ID, err)
		}
		attrs = append(attrs, engine.Attribute{Key: "source_hash", Value: hash})
	}

	return &engine.ResourceNode{
		ID:         res.ID,
		Kind:       kind,
		Attributes: attrs.Canonical(),
		DependsOn:  res.DependsOn,
		Triggers:   res.Triggers,
	}, nil
}

// hashSourceDir digests a code directory into a stable content hash.
// Files are walked in sorted order and each contributes its relative path
// and content, so renames and edits both move the hash.
func hashSourceDir(dir string) (string, error) {
	h := sha256.New()

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk source directory: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})

		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to read source file: %w", err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
