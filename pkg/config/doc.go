// Package config loads declared stacks from YAML manifests and projects
// them into the engine's resource model.
//
// A manifest names the stack and lists its resources. Validation runs in
// two layers: struct tags catch missing or malformed fields, and CUE
// schemas constrain kinds, identifiers and the shape of each declaration.
//
// Loading also resolves content into declaration. A function's source
// directory is hashed into its source_hash attribute, environment
// variables become env.* attributes, and a route's cors policy expands
// into the OPTIONS method, mock integration and response resources that
// serve the preflight.
package config
