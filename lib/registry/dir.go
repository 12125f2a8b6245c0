// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/dispatch/lib/schema"
)

// fileExtension is the suffix of definition files in a Dir.
const fileExtension = ".jsonc"

// document is the on-disk shape of one definition. Durations are Go
// duration strings ("10s", "1m30s") so files stay readable.
type document struct {
	Name           string   `json:"name"`
	Module         string   `json:"module"`
	Endpoint       string   `json:"endpoint"`
	RequiredScopes []string `json:"required_scopes"`
	Cooldown       string   `json:"cooldown"`
	Timeout        string   `json:"timeout"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled"`
}

// Dir reads definitions from <root>/<name>.jsonc. Files are read on
// every Fetch; the cache in front of the registry absorbs the cost.
type Dir struct {
	root string
}

// NewDir returns a Dir registry rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Parse strips JSONC comments and trailing commas from data and
// decodes a definition. fallbackName is used when the document has no
// name field.
func Parse(data []byte, fallbackName string) (schema.CommandDefinition, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return schema.CommandDefinition{}, fmt.Errorf("parsing command definition: %w", err)
	}

	definition := schema.CommandDefinition{
		Name:           doc.Name,
		Module:         doc.Module,
		Endpoint:       doc.Endpoint,
		RequiredScopes: doc.RequiredScopes,
		Enabled:        doc.Enabled == nil || *doc.Enabled,
	}
	if definition.Name == "" {
		definition.Name = fallbackName
	}
	definition.Name = strings.ToLower(definition.Name)

	var err error
	if definition.Cooldown, err = parseDuration("cooldown", doc.Cooldown); err != nil {
		return schema.CommandDefinition{}, err
	}
	if definition.Timeout, err = parseDuration("timeout", doc.Timeout); err != nil {
		return schema.CommandDefinition{}, err
	}
	if err := definition.Validate(); err != nil {
		return schema.CommandDefinition{}, err
	}
	return definition, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return duration, nil
}

// NameFromPath derives a command name from a definition file path:
// "deploy/commands/shoutout.jsonc" is "shoutout".
func NameFromPath(path string) string {
	return strings.ToLower(strings.TrimSuffix(filepath.Base(path), fileExtension))
}

// ReadFile reads and parses one definition file.
func ReadFile(path string) (schema.CommandDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.CommandDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	definition, err := Parse(data, NameFromPath(path))
	if err != nil {
		return schema.CommandDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return definition, nil
}

func (d *Dir) Fetch(_ context.Context, name string) (schema.CommandDefinition, error) {
	name = strings.ToLower(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return schema.CommandDefinition{}, ErrNotFound
	}
	definition, err := ReadFile(filepath.Join(d.root, name+fileExtension))
	if errors.Is(err, fs.ErrNotExist) {
		return schema.CommandDefinition{}, ErrNotFound
	}
	if err != nil {
		return schema.CommandDefinition{}, fmt.Errorf("registry: %w", err)
	}
	if definition.Name != name {
		return schema.CommandDefinition{}, fmt.Errorf("registry: %s%s declares name %q", name, fileExtension, definition.Name)
	}
	return definition, nil
}

// List parses every definition file. A malformed file fails the whole
// listing so misconfiguration surfaces at load time.
func (d *Dir) List(context.Context) ([]schema.CommandDefinition, error) {
	paths, err := filepath.Glob(filepath.Join(d.root, "*"+fileExtension))
	if err != nil {
		return nil, fmt.Errorf("registry: listing %s: %w", d.root, err)
	}
	var errs []error
	definitions := make([]schema.CommandDefinition, 0, len(paths))
	for _, path := range paths {
		definition, err := ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		definitions = append(definitions, definition)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: %w", errors.Join(errs...))
	}
	sortByName(definitions)
	return definitions, nil
}
