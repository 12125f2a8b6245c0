// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the durable source of command definitions.
//
// The router reads definitions through the cache, so a registry only
// needs to answer Fetch correctly; it may be slow. Three backends
// exist:
//
//   - [Dir]: one JSONC file per command in a directory, the format
//     operators edit by hand and check into deployment repos
//   - [SQLite]: a commands table, for deployments where an admin
//     service writes definitions at runtime
//   - [Static]: an in-memory map, for tests and embedded use
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/dispatch/lib/schema"
)

// ErrNotFound means no definition exists under the name.
var ErrNotFound = errors.New("registry: command not found")

// Registry returns command definitions by name. Names are compared
// lowercase.
type Registry interface {
	Fetch(ctx context.Context, name string) (schema.CommandDefinition, error)
	List(ctx context.Context) ([]schema.CommandDefinition, error)
}

// Static is a Registry over a fixed set of definitions. It is safe
// for concurrent use; Put replaces an entry.
type Static struct {
	mu          sync.RWMutex
	definitions map[string]schema.CommandDefinition
}

// NewStatic returns a Static registry holding definitions.
func NewStatic(definitions ...schema.CommandDefinition) *Static {
	static := &Static{definitions: make(map[string]schema.CommandDefinition, len(definitions))}
	for _, definition := range definitions {
		static.Put(definition)
	}
	return static
}

// Put adds or replaces a definition.
func (s *Static) Put(definition schema.CommandDefinition) {
	s.mu.Lock()
	s.definitions[strings.ToLower(definition.Name)] = definition
	s.mu.Unlock()
}

func (s *Static) Fetch(_ context.Context, name string) (schema.CommandDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	definition, ok := s.definitions[strings.ToLower(name)]
	if !ok {
		return schema.CommandDefinition{}, ErrNotFound
	}
	return definition, nil
}

func (s *Static) List(context.Context) ([]schema.CommandDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]schema.CommandDefinition, 0, len(s.definitions))
	for _, definition := range s.definitions {
		result = append(result, definition)
	}
	sortByName(result)
	return result, nil
}

func sortByName(definitions []schema.CommandDefinition) {
	slices.SortFunc(definitions, func(a, b schema.CommandDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
}
