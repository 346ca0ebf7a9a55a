// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 identifiers with an optional prefix.
type Generator struct {
	prefix string
}

// New creates a Generator. A non-empty prefix is joined to each ID with a dash.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a prefixed UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}

// MustID returns a new ID, falling back to a random v4 when v7 generation fails.
func (g Generator) MustID() string {
	id, err := g.NewID()
	if err == nil {
		return id
	}
	if g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + "-" + uuid.NewString()
}
