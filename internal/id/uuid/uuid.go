// Package uuid generates ids for run events.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time. When the
// time-ordered source fails it falls back to a random UUIDv4.
type Generator struct {
	v7 func() (uuid.UUID, error)
}

// New creates a Generator.
func New() *Generator {
	return &Generator{v7: uuid.NewV7}
}

// NewID implements harvest.IDGenerator.
func (g *Generator) NewID() (string, error) {
	if id, err := g.v7(); err == nil {
		return id.String(), nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}
