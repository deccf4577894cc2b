// Package id generates row ids for the relational tables.
//
// Ids are assigned before insert so every SQL dialect behaves the same,
// including those without LastInsertId.
package id

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator produces time-ordered unique int64 ids.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for a node id in [0, 1023].
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("id: node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// Next returns a new id.
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
