// Package flowgraph loads chatbot flow definitions from the document store
// and validates their graph invariants before any node is dispatched.
package flowgraph

import (
	"fmt"

	"github.com/chatwire/chatwire/internal/models"
)

// Validate checks the structural invariants of a chatbot graph: exactly one
// entry node, every kind known, every next-node and button reference
// resolvable, and button ids unique within a node. Cycles are allowed.
func Validate(bot *models.Chatbot) error {
	var firstCount int
	for id, n := range bot.Nodes {
		if n.IsFirst {
			firstCount++
		}
		if !models.IsValidNodeKind(n.Kind) {
			return fmt.Errorf("node %s: kind %q: %w", id, n.Kind, models.ErrUnknownNodeKind)
		}
		if n.NextNodeID != "" {
			if _, ok := bot.Nodes[n.NextNodeID]; !ok {
				return fmt.Errorf("node %s: next %q: %w", id, n.NextNodeID, models.ErrDanglingNextNode)
			}
		}
		seen := make(map[string]bool, len(n.Buttons))
		for _, b := range n.Buttons {
			if seen[b.ID] {
				return fmt.Errorf("node %s: button %q: %w", id, b.ID, models.ErrDuplicateButtonID)
			}
			seen[b.ID] = true
			if b.NextNodeID != "" {
				if _, ok := bot.Nodes[b.NextNodeID]; !ok {
					return fmt.Errorf("node %s: button %q next %q: %w", id, b.ID, b.NextNodeID, models.ErrDanglingNextNode)
				}
			}
		}
	}
	switch {
	case firstCount == 0:
		return fmt.Errorf("chatbot %s: %w", bot.ID, models.ErrNoFirstNode)
	case firstCount > 1:
		return fmt.Errorf("chatbot %s: %w", bot.ID, models.ErrMultipleFirst)
	}
	return nil
}
