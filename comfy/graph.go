package comfy

import (
	"encoding/json"
	"fmt"
)

// PromptGraph is the node-based payload describing the pipeline to
// execute, keyed by node id. `Inputs` is opaque to the client; the
// server interprets it according to `ClassType`.
type PromptGraph map[string]*PromptNode

type PromptNode struct {
	Inputs    map[string]any `json:"inputs"`
	ClassType string         `json:"class_type"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
	IsChanged []bool         `json:"is_changed,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

func ParsePromptGraph(promptText string) (PromptGraph, error) {
	var graph PromptGraph
	if err := json.Unmarshal([]byte(promptText), &graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// NodeTitle returns the human-readable label for a node, falling back
// to "Node <id>" when the graph carries no `_meta.title` for it.
func (self PromptGraph) NodeTitle(nodeId string) string {
	if node, ok := self[nodeId]; ok && node != nil && node.Meta != nil && node.Meta.Title != "" {
		return node.Meta.Title
	}
	return fmt.Sprintf("Node %s", nodeId)
}
