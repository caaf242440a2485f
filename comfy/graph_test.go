package comfy

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParsePromptGraph(t *testing.T) {
	graph, err := ParsePromptGraph(testGraph)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(graph))
	assert.Equal(t, "KSampler", graph["7"].ClassType)
	assert.Equal(t, float64(10), graph["7"].Inputs["steps"])
}

func TestParsePromptGraphMalformed(t *testing.T) {
	_, err := ParsePromptGraph(`{"7": [1,2,3]`)
	assert.NotEqual(t, nil, err)
}

func TestNodeTitle(t *testing.T) {
	graph, err := ParsePromptGraph(testGraph)
	assert.Equal(t, nil, err)

	assert.Equal(t, "KSampler", graph.NodeTitle("7"))
	// no _meta on this node
	assert.Equal(t, "Node 9", graph.NodeTitle("9"))
	// unknown node
	assert.Equal(t, "Node 42", graph.NodeTitle("42"))
}
