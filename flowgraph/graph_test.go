package flowgraph

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// newCanvas builds a canvas with the given blocks and "src->dst" edges.
// Connection ids are k1, k2, ... in edge order.
func newCanvas(blocks []string, edges ...string) *canvas.Canvas {
	c := canvas.New("c", "test", canvas.DefaultConfig())
	for _, id := range blocks {
		c.Blocks[id] = &canvas.Block{ID: id, Type: "t"}
		c.BlockOrder = append(c.BlockOrder, id)
	}
	for i, e := range edges {
		src, dst, _ := strings.Cut(e, "->")
		id := fmt.Sprintf("k%d", i+1)
		c.Connections[id] = &canvas.Connection{
			ID: id, SourceBlockID: src, SourcePort: "out",
			TargetBlockID: dst, TargetPort: "in", Weight: 1, Active: true,
		}
		c.ConnectionOrder = append(c.ConnectionOrder, id)
	}
	c.Reindex()
	return c
}

func TestDetectCycles_Acyclic(t *testing.T) {
	c := newCanvas([]string{"a", "b", "c", "d"}, "a->b", "b->c", "a->c", "c->d")
	assert.Empty(t, DetectCycles(c))
}

func TestDetectCycles_TwoBlockCycle(t *testing.T) {
	c := newCanvas([]string{"a", "b"}, "a->b", "b->a")

	cycles := DetectCycles(c)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "a"}, cycles[0].Path)
	assert.Equal(t, []string{"k1", "k2"}, cycles[0].Connections)
	assert.True(t, cycles[0].Contains("b"))
	assert.Equal(t, "a -> b -> a", cycles[0].String())
}

func TestDetectCycles_ClosingConnectionIsReported(t *testing.T) {
	c := newCanvas([]string{"a", "b", "c", "d"}, "a->b", "b->c", "c->d", "d->b")

	cycles := DetectCycles(c)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"b", "c", "d", "b"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Connections, "k4")
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	c := newCanvas([]string{"a"}, "a->a")
	cycles := DetectCycles(c)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "a"}, cycles[0].Path)
}

func TestDetectCycles_IgnoresInactive(t *testing.T) {
	c := newCanvas([]string{"a", "b"}, "a->b", "b->a")
	c.Connections["k2"].Active = false
	c.Reindex()
	assert.Empty(t, DetectCycles(c))
}

func TestDetectCycles_Deterministic(t *testing.T) {
	c := newCanvas([]string{"x", "y", "z", "w"}, "x->y", "y->x", "z->w", "w->z", "y->z")
	first := DetectCycles(c)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, DetectCycles(c.Clone()))
	}
	require.Len(t, first, 2)
}

func TestTopologicalOrder_LexicalTieBreak(t *testing.T) {
	// Insertion order deliberately differs from lexical order.
	c := newCanvas([]string{"src", "c", "b", "a", "sink"}, "src->c", "src->a", "src->b", "a->sink", "b->sink", "c->sink")

	order, err := TopologicalOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "a", "b", "c", "sink"}, order)
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	c := newCanvas([]string{"a", "b", "c"}, "a->b", "b->a", "b->c")
	_, err := TopologicalOrder(c)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCyclicDependency))
}

func TestLevels(t *testing.T) {
	c := newCanvas([]string{"feed2", "feed1", "avg", "gen"}, "feed1->avg", "feed2->avg", "avg->gen")
	levels, err := Levels(c)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"feed1", "feed2"}, {"avg"}, {"gen"}}, levels)
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(newCanvas(nil)))
	assert.Equal(t, 1, Depth(newCanvas([]string{"a", "b"})))
	assert.Equal(t, 4, Depth(newCanvas([]string{"a", "b", "c", "d"}, "a->b", "b->c", "c->d", "a->d")))
	assert.Equal(t, 2, Depth(newCanvas([]string{"a", "b"}, "a->b", "b->a")))
}

func TestAnalyze(t *testing.T) {
	c := newCanvas([]string{"a", "b", "lonely", "c", "d"}, "a->b", "d->c")
	conn := Analyze(c)
	assert.Equal(t, [][]string{{"a", "b"}, {"lonely"}, {"c", "d"}}, conn.Components)
	assert.Equal(t, []string{"lonely"}, conn.Disconnected)
}

func TestUpstream(t *testing.T) {
	c := newCanvas([]string{"a", "b", "c"}, "a->c", "b->c")
	up := Upstream(c)
	require.Len(t, up["c"], 2)
	assert.Equal(t, "a", up["c"][0].SourceBlockID)
	assert.Empty(t, up["a"])
}
