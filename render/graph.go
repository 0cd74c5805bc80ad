package render

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/pipeline"
)

// PassKind selects how a pass's work is generated
type PassKind int32

const (
	// PassMesh records one mesh-shading dispatch per visible draw item
	PassMesh PassKind = iota
	// PassFullscreen records a single dispatch that covers the render area,
	// for composition and post-processing
	PassFullscreen
)

func (k PassKind) String() string {
	switch k {
	case PassMesh:
		return "Mesh"
	case PassFullscreen:
		return "Fullscreen"
	}
	return "UnknownPassKind"
}

// Pass is one node of a frame graph. Passes name the targets they write
// and read; execution order and barriers come entirely from those
// declarations.
type Pass struct {
	Name string
	Kind PassKind

	// Color names the color targets the pass renders to
	Color []string
	// Depth optionally names the depth target
	Depth string
	// Reads names targets produced by other passes and sampled by this one
	Reads []string

	// Pipeline carries the shaders and fixed state; the attachment formats
	// are filled in from the pass's targets at execution
	Pipeline pipeline.Key

	// ClearColor, when non-nil, clears the color targets at pass start
	// instead of loading them
	ClearColor *[4]float32
	// ClearDepth, when non-nil, clears the depth target at pass start
	ClearDepth *float32

	Draws []DrawItem
}

// Target is one named image the graph renders to
type Target struct {
	Name  string
	Image backend.Image

	// Present marks the target handed to the swapchain at frame end; it is
	// transitioned to the present layout after its last write
	Present bool
}

// Graph is the frame graph rebuilt (or reused) each frame: named targets
// plus passes reading and writing them. The zero value is not usable;
// create one with NewGraph.
type Graph struct {
	targets map[string]*Target
	// targetOrder keeps declaration order so recorded transitions are
	// deterministic
	targetOrder []string
	passes      []*Pass
}

func NewGraph() *Graph {
	return &Graph{
		targets: make(map[string]*Target),
	}
}

// AddTarget registers a named render target. Names must be unique.
func (g *Graph) AddTarget(target Target) error {
	if target.Name == "" {
		return cerrors.New("render targets must be named")
	}
	if target.Image == nil {
		return cerrors.Newf("render target %q has no image", target.Name)
	}
	if _, exists := g.targets[target.Name]; exists {
		return cerrors.Newf("render target %q is already registered", target.Name)
	}
	g.targets[target.Name] = &target
	g.targetOrder = append(g.targetOrder, target.Name)
	return nil
}

// AddPass appends a pass to the graph. Declaration order breaks ties when
// dependencies allow more than one execution order.
func (g *Graph) AddPass(pass Pass) error {
	if pass.Name == "" {
		return cerrors.New("passes must be named")
	}
	for _, name := range append(append([]string{}, pass.Color...), pass.Reads...) {
		if _, exists := g.targets[name]; !exists {
			return cerrors.Newf("pass %q references unknown target %q", pass.Name, name)
		}
	}
	if pass.Depth != "" {
		depth, exists := g.targets[pass.Depth]
		if !exists {
			return cerrors.Newf("pass %q references unknown target %q", pass.Name, pass.Depth)
		}
		if !depth.Image.Format().IsDepth() {
			return cerrors.Newf("pass %q uses %q as depth, but its format %s has no depth aspect",
				pass.Name, pass.Depth, depth.Image.Format())
		}
	}
	g.passes = append(g.passes, &pass)
	return nil
}

// Target returns a registered target by name
func (g *Graph) Target(name string) (*Target, bool) {
	target, ok := g.targets[name]
	return target, ok
}

// PassCount returns the number of declared passes
func (g *Graph) PassCount() int {
	return len(g.passes)
}

// recordableDraws counts the dispatches the pass would record if its
// pipeline were available
func (p *Pass) recordableDraws() int {
	if p.Kind == PassFullscreen {
		return 1
	}
	count := 0
	for _, draw := range p.Draws {
		if draw.Visible && draw.Mesh != nil && draw.Mesh.MeshletCount > 0 {
			count++
		}
	}
	return count
}

func (p *Pass) writes() []string {
	if p.Depth == "" {
		return p.Color
	}
	return append(append([]string{}, p.Color...), p.Depth)
}

// sortPasses orders the passes so every writer runs before its readers,
// with writers of a shared target keeping declaration order. Among the
// passes ready at each step, the earliest-declared runs first, so graphs
// without cross-pass dependencies execute exactly as declared.
func (g *Graph) sortPasses() ([]*Pass, error) {
	type edgeSet map[int]struct{}

	dependents := make([]edgeSet, len(g.passes))
	indegree := make([]int, len(g.passes))
	for i := range dependents {
		dependents[i] = make(edgeSet)
	}

	addEdge := func(from, to int) {
		if from == to {
			return
		}
		if _, exists := dependents[from][to]; !exists {
			dependents[from][to] = struct{}{}
			indegree[to]++
		}
	}

	writers := make(map[string][]int)
	for passIndex, pass := range g.passes {
		for _, name := range pass.writes() {
			writers[name] = append(writers[name], passIndex)
		}
	}

	for passIndex, pass := range g.passes {
		for _, name := range pass.Reads {
			for _, writer := range writers[name] {
				addEdge(writer, passIndex)
			}
		}
	}
	// Writers of a shared target stay in declaration order
	for _, passIndices := range writers {
		for i := 1; i < len(passIndices); i++ {
			addEdge(passIndices[i-1], passIndices[i])
		}
	}

	order := make([]*Pass, 0, len(g.passes))
	scheduled := make([]bool, len(g.passes))

	for len(order) < len(g.passes) {
		next := -1
		for passIndex := range g.passes {
			if !scheduled[passIndex] && indegree[passIndex] == 0 {
				next = passIndex
				break
			}
		}
		if next < 0 {
			remaining := make([]string, 0, len(g.passes)-len(order))
			for passIndex, pass := range g.passes {
				if !scheduled[passIndex] {
					remaining = append(remaining, pass.Name)
				}
			}
			return nil, cerrors.Wrapf(ErrPassCycle, "involving passes %v", remaining)
		}

		scheduled[next] = true
		order = append(order, g.passes[next])
		for dependent := range dependents[next] {
			indegree[dependent]--
		}
	}

	return order, nil
}
