package render

import (
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/pipeline"
)

// meshletsPerTask is the number of meshlets each mesh-shading workgroup
// consumes. Dispatch sizes round up so a partial final workgroup still
// launches.
const meshletsPerTask = 32

// Mesh is the GPU-resident geometry a draw references. The meshlet and
// vertex buffers are owned by the asset system; the renderer only reads
// them from shaders.
type Mesh struct {
	Name string

	MeshletCount int

	MeshletBuffer backend.Buffer
	VertexBuffer  backend.Buffer
}

// Material overrides the pass pipeline for a single draw: a different
// shader set, different fixed-function state, or both
type Material struct {
	Shaders pipeline.ShaderSet
	State   pipeline.FixedState
}

// DrawItem is one mesh instance submitted to a pass
type DrawItem struct {
	Mesh *Mesh

	// Material, when set, replaces the pass's shader set and fixed state
	// for this draw. The target formats still come from the pass.
	Material *Material

	// PushConstants is the per-draw payload pushed before the dispatch,
	// typically the object transform and material index
	PushConstants []byte

	// Visible draws record a dispatch; culled draws are skipped without
	// disturbing barriers or pass ordering
	Visible bool

	// Uploaded marks meshes whose buffers were written by a transfer this
	// frame and need a barrier before mesh shading reads them
	Uploaded bool
}

// taskGroupCount returns the workgroup count for a meshlet count, rounding
// up to cover a partial final group
func taskGroupCount(meshletCount int) int {
	return (meshletCount + meshletsPerTask - 1) / meshletsPerTask
}
