package pipeline

import (
	"fmt"

	"github.com/vkngwrapper/mantle/backend"
)

// ShaderID names a shader binary registered in the Library. IDs are
// usually asset paths, but the cache only ever compares them.
type ShaderID string

// ShaderSet names the shader stages a pipeline is built from. Task is
// optional; Mesh and Fragment are required for mesh pipelines.
type ShaderSet struct {
	Task     ShaderID
	Mesh     ShaderID
	Fragment ShaderID
}

// FixedState is the fixed-function state baked into a pipeline
type FixedState struct {
	Topology     backend.Topology
	DepthTest    bool
	DepthWrite   bool
	DepthCompare backend.CompareOp
	Cull         backend.CullMode
	Blend        backend.BlendMode
}

// Key identifies one pipeline in the cache: the shader set, the target
// formats it renders to, and its fixed-function state. Keys are value
// types; structurally equal keys always resolve to the same cached
// pipeline.
type Key struct {
	Shaders     ShaderSet
	ColorFormat backend.Format
	DepthFormat backend.Format
	State       FixedState
}

// stageShaders returns the (stage, shader) pairs the key names, in
// pipeline order, skipping the optional task stage when absent
func (k Key) stageShaders() []stageShader {
	stages := make([]stageShader, 0, 3)
	if k.Shaders.Task != "" {
		stages = append(stages, stageShader{backend.StageTask, k.Shaders.Task})
	}
	stages = append(stages,
		stageShader{backend.StageMesh, k.Shaders.Mesh},
		stageShader{backend.StageFragment, k.Shaders.Fragment},
	)
	return stages
}

type stageShader struct {
	stage  backend.ShaderStageFlags
	shader ShaderID
}

// flightKey is the single-flight group key; the %#v rendering is stable
// for a comparable struct
func (k Key) flightKey() string {
	return fmt.Sprintf("%#v", k)
}
