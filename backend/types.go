package backend

import (
	"github.com/vkngwrapper/core/v2/common"
)

// ShaderStageFlags indicate which pipeline stages a shader module or
// descriptor binding is visible to
type ShaderStageFlags int32

var shaderStageFlagsMapping = common.NewFlagStringMapping[ShaderStageFlags]()

func (f ShaderStageFlags) Register(str string) {
	shaderStageFlagsMapping.Register(f, str)
}
func (f ShaderStageFlags) String() string {
	return shaderStageFlagsMapping.FlagsToString(f)
}

const (
	// StageTask is the task (amplification) stage of the mesh-shading pipeline
	StageTask ShaderStageFlags = 1 << iota
	// StageMesh is the mesh stage of the mesh-shading pipeline
	StageMesh
	// StageVertex is the traditional vertex stage
	StageVertex
	// StageFragment is the fragment stage
	StageFragment
	// StageCompute is the compute stage
	StageCompute
)

func init() {
	StageTask.Register("StageTask")
	StageMesh.Register("StageMesh")
	StageVertex.Register("StageVertex")
	StageFragment.Register("StageFragment")
	StageCompute.Register("StageCompute")
}

// DescriptorKind identifies the resource kind a descriptor binding exposes
// to shaders. The set is closed: reflection fails rather than inventing a
// kind it does not know.
type DescriptorKind int32

const (
	DescriptorSampler DescriptorKind = iota
	DescriptorCombinedImageSampler
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorUniformTexelBuffer
	DescriptorStorageTexelBuffer
	DescriptorUniformBuffer
	DescriptorStorageBuffer
	DescriptorInputAttachment
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorSampler:
		return "Sampler"
	case DescriptorCombinedImageSampler:
		return "CombinedImageSampler"
	case DescriptorSampledImage:
		return "SampledImage"
	case DescriptorStorageImage:
		return "StorageImage"
	case DescriptorUniformTexelBuffer:
		return "UniformTexelBuffer"
	case DescriptorStorageTexelBuffer:
		return "StorageTexelBuffer"
	case DescriptorUniformBuffer:
		return "UniformBuffer"
	case DescriptorStorageBuffer:
		return "StorageBuffer"
	case DescriptorInputAttachment:
		return "InputAttachment"
	}
	return "UnknownDescriptorKind"
}

// Format is the closed set of attachment formats this core renders to
type Format int32

const (
	FormatUndefined Format = iota
	FormatB8G8R8A8SRGB
	FormatR8G8B8A8UNorm
	FormatR16G16B16A16Float
	FormatD32Float
	FormatD24UNormS8UInt
)

func (f Format) String() string {
	switch f {
	case FormatUndefined:
		return "Undefined"
	case FormatB8G8R8A8SRGB:
		return "B8G8R8A8SRGB"
	case FormatR8G8B8A8UNorm:
		return "R8G8B8A8UNorm"
	case FormatR16G16B16A16Float:
		return "R16G16B16A16Float"
	case FormatD32Float:
		return "D32Float"
	case FormatD24UNormS8UInt:
		return "D24UNormS8UInt"
	}
	return "UnknownFormat"
}

// IsDepth reports whether the format carries a depth aspect
func (f Format) IsDepth() bool {
	return f == FormatD32Float || f == FormatD24UNormS8UInt
}

// Topology is the primitive topology of a traditional (vertex) pipeline.
// Mesh pipelines emit their own primitives and ignore it.
type Topology int32

const (
	TopologyTriangleList Topology = iota
	TopologyTriangleStrip
	TopologyLineList
	TopologyPointList
)

func (t Topology) String() string {
	switch t {
	case TopologyTriangleList:
		return "TriangleList"
	case TopologyTriangleStrip:
		return "TriangleStrip"
	case TopologyLineList:
		return "LineList"
	case TopologyPointList:
		return "PointList"
	}
	return "UnknownTopology"
}

// CullMode selects the face-culling behavior of the rasterizer
type CullMode int32

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

func (c CullMode) String() string {
	switch c {
	case CullNone:
		return "None"
	case CullFront:
		return "Front"
	case CullBack:
		return "Back"
	}
	return "UnknownCullMode"
}

// BlendMode is the fixed set of color-blend configurations the core supports
type BlendMode int32

const (
	BlendOpaque BlendMode = iota
	BlendAlpha
	BlendAdditive
)

func (b BlendMode) String() string {
	switch b {
	case BlendOpaque:
		return "Opaque"
	case BlendAlpha:
		return "Alpha"
	case BlendAdditive:
		return "Additive"
	}
	return "UnknownBlendMode"
}

// CompareOp is the depth comparison operator
type CompareOp int32

const (
	CompareNever CompareOp = iota
	CompareLess
	CompareLessOrEqual
	CompareGreater
	CompareGreaterOrEqual
	CompareEqual
	CompareAlways
)

func (c CompareOp) String() string {
	switch c {
	case CompareNever:
		return "Never"
	case CompareLess:
		return "Less"
	case CompareLessOrEqual:
		return "LessOrEqual"
	case CompareGreater:
		return "Greater"
	case CompareGreaterOrEqual:
		return "GreaterOrEqual"
	case CompareEqual:
		return "Equal"
	case CompareAlways:
		return "Always"
	}
	return "UnknownCompareOp"
}

// ImageLayout is the layout an image must be in for a given access
type ImageLayout int32

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutColorAttachment:
		return "ColorAttachment"
	case LayoutDepthAttachment:
		return "DepthAttachment"
	case LayoutShaderReadOnly:
		return "ShaderReadOnly"
	case LayoutTransferSrc:
		return "TransferSrc"
	case LayoutTransferDst:
		return "TransferDst"
	case LayoutPresent:
		return "Present"
	}
	return "UnknownImageLayout"
}

// PipelineStageFlags identify synchronization scopes for barriers and
// submissions
type PipelineStageFlags int32

var pipelineStageFlagsMapping = common.NewFlagStringMapping[PipelineStageFlags]()

func (f PipelineStageFlags) Register(str string) {
	pipelineStageFlagsMapping.Register(f, str)
}
func (f PipelineStageFlags) String() string {
	return pipelineStageFlagsMapping.FlagsToString(f)
}

const (
	StageTopOfPipe PipelineStageFlags = 1 << iota
	StageTaskShading
	StageMeshShading
	StageFragmentShading
	StageColorAttachmentOutput
	StageComputeShading
	StageTransfer
	StageBottomOfPipe
)

func init() {
	StageTopOfPipe.Register("StageTopOfPipe")
	StageTaskShading.Register("StageTaskShading")
	StageMeshShading.Register("StageMeshShading")
	StageFragmentShading.Register("StageFragmentShading")
	StageColorAttachmentOutput.Register("StageColorAttachmentOutput")
	StageComputeShading.Register("StageComputeShading")
	StageTransfer.Register("StageTransfer")
	StageBottomOfPipe.Register("StageBottomOfPipe")
}

// AccessFlags identify the memory accesses a barrier makes available or
// visible
type AccessFlags int32

var accessFlagsMapping = common.NewFlagStringMapping[AccessFlags]()

func (f AccessFlags) Register(str string) {
	accessFlagsMapping.Register(f, str)
}
func (f AccessFlags) String() string {
	return accessFlagsMapping.FlagsToString(f)
}

const (
	AccessShaderRead AccessFlags = 1 << iota
	AccessShaderWrite
	AccessColorAttachmentWrite
	AccessDepthAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
)

func init() {
	AccessShaderRead.Register("AccessShaderRead")
	AccessShaderWrite.Register("AccessShaderWrite")
	AccessColorAttachmentWrite.Register("AccessColorAttachmentWrite")
	AccessDepthAttachmentWrite.Register("AccessDepthAttachmentWrite")
	AccessTransferRead.Register("AccessTransferRead")
	AccessTransferWrite.Register("AccessTransferWrite")
}

// LoadOp selects what happens to an attachment's contents when a pass begins
type LoadOp int32

const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

// StoreOp selects what happens to an attachment's contents when a pass ends
type StoreOp int32

const (
	StoreOpStore StoreOp = iota
	StoreOpDontCare
)
