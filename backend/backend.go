// Package backend declares the narrow device-context surface the renderer
// consumes. The host application owns instance/surface/swapchain creation
// and hands the renderer an implementation of these interfaces; the
// backendtest subpackage provides an in-process implementation with a
// simulated completion clock for tests.
package backend

import (
	"time"

	"github.com/pkg/errors"
)

// ErrWaitTimeout is returned from Fence.Wait when the timeout elapses before
// the device signals the fence
var ErrWaitTimeout error = errors.New("timed out waiting for the fence to signal")

// Device is the logical-device handle supplied to the renderer at
// construction. Object creation may be called from any goroutine.
type Device interface {
	// GraphicsQueue returns the queue the renderer submits graphics work to
	GraphicsQueue() Queue
	// Queues returns every submission queue the device exposes, graphics
	// queue first
	Queues() []Queue

	NewFence(signaled bool) (Fence, error)
	NewSemaphore() (Semaphore, error)
	NewCommandPool(queue Queue) (CommandPool, error)
	NewShaderModule(code []byte) (ShaderModule, error)
	NewPipelineLayout(info PipelineLayoutInfo) (PipelineLayout, error)
	NewMeshPipeline(info MeshPipelineInfo) (Pipeline, error)

	// WaitIdle blocks until the device has drained all submitted work
	WaitIdle() error
}

// Queue is a single device submission queue
type Queue interface {
	// FamilyIndex identifies the queue family, used to create command pools
	// compatible with this queue
	FamilyIndex() int
	// Submit enqueues recorded command buffers. The fence, if non-nil, is
	// signaled when the device finishes consuming the submission.
	Submit(info SubmitInfo, fence Fence) error
}

// SubmitInfo describes one queue submission
type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	// WaitSemaphores must signal before the submission begins executing
	WaitSemaphores []Semaphore
	// SignalSemaphores signal when the submission completes
	SignalSemaphores []Semaphore
}

// Fence is a device-to-host completion signal
type Fence interface {
	// Wait blocks until the fence signals or the timeout elapses. A timeout
	// returns an error matching ErrWaitTimeout via errors.Is.
	Wait(timeout time.Duration) error
	Reset() error
	Destroy()
}

// Semaphore is a device-to-device ordering primitive attached to
// submissions
type Semaphore interface {
	Destroy()
}

// CommandPool owns the storage command buffers record into. Resetting the
// pool recycles every buffer allocated from it at once.
type CommandPool interface {
	AllocateCommandBuffer() (CommandBuffer, error)
	Reset() error
	Destroy()
}

// CommandBuffer records device work. Recording is not goroutine-safe; one
// goroutine records into one buffer at a time.
type CommandBuffer interface {
	Begin() error
	End() error

	CmdPipelineBarrier(imageBarriers []ImageBarrier, bufferBarriers []BufferBarrier)
	CmdBeginRendering(info RenderingInfo)
	CmdEndRendering()
	CmdBindPipeline(pipeline Pipeline)
	CmdPushConstants(stages ShaderStageFlags, offset int, data []byte)
	// CmdDrawMeshTasks launches a mesh-shading dispatch of the given
	// workgroup counts
	CmdDrawMeshTasks(groupCountX, groupCountY, groupCountZ int)
}

// ShaderModule is a compiled shader binary uploaded to the device
type ShaderModule interface {
	Destroy()
}

// PipelineLayout is the device object describing descriptor sets and push
// constants a pipeline uses
type PipelineLayout interface {
	Destroy()
}

// Pipeline is a compiled pipeline state object
type Pipeline interface {
	Destroy()
}

// Image is an opaque device image handle. The renderer only transitions
// and renders to images; it never creates or destroys them.
type Image interface {
	Format() Format
}

// Buffer is an opaque device buffer handle referenced by mesh data
type Buffer interface {
	Size() int
}

// ImageBarrier transitions an image between layouts and makes prior writes
// visible to subsequent accesses
type ImageBarrier struct {
	Image     Image
	SrcStage  PipelineStageFlags
	DstStage  PipelineStageFlags
	SrcAccess AccessFlags
	DstAccess AccessFlags
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// BufferBarrier makes prior buffer writes visible to subsequent accesses
type BufferBarrier struct {
	Buffer    Buffer
	SrcStage  PipelineStageFlags
	DstStage  PipelineStageFlags
	SrcAccess AccessFlags
	DstAccess AccessFlags
}

// ColorAttachment describes one color target of a rendering scope
type ColorAttachment struct {
	Image   Image
	LoadOp  LoadOp
	StoreOp StoreOp
	// Clear is consumed when LoadOp is LoadOpClear
	Clear [4]float32
}

// DepthAttachment describes the depth target of a rendering scope
type DepthAttachment struct {
	Image      Image
	LoadOp     LoadOp
	StoreOp    StoreOp
	ClearDepth float32
}

// Extent2D is a render-area size in pixels
type Extent2D struct {
	Width  int
	Height int
}

// RenderingInfo describes one dynamic-rendering scope
type RenderingInfo struct {
	RenderArea       Extent2D
	ColorAttachments []ColorAttachment
	DepthAttachment  *DepthAttachment
}

// DescriptorBinding is a single binding slot within a descriptor set layout
type DescriptorBinding struct {
	Binding int
	Kind    DescriptorKind
	// Count is the array size of the binding; 1 for non-arrayed bindings
	Count  int
	Stages ShaderStageFlags
}

// SetLayoutInfo describes one descriptor set of a pipeline layout. Bindings
// are ordered by ascending binding index and binding indices are unique.
type SetLayoutInfo struct {
	Set      int
	Bindings []DescriptorBinding
}

// PushConstantRange is a byte range of push-constant data visible to the
// given stages
type PushConstantRange struct {
	Stages ShaderStageFlags
	Offset int
	Size   int
}

// PipelineLayoutInfo describes a full pipeline layout derived from shader
// reflection
type PipelineLayoutInfo struct {
	SetLayouts         []SetLayoutInfo
	PushConstantRanges []PushConstantRange
}

// ShaderStageInfo is one stage of a pipeline
type ShaderStageInfo struct {
	Stage      ShaderStageFlags
	Module     ShaderModule
	EntryPoint string
}

// MeshPipelineInfo describes a mesh-shading pipeline: task (optional),
// mesh, and fragment stages plus fixed-function and target state
type MeshPipelineInfo struct {
	Layout PipelineLayout
	Stages []ShaderStageInfo

	ColorFormat Format
	DepthFormat Format

	DepthTest    bool
	DepthWrite   bool
	DepthCompare CompareOp
	Cull         CullMode
	Blend        BlendMode
}
