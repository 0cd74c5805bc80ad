package render

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/pipeline"
	"golang.org/x/exp/slog"
)

// frameReport tallies what one frame's recording produced. Culled draws
// were excluded by the caller; dropped draws wanted to run but had no
// buildable pipeline.
type frameReport struct {
	drawsRecorded  int
	drawsCulled    int
	drawsDropped   int
	passesDegraded int
}

// executor records one frame: it walks the sorted passes, tracks every
// target's current layout, and emits exactly one transition per layout
// change a pass requires
type executor struct {
	logger *slog.Logger
	cache  *pipeline.Cache
	graph  *Graph
	frame  *Frame
	extent backend.Extent2D

	layouts map[string]backend.ImageLayout
	report  frameReport
}

func (e *executor) record(order []*Pass) error {
	commandBuffer := e.frame.CommandBuffer()

	if err := commandBuffer.Begin(); err != nil {
		return cerrors.Wrapf(err, "beginning frame %d", e.frame.Number())
	}

	for _, pass := range order {
		if err := e.recordPass(commandBuffer, pass); err != nil {
			return cerrors.Wrapf(err, "recording pass %q", pass.Name)
		}
	}

	e.recordPresentTransitions(commandBuffer)

	if err := commandBuffer.End(); err != nil {
		return cerrors.Wrapf(err, "ending frame %d", e.frame.Number())
	}
	return nil
}

func (e *executor) recordPass(commandBuffer backend.CommandBuffer, pass *Pass) error {
	var imageBarriers []backend.ImageBarrier
	var bufferBarriers []backend.BufferBarrier

	for _, draw := range pass.Draws {
		if !draw.Uploaded || draw.Mesh == nil {
			continue
		}
		bufferBarriers = append(bufferBarriers, e.uploadBarriers(draw.Mesh)...)
	}

	for _, name := range pass.Reads {
		if barrier := e.transition(name, backend.LayoutShaderReadOnly,
			backend.StageFragmentShading, backend.AccessShaderRead); barrier != nil {
			imageBarriers = append(imageBarriers, *barrier)
		}
	}
	for _, name := range pass.Color {
		if barrier := e.transition(name, backend.LayoutColorAttachment,
			backend.StageColorAttachmentOutput, backend.AccessColorAttachmentWrite); barrier != nil {
			imageBarriers = append(imageBarriers, *barrier)
		}
	}
	if pass.Depth != "" {
		if barrier := e.transition(pass.Depth, backend.LayoutDepthAttachment,
			backend.StageFragmentShading, backend.AccessDepthAttachmentWrite); barrier != nil {
			imageBarriers = append(imageBarriers, *barrier)
		}
	}

	if len(imageBarriers) > 0 || len(bufferBarriers) > 0 {
		commandBuffer.CmdPipelineBarrier(imageBarriers, bufferBarriers)
	}

	// A pipeline that fails to build degrades the pass rather than failing
	// the frame: targets are still cleared and transitioned so downstream
	// passes and presentation see the layouts they expect
	baseKey := e.passKey(pass)
	handle := e.resolvePipeline(baseKey)
	if handle == nil {
		e.report.passesDegraded++
		e.report.drawsDropped += pass.recordableDraws()
		e.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"pass pipeline unavailable, skipping its draws",
			slog.String("pass", pass.Name),
		)
	}

	commandBuffer.CmdBeginRendering(e.renderingInfo(pass))
	if handle != nil {
		commandBuffer.CmdBindPipeline(handle.Pipeline())
		e.recordDraws(commandBuffer, pass, baseKey, handle)
	}
	commandBuffer.CmdEndRendering()

	return nil
}

func (e *executor) uploadBarriers(mesh *Mesh) []backend.BufferBarrier {
	var barriers []backend.BufferBarrier
	for _, buffer := range []backend.Buffer{mesh.MeshletBuffer, mesh.VertexBuffer} {
		if buffer == nil {
			continue
		}
		barriers = append(barriers, backend.BufferBarrier{
			Buffer:    buffer,
			SrcStage:  backend.StageTransfer,
			DstStage:  backend.StageTaskShading | backend.StageMeshShading,
			SrcAccess: backend.AccessTransferWrite,
			DstAccess: backend.AccessShaderRead,
		})
	}
	return barriers
}

// transition plans a layout change for a target, or returns nil when the
// target is already where the pass needs it
func (e *executor) transition(
	name string,
	newLayout backend.ImageLayout,
	dstStage backend.PipelineStageFlags,
	dstAccess backend.AccessFlags,
) *backend.ImageBarrier {
	oldLayout := e.layouts[name]
	if oldLayout == newLayout {
		return nil
	}
	e.layouts[name] = newLayout

	target := e.graph.targets[name]
	barrier := &backend.ImageBarrier{
		Image:     target.Image,
		DstStage:  dstStage,
		DstAccess: dstAccess,
		OldLayout: oldLayout,
		NewLayout: newLayout,
	}

	switch oldLayout {
	case backend.LayoutUndefined:
		barrier.SrcStage = backend.StageTopOfPipe
	case backend.LayoutColorAttachment:
		barrier.SrcStage = backend.StageColorAttachmentOutput
		barrier.SrcAccess = backend.AccessColorAttachmentWrite
	case backend.LayoutDepthAttachment:
		barrier.SrcStage = backend.StageFragmentShading
		barrier.SrcAccess = backend.AccessDepthAttachmentWrite
	case backend.LayoutShaderReadOnly:
		barrier.SrcStage = backend.StageFragmentShading
		barrier.SrcAccess = backend.AccessShaderRead
	default:
		barrier.SrcStage = backend.StageBottomOfPipe
	}

	return barrier
}

// passKey fills the pass's pipeline key with the formats of the targets it
// renders to
func (e *executor) passKey(pass *Pass) pipeline.Key {
	key := pass.Pipeline
	if len(pass.Color) > 0 {
		key.ColorFormat = e.graph.targets[pass.Color[0]].Image.Format()
	}
	if pass.Depth != "" {
		key.DepthFormat = e.graph.targets[pass.Depth].Image.Format()
	}
	return key
}

// resolvePipeline fetches a pipeline and retains it for the frame's
// lifetime, or returns nil when the build failed
func (e *executor) resolvePipeline(key pipeline.Key) *pipeline.Handle {
	handle, err := e.cache.GetOrBuild(key)
	if err != nil {
		e.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"pipeline unavailable",
			slog.String("mesh_shader", string(key.Shaders.Mesh)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	e.frame.RetainPipeline(handle)
	return handle
}

func (e *executor) renderingInfo(pass *Pass) backend.RenderingInfo {
	info := backend.RenderingInfo{
		RenderArea: e.extent,
	}

	for _, name := range pass.Color {
		attachment := backend.ColorAttachment{
			Image:   e.graph.targets[name].Image,
			LoadOp:  backend.LoadOpLoad,
			StoreOp: backend.StoreOpStore,
		}
		if pass.ClearColor != nil {
			attachment.LoadOp = backend.LoadOpClear
			attachment.Clear = *pass.ClearColor
		}
		info.ColorAttachments = append(info.ColorAttachments, attachment)
	}

	if pass.Depth != "" {
		attachment := &backend.DepthAttachment{
			Image:   e.graph.targets[pass.Depth].Image,
			LoadOp:  backend.LoadOpLoad,
			StoreOp: backend.StoreOpStore,
		}
		if pass.ClearDepth != nil {
			attachment.LoadOp = backend.LoadOpClear
			attachment.ClearDepth = *pass.ClearDepth
		}
		info.DepthAttachment = attachment
	}

	return info
}

func (e *executor) recordDraws(commandBuffer backend.CommandBuffer, pass *Pass, baseKey pipeline.Key, passHandle *pipeline.Handle) {
	if pass.Kind == PassFullscreen {
		// A fullscreen pass is one mesh workgroup that emits a covering
		// triangle; any declared draw only contributes push constants
		if len(pass.Draws) > 0 && len(pass.Draws[0].PushConstants) > 0 {
			commandBuffer.CmdPushConstants(passHandle.PushConstantStages(), 0, pass.Draws[0].PushConstants)
		}
		commandBuffer.CmdDrawMeshTasks(1, 1, 1)
		e.report.drawsRecorded++
		return
	}

	bound := passHandle
	for _, draw := range pass.Draws {
		if !draw.Visible || draw.Mesh == nil || draw.Mesh.MeshletCount == 0 {
			e.report.drawsCulled++
			continue
		}

		handle := passHandle
		if draw.Material != nil {
			key := baseKey
			key.Shaders = draw.Material.Shaders
			key.State = draw.Material.State
			handle = e.resolvePipeline(key)
			if handle == nil {
				// An unbuildable material skips only its own draw
				e.report.drawsDropped++
				continue
			}
		}
		if handle != bound {
			commandBuffer.CmdBindPipeline(handle.Pipeline())
			bound = handle
		}

		if len(draw.PushConstants) > 0 {
			commandBuffer.CmdPushConstants(handle.PushConstantStages(), 0, draw.PushConstants)
		}
		commandBuffer.CmdDrawMeshTasks(taskGroupCount(draw.Mesh.MeshletCount), 1, 1)
		e.report.drawsRecorded++
	}
}

// recordPresentTransitions moves every present target into the present
// layout once the last pass has written it
func (e *executor) recordPresentTransitions(commandBuffer backend.CommandBuffer) {
	var imageBarriers []backend.ImageBarrier
	for _, name := range e.graph.targetOrder {
		target := e.graph.targets[name]
		if !target.Present {
			continue
		}
		if barrier := e.transition(name, backend.LayoutPresent, backend.StageBottomOfPipe, 0); barrier != nil {
			imageBarriers = append(imageBarriers, *barrier)
		}
	}
	if len(imageBarriers) > 0 {
		commandBuffer.CmdPipelineBarrier(imageBarriers, nil)
	}
}
