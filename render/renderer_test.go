package render

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/backend/backendtest"
	"github.com/vkngwrapper/mantle/pipeline"
	"github.com/vkngwrapper/mantle/spirv/spirvtest"
	"golang.org/x/exp/slog"
)

func testMeshShader() []byte {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelMeshEXT, "mesh_main")
	b.StorageBuffer(0, 0)
	b.PushConstants(spirvtest.PushConstantMember{Offset: 0, FloatCount: 4})
	return b.Bytes()
}

func testFragShader() []byte {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelFragment, "frag_main")
	b.CombinedSampler(0, 1)
	return b.Bytes()
}

func testRenderer(t *testing.T, device *backendtest.Device, options Options) *Renderer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	library := pipeline.NewLibrary()
	library.Register("opaque.mesh", testMeshShader())
	library.Register("opaque.frag", testFragShader())
	library.Register("composite.mesh", testMeshShader())
	library.Register("composite.frag", testFragShader())

	renderer, err := NewRenderer(logger, device, library, options)
	require.NoError(t, err)
	return renderer
}

func opaqueShaders() pipeline.ShaderSet {
	return pipeline.ShaderSet{Mesh: "opaque.mesh", Fragment: "opaque.frag"}
}

func sceneGraph(t *testing.T, draws []DrawItem) *Graph {
	t.Helper()

	graph := NewGraph()
	require.NoError(t, graph.AddTarget(Target{
		Name:    "color",
		Image:   &backendtest.Image{Name: "color", Fmt: backend.FormatB8G8R8A8SRGB},
		Present: true,
	}))
	require.NoError(t, graph.AddTarget(Target{
		Name:  "depth",
		Image: &backendtest.Image{Name: "depth", Fmt: backend.FormatD32Float},
	}))

	clearColor := [4]float32{0, 0, 0, 1}
	clearDepth := float32(0)
	require.NoError(t, graph.AddPass(Pass{
		Name:       "opaque",
		Kind:       PassMesh,
		Color:      []string{"color"},
		Depth:      "depth",
		ClearColor: &clearColor,
		ClearDepth: &clearDepth,
		Pipeline: pipeline.Key{
			Shaders: opaqueShaders(),
			State:   pipeline.FixedState{DepthTest: true, DepthWrite: true, DepthCompare: backend.CompareGreater},
		},
		Draws: draws,
	}))
	return graph
}

func recordedCommands(r *Renderer, slot int) []backendtest.Command {
	return r.ring.slots[slot].commandBuffer.(*backendtest.CommandBuffer).Commands
}

func TestRenderFrameRecordsMeshDraws(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	bunny := &Mesh{Name: "bunny", MeshletCount: 64}
	dragon := &Mesh{Name: "dragon", MeshletCount: 40}
	culled := &Mesh{Name: "culled", MeshletCount: 512}

	graph := sceneGraph(t, []DrawItem{
		{Mesh: bunny, Visible: true, PushConstants: []byte{1, 2, 3, 4}},
		{Mesh: dragon, Visible: true},
		{Mesh: culled, Visible: false},
	})

	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 1920, Height: 1080}))
	require.Equal(t, uint64(1), renderer.FramesRendered())

	commands := recordedCommands(renderer, 0)
	require.Len(t, commands, 8)

	require.Equal(t, "PipelineBarrier", commands[0].Name)
	require.Len(t, commands[0].ImageBarriers, 2)
	require.Equal(t, backend.LayoutUndefined, commands[0].ImageBarriers[0].OldLayout)
	require.Equal(t, backend.LayoutColorAttachment, commands[0].ImageBarriers[0].NewLayout)
	require.Equal(t, backend.LayoutDepthAttachment, commands[0].ImageBarriers[1].NewLayout)

	require.Equal(t, "BeginRendering", commands[1].Name)
	require.Equal(t, backend.LoadOpClear, commands[1].Rendering.ColorAttachments[0].LoadOp)
	require.Equal(t, backend.Extent2D{Width: 1920, Height: 1080}, commands[1].Rendering.RenderArea)
	require.NotNil(t, commands[1].Rendering.DepthAttachment)

	require.Equal(t, "BindPipeline", commands[2].Name)

	require.Equal(t, "PushConstants", commands[3].Name)
	require.Equal(t, backend.StageMesh, commands[3].Stages)
	require.Equal(t, []byte{1, 2, 3, 4}, commands[3].Data)

	// 64 meshlets and 40 meshlets both round to 2 workgroups of 32
	require.Equal(t, "DrawMeshTasks", commands[4].Name)
	require.Equal(t, [3]int{2, 1, 1}, commands[4].Groups)
	require.Equal(t, "DrawMeshTasks", commands[5].Name)
	require.Equal(t, [3]int{2, 1, 1}, commands[5].Groups)

	require.Equal(t, "EndRendering", commands[6].Name)

	require.Equal(t, "PipelineBarrier", commands[7].Name)
	require.Equal(t, backend.LayoutColorAttachment, commands[7].ImageBarriers[0].OldLayout)
	require.Equal(t, backend.LayoutPresent, commands[7].ImageBarriers[0].NewLayout)

	require.Equal(t, uint64(2), renderer.drawsRecorded.Load())
	require.Equal(t, uint64(1), renderer.drawsCulled.Load())
}

func TestRenderFrameUploadedMeshBarriers(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	mesh := &Mesh{
		Name:          "streamed",
		MeshletCount:  32,
		MeshletBuffer: &backendtest.Buffer{Name: "meshlets", Bytes: 4096},
		VertexBuffer:  &backendtest.Buffer{Name: "vertices", Bytes: 8192},
	}
	graph := sceneGraph(t, []DrawItem{{Mesh: mesh, Visible: true, Uploaded: true}})

	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))

	commands := recordedCommands(renderer, 0)
	require.Equal(t, "PipelineBarrier", commands[0].Name)
	require.Len(t, commands[0].BufferBarriers, 2)
	require.Equal(t, backend.StageTransfer, commands[0].BufferBarriers[0].SrcStage)
	require.Equal(t, backend.StageTaskShading|backend.StageMeshShading, commands[0].BufferBarriers[0].DstStage)
	require.Equal(t, backend.AccessTransferWrite, commands[0].BufferBarriers[0].SrcAccess)
}

func TestRenderFrameTwoPassDependency(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	graph := NewGraph()
	require.NoError(t, graph.AddTarget(Target{
		Name:  "scene",
		Image: &backendtest.Image{Name: "scene", Fmt: backend.FormatR16G16B16A16Float},
	}))
	require.NoError(t, graph.AddTarget(Target{
		Name:    "swapchain",
		Image:   &backendtest.Image{Name: "swapchain", Fmt: backend.FormatB8G8R8A8SRGB},
		Present: true,
	}))

	// Declared reader-first; dependencies put geometry ahead
	require.NoError(t, graph.AddPass(Pass{
		Name:     "composite",
		Kind:     PassFullscreen,
		Color:    []string{"swapchain"},
		Reads:    []string{"scene"},
		Pipeline: pipeline.Key{Shaders: pipeline.ShaderSet{Mesh: "composite.mesh", Fragment: "composite.frag"}},
	}))
	require.NoError(t, graph.AddPass(Pass{
		Name:     "geometry",
		Kind:     PassMesh,
		Color:    []string{"scene"},
		Pipeline: pipeline.Key{Shaders: opaqueShaders()},
		Draws:    []DrawItem{{Mesh: &Mesh{Name: "city", MeshletCount: 96}, Visible: true}},
	}))

	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 256, Height: 256}))

	commands := recordedCommands(renderer, 0)

	// Geometry renders scene first
	require.Equal(t, "PipelineBarrier", commands[0].Name)
	require.Equal(t, backend.LayoutColorAttachment, commands[0].ImageBarriers[0].NewLayout)
	require.Equal(t, "BeginRendering", commands[1].Name)
	require.Equal(t, "BindPipeline", commands[2].Name)
	require.Equal(t, [3]int{3, 1, 1}, commands[3].Groups)
	require.Equal(t, "EndRendering", commands[4].Name)

	// The composite pass flips scene to sampled reads and swapchain to a
	// color target in one barrier, then runs a single covering workgroup
	require.Equal(t, "PipelineBarrier", commands[5].Name)
	require.Len(t, commands[5].ImageBarriers, 2)
	require.Equal(t, backend.LayoutColorAttachment, commands[5].ImageBarriers[0].OldLayout)
	require.Equal(t, backend.LayoutShaderReadOnly, commands[5].ImageBarriers[0].NewLayout)
	require.Equal(t, backend.AccessShaderRead, commands[5].ImageBarriers[0].DstAccess)
	require.Equal(t, backend.LayoutUndefined, commands[5].ImageBarriers[1].OldLayout)
	require.Equal(t, backend.LayoutColorAttachment, commands[5].ImageBarriers[1].NewLayout)

	require.Equal(t, "BeginRendering", commands[6].Name)
	require.Equal(t, "BindPipeline", commands[7].Name)
	require.Equal(t, "DrawMeshTasks", commands[8].Name)
	require.Equal(t, [3]int{1, 1, 1}, commands[8].Groups)
	require.Equal(t, "EndRendering", commands[9].Name)

	require.Equal(t, "PipelineBarrier", commands[10].Name)
	require.Equal(t, backend.LayoutPresent, commands[10].ImageBarriers[0].NewLayout)

	// Pipelines resolved against the targets they render into
	require.Len(t, device.PipelineInfos, 2)
	require.Equal(t, backend.FormatR16G16B16A16Float, device.PipelineInfos[0].ColorFormat)
	require.Equal(t, backend.FormatB8G8R8A8SRGB, device.PipelineInfos[1].ColorFormat)
}

func TestRenderFrameMaterialOverrides(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	glass := &Material{
		Shaders: pipeline.ShaderSet{Mesh: "composite.mesh", Fragment: "composite.frag"},
		State:   pipeline.FixedState{DepthTest: true, Blend: backend.BlendAlpha},
	}
	graph := sceneGraph(t, []DrawItem{
		{Mesh: &Mesh{Name: "wall", MeshletCount: 32}, Visible: true},
		{Mesh: &Mesh{Name: "window", MeshletCount: 32}, Visible: true, Material: glass},
		{Mesh: &Mesh{Name: "floor", MeshletCount: 32}, Visible: true},
	})

	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))

	commands := recordedCommands(renderer, 0)
	names := make([]string, len(commands))
	for i, command := range commands {
		names[i] = command.Name
	}
	// The override rebinds around the middle draw and the pass pipeline
	// comes back for the final one
	require.Equal(t, []string{
		"PipelineBarrier", "BeginRendering",
		"BindPipeline", "DrawMeshTasks",
		"BindPipeline", "DrawMeshTasks",
		"BindPipeline", "DrawMeshTasks",
		"EndRendering", "PipelineBarrier",
	}, names)
	require.Equal(t, commands[2].Pipeline, commands[6].Pipeline)
	require.NotEqual(t, commands[2].Pipeline, commands[4].Pipeline)

	require.Len(t, device.PipelineInfos, 2)
	require.Equal(t, uint64(3), renderer.drawsRecorded.Load())
}

func TestRenderFrameSkipsUnbuildableMaterial(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	broken := &Material{Shaders: pipeline.ShaderSet{Mesh: "missing.mesh", Fragment: "opaque.frag"}}
	graph := sceneGraph(t, []DrawItem{
		{Mesh: &Mesh{Name: "wall", MeshletCount: 32}, Visible: true},
		{Mesh: &Mesh{Name: "window", MeshletCount: 32}, Visible: true, Material: broken},
		{Mesh: &Mesh{Name: "ghost", MeshletCount: 32}, Visible: false},
	})

	// Only the draw using the broken material drops, counted apart from the
	// caller-culled one; the pass is not degraded
	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))
	require.Equal(t, uint64(1), renderer.drawsRecorded.Load())
	require.Equal(t, uint64(1), renderer.drawsCulled.Load())
	require.Equal(t, uint64(1), renderer.drawsDropped.Load())
	require.Equal(t, uint64(0), renderer.passesDegraded.Load())
}

func TestRenderFrameDegradesUnbuildablePass(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	graph := sceneGraph(t, []DrawItem{{Mesh: &Mesh{Name: "bunny", MeshletCount: 32}, Visible: true}})
	graph.passes[0].Pipeline.Shaders.Mesh = "missing.mesh"

	// The frame still submits: targets are cleared and transitioned, only
	// the draws are dropped
	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))
	require.Equal(t, uint64(1), renderer.passesDegraded.Load())
	require.Equal(t, uint64(1), renderer.drawsDropped.Load())
	require.False(t, renderer.Failed())

	commands := recordedCommands(renderer, 0)
	names := make([]string, len(commands))
	for i, command := range commands {
		names[i] = command.Name
	}
	require.Equal(t, []string{"PipelineBarrier", "BeginRendering", "EndRendering", "PipelineBarrier"}, names)
}

func TestRenderFrameDegradesMalformedShader(t *testing.T) {
	testCases := map[string][]byte{
		// Only the first word of the magic number
		"truncated binary": {0x03, 0x02, 0x23, 0x07},
		"bad magic number": make([]byte, 24),
	}

	for name, binary := range testCases {
		t.Run(name, func(t *testing.T) {
			device := backendtest.NewDevice()
			renderer := testRenderer(t, device, Options{})
			defer renderer.Shutdown()

			renderer.Cache().ReplaceShader("broken.mesh", binary)
			graph := sceneGraph(t, []DrawItem{{Mesh: &Mesh{Name: "bunny", MeshletCount: 32}, Visible: true}})
			graph.passes[0].Pipeline.Shaders.Mesh = "broken.mesh"

			// Reflection rejects the binary at build; the frame still clears,
			// transitions and submits
			require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))
			require.Equal(t, uint64(1), renderer.passesDegraded.Load())
			require.Equal(t, uint64(1), renderer.drawsDropped.Load())
			require.False(t, renderer.Failed())

			commands := recordedCommands(renderer, 0)
			names := make([]string, len(commands))
			for i, command := range commands {
				names[i] = command.Name
			}
			require.Equal(t, []string{"PipelineBarrier", "BeginRendering", "EndRendering", "PipelineBarrier"}, names)
		})
	}
}

func TestRenderFrameRejectsCyclicGraph(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	graph := NewGraph()
	require.NoError(t, graph.AddTarget(Target{Name: "a", Image: &backendtest.Image{Name: "a"}}))
	require.NoError(t, graph.AddTarget(Target{Name: "b", Image: &backendtest.Image{Name: "b"}}))
	require.NoError(t, graph.AddPass(Pass{Name: "first", Color: []string{"a"}, Reads: []string{"b"}}))
	require.NoError(t, graph.AddPass(Pass{Name: "second", Color: []string{"b"}, Reads: []string{"a"}}))

	err := renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64})
	require.ErrorIs(t, err, ErrPassCycle)

	// A rejected graph consumes no frame slot
	require.Equal(t, uint64(0), renderer.ring.FrameNumber())
	require.False(t, renderer.Failed())
}

func TestRendererLatchesFailureOnDeviceLoss(t *testing.T) {
	device := backendtest.NewDevice()
	device.AutoComplete = false
	renderer := testRenderer(t, device, Options{
		FramesInFlight: 1,
		AcquireTimeout: 30 * time.Millisecond,
	})
	defer renderer.Shutdown()

	graph := sceneGraph(t, nil)

	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))

	// The only slot never retires, so the next frame times out
	err := renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64})
	require.ErrorIs(t, err, ErrDeviceLost)
	require.True(t, renderer.Failed())

	err = renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64})
	require.ErrorIs(t, err, ErrRendererFailed)
}

func TestRendererPacesFramesInFlight(t *testing.T) {
	device := backendtest.NewDevice()
	device.AutoComplete = false
	renderer := testRenderer(t, device, Options{
		FramesInFlight: 2,
		AcquireTimeout: time.Second,
	})
	defer renderer.Shutdown()

	graph := sceneGraph(t, nil)
	extent := backend.Extent2D{Width: 64, Height: 64}

	require.NoError(t, renderer.RenderFrame(graph, extent))
	require.NoError(t, renderer.RenderFrame(graph, extent))
	require.Equal(t, 2, device.PendingSubmissions())

	// Frame 3 reuses slot 0, which frees as soon as the device finishes
	// frame 1
	done := make(chan error)
	go func() {
		done <- renderer.RenderFrame(graph, extent)
	}()

	select {
	case <-done:
		t.Fatal("a third frame was submitted with two frames still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, device.CompleteNext())
	require.NoError(t, <-done)
	require.Equal(t, uint64(3), renderer.FramesRendered())
}

func TestRendererShutdownReleasesEverything(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})

	graph := sceneGraph(t, []DrawItem{{Mesh: &Mesh{Name: "bunny", MeshletCount: 8}, Visible: true}})
	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))

	require.NoError(t, renderer.Shutdown())
	require.GreaterOrEqual(t, device.WaitIdleCalls(), 1)
	require.Zero(t, device.LiveObjects())
}

func TestBuildStatsString(t *testing.T) {
	device := backendtest.NewDevice()
	renderer := testRenderer(t, device, Options{})
	defer renderer.Shutdown()

	graph := sceneGraph(t, []DrawItem{{Mesh: &Mesh{Name: "bunny", MeshletCount: 8}, Visible: true}})
	require.NoError(t, renderer.RenderFrame(graph, backend.Extent2D{Width: 64, Height: 64}))

	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(renderer.BuildStatsString()), &stats))
	require.Contains(t, stats, "FramesRendered")
	require.Contains(t, stats, "DrawsDropped")
	require.Contains(t, stats, "FrameRing")
	require.Contains(t, stats, "PipelineCache")

	require.JSONEq(t, `1`, string(stats["FramesRendered"]))
}
