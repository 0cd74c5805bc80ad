// Package render is the GPU-driven core of the engine: a frame ring that
// cycles per-frame resources, a frame graph that orders passes and plans
// barriers from declared reads and writes, and mesh-shading draw
// submission through a reflection-driven pipeline cache.
package render

import (
	"context"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/pipeline"
	"golang.org/x/exp/slog"
)

// Options contains optional settings when creating a Renderer
type Options struct {
	// FramesInFlight is the frame-ring depth; 0 uses DefaultFrameDepth
	FramesInFlight int
	// AcquireTimeout bounds the wait for a frame slot to retire; 0 uses
	// DefaultAcquireTimeout
	AcquireTimeout time.Duration
	// TransientArenaSize is the per-frame transient arena capacity; 0 uses
	// DefaultTransientArenaSize
	TransientArenaSize int

	RingFlags  RingFlags
	CacheFlags pipeline.CacheFlags
}

// Renderer owns the per-device rendering state: the pipeline cache and
// the frame ring. Frames are driven from one goroutine; shader
// registration and hot reload may come from others.
type Renderer struct {
	logger  *slog.Logger
	device  backend.Device
	cache   *pipeline.Cache
	ring    *Ring
	library *pipeline.Library

	failed atomic.Bool

	framesRendered atomic.Uint64
	drawsRecorded  atomic.Uint64
	drawsCulled    atomic.Uint64
	drawsDropped   atomic.Uint64
	passesDegraded atomic.Uint64
}

// NewRenderer builds a renderer over a device context the host owns. The
// library holds the shader binaries pipelines are built from.
func NewRenderer(logger *slog.Logger, device backend.Device, library *pipeline.Library, options Options) (*Renderer, error) {
	ring, err := NewRing(logger, device, RingOptions{
		Depth:              options.FramesInFlight,
		AcquireTimeout:     options.AcquireTimeout,
		TransientArenaSize: options.TransientArenaSize,
		Flags:              options.RingFlags,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the frame ring")
	}

	return &Renderer{
		logger:  logger,
		device:  device,
		library: library,
		cache:   pipeline.NewCache(logger, device, library, pipeline.CacheOptions{Flags: options.CacheFlags}),
		ring:    ring,
	}, nil
}

// Cache returns the renderer's pipeline cache, for warm-up builds and
// shader hot reload
func (r *Renderer) Cache() *pipeline.Cache {
	return r.cache
}

// Ring returns the frame ring, for hosts that wire present semaphores
func (r *Renderer) Ring() *Ring {
	return r.ring
}

// RenderFrame acquires the next frame slot, records the graph into it and
// submits. Graph errors fail only the frame; a lost device or submission
// failure latches the renderer into a failed state and every later call
// returns an error matching ErrRendererFailed.
func (r *Renderer) RenderFrame(graph *Graph, extent backend.Extent2D) error {
	if r.failed.Load() {
		return cerrors.Wrap(ErrRendererFailed, "RenderFrame")
	}

	order, err := graph.sortPasses()
	if err != nil {
		return err
	}

	frame, err := r.ring.Acquire()
	if err != nil {
		if errors.Is(err, ErrDeviceLost) {
			r.fail("acquire", err)
		}
		return err
	}

	exec := &executor{
		logger:  r.logger,
		cache:   r.cache,
		graph:   graph,
		frame:   frame,
		extent:  extent,
		layouts: make(map[string]backend.ImageLayout),
	}

	if err := exec.record(order); err != nil {
		// The slot is stuck mid-recording and its command buffer state is
		// unknown; nothing after this can trust the device
		r.fail("record", err)
		return err
	}

	if err := r.ring.Submit(frame); err != nil {
		r.fail("submit", err)
		return err
	}

	r.framesRendered.Add(1)
	r.drawsRecorded.Add(uint64(exec.report.drawsRecorded))
	r.drawsCulled.Add(uint64(exec.report.drawsCulled))
	r.drawsDropped.Add(uint64(exec.report.drawsDropped))
	r.passesDegraded.Add(uint64(exec.report.passesDegraded))
	return nil
}

func (r *Renderer) fail(stage string, err error) {
	if r.failed.Swap(true) {
		return
	}
	r.logger.LogAttrs(context.Background(), slog.LevelError,
		"renderer entered the failed state",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// Failed reports whether a fatal error has latched
func (r *Renderer) Failed() bool {
	return r.failed.Load()
}

// FramesRendered returns the number of frames submitted since creation
func (r *Renderer) FramesRendered() uint64 {
	return r.framesRendered.Load()
}

// Shutdown drains the device and tears down the renderer in dependency
// order: in-flight frames retire, frames release their pipeline handles,
// then the cache destroys pipelines, layouts and modules
func (r *Renderer) Shutdown() error {
	err := r.device.WaitIdle()
	if err != nil {
		r.logger.LogAttrs(context.Background(), slog.LevelError,
			"device did not drain cleanly during shutdown",
			slog.String("error", err.Error()),
		)
	}

	r.ring.Destroy()
	r.cache.Destroy()

	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "renderer shut down",
		slog.Uint64("framesRendered", r.framesRendered.Load()),
	)
	return err
}
