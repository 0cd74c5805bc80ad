package render

import (
	"context"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/gpumem"
	"github.com/vkngwrapper/mantle/pipeline"
	"golang.org/x/exp/slog"
)

// RingFlags indicate specific frame-ring behaviors to activate or deactivate
type RingFlags int32

var ringFlagsMapping = common.NewFlagStringMapping[RingFlags]()

func (f RingFlags) Register(str string) {
	ringFlagsMapping.Register(f, str)
}
func (f RingFlags) String() string {
	return ringFlagsMapping.FlagsToString(f)
}

const (
	// RingPresentSemaphores attaches each frame's image-available semaphore
	// as a submission wait and signals its render-finished semaphore, for
	// hosts driving a swapchain. Headless hosts leave it off.
	RingPresentSemaphores RingFlags = 1 << iota
)

func init() {
	RingPresentSemaphores.Register("RingPresentSemaphores")
}

// frameState tracks where a slot is in its lifecycle
type frameState int32

const (
	frameIdle frameState = iota
	frameRecording
	frameSubmitted
)

func (s frameState) String() string {
	switch s {
	case frameIdle:
		return "Idle"
	case frameRecording:
		return "Recording"
	case frameSubmitted:
		return "Submitted"
	}
	return "UnknownFrameState"
}

// RingOptions contains optional settings when creating a Ring
type RingOptions struct {
	// Depth is the number of frames that may be in flight at once; 0 uses
	// DefaultFrameDepth
	Depth int
	// AcquireTimeout bounds how long Acquire waits for the oldest frame's
	// fence before declaring the device lost; 0 uses DefaultAcquireTimeout
	AcquireTimeout time.Duration
	// TransientArenaSize is the per-frame transient arena capacity in
	// bytes; 0 uses DefaultTransientArenaSize
	TransientArenaSize int

	Flags RingFlags
}

const (
	DefaultFrameDepth         = 2
	DefaultAcquireTimeout     = 2 * time.Second
	DefaultTransientArenaSize = 4 * 1024 * 1024
)

// Ring cycles a fixed set of frame slots. Each slot owns the fence,
// command pool, semaphores and transient arena for one frame in flight;
// acquiring a slot blocks until the GPU retires the frame that used it
// Depth frames ago.
//
// Ring is driven from a single render goroutine and is not goroutine-safe.
type Ring struct {
	logger *slog.Logger
	device backend.Device
	queue  backend.Queue
	flags  RingFlags

	acquireTimeout time.Duration
	slots          []*Frame
	frameNumber    uint64
}

// Frame is one slot of the ring, valid from Acquire until Submit
type Frame struct {
	ring  *Ring
	index int

	state  frameState
	number uint64

	fence         backend.Fence
	pool          backend.CommandPool
	commandBuffer backend.CommandBuffer
	imageReady    backend.Semaphore
	renderDone    backend.Semaphore

	arena    *gpumem.Arena
	retained []*pipeline.Handle
}

// NewRing builds the frame ring for a device's graphics queue
func NewRing(logger *slog.Logger, device backend.Device, options RingOptions) (*Ring, error) {
	depth := options.Depth
	if depth == 0 {
		depth = DefaultFrameDepth
	}
	if depth < 1 {
		return nil, cerrors.Newf("frame ring depth %d is not positive", depth)
	}

	timeout := options.AcquireTimeout
	if timeout == 0 {
		timeout = DefaultAcquireTimeout
	}
	arenaSize := options.TransientArenaSize
	if arenaSize == 0 {
		arenaSize = DefaultTransientArenaSize
	}

	ring := &Ring{
		logger:         logger,
		device:         device,
		queue:          device.GraphicsQueue(),
		flags:          options.Flags,
		acquireTimeout: timeout,
	}

	for slotIndex := 0; slotIndex < depth; slotIndex++ {
		frame, err := ring.newFrame(slotIndex, arenaSize)
		if err != nil {
			ring.Destroy()
			return nil, cerrors.Wrapf(err, "creating frame slot %d", slotIndex)
		}
		ring.slots = append(ring.slots, frame)
	}

	return ring, nil
}

func (r *Ring) newFrame(index int, arenaSize int) (*Frame, error) {
	// Fences begin signaled so the first pass through the ring acquires
	// without waiting
	fence, err := r.device.NewFence(true)
	if err != nil {
		return nil, err
	}
	pool, err := r.device.NewCommandPool(r.queue)
	if err != nil {
		fence.Destroy()
		return nil, err
	}
	commandBuffer, err := pool.AllocateCommandBuffer()
	if err != nil {
		pool.Destroy()
		fence.Destroy()
		return nil, err
	}
	imageReady, err := r.device.NewSemaphore()
	if err != nil {
		pool.Destroy()
		fence.Destroy()
		return nil, err
	}
	renderDone, err := r.device.NewSemaphore()
	if err != nil {
		imageReady.Destroy()
		pool.Destroy()
		fence.Destroy()
		return nil, err
	}

	return &Frame{
		ring:          r,
		index:         index,
		fence:         fence,
		pool:          pool,
		commandBuffer: commandBuffer,
		imageReady:    imageReady,
		renderDone:    renderDone,
		arena:         gpumem.NewArena(arenaSize),
	}, nil
}

// Depth returns the number of frames that may be in flight at once
func (r *Ring) Depth() int {
	return len(r.slots)
}

// FrameNumber returns the number the next acquired frame will carry
func (r *Ring) FrameNumber() uint64 {
	return r.frameNumber
}

// Acquire blocks until the slot for the current frame number is free,
// recycles its resources, and hands it out for recording. A fence that
// does not signal within the acquire timeout is a lost device.
func (r *Ring) Acquire() (*Frame, error) {
	frame := r.slots[r.frameNumber%uint64(len(r.slots))]

	switch frame.state {
	case frameRecording:
		return nil, cerrors.Newf("frame slot %d was acquired while still recording", frame.index)

	case frameSubmitted:
		if err := frame.fence.Wait(r.acquireTimeout); err != nil {
			if errors.Is(err, backend.ErrWaitTimeout) {
				return nil, cerrors.Wrapf(ErrDeviceLost,
					"frame %d did not retire within %s", frame.number, r.acquireTimeout)
			}
			return nil, cerrors.Wrapf(err, "waiting for frame %d to retire", frame.number)
		}
		if err := frame.recycle(); err != nil {
			return nil, err
		}
	}

	frame.state = frameRecording
	frame.number = r.frameNumber
	return frame, nil
}

// recycle reclaims everything the retired frame used
func (f *Frame) recycle() error {
	if err := f.fence.Reset(); err != nil {
		return cerrors.Wrapf(err, "resetting the fence of frame slot %d", f.index)
	}
	if err := f.pool.Reset(); err != nil {
		return cerrors.Wrapf(err, "resetting the command pool of frame slot %d", f.index)
	}
	f.releaseRetained()
	f.arena.Reset()
	f.state = frameIdle
	return nil
}

func (f *Frame) releaseRetained() {
	for i, handle := range f.retained {
		handle.Release()
		f.retained[i] = nil
	}
	f.retained = f.retained[:0]
}

// Submit enqueues the frame's command buffer and advances the ring. The
// frame is invalid afterward until the ring hands it out again.
func (r *Ring) Submit(frame *Frame) error {
	if frame.state != frameRecording {
		return cerrors.Newf("submitted frame slot %d in state %s", frame.index, frame.state)
	}

	info := backend.SubmitInfo{
		CommandBuffers: []backend.CommandBuffer{frame.commandBuffer},
	}
	if r.flags&RingPresentSemaphores != 0 {
		info.WaitSemaphores = []backend.Semaphore{frame.imageReady}
		info.SignalSemaphores = []backend.Semaphore{frame.renderDone}
	}

	if err := r.queue.Submit(info, frame.fence); err != nil {
		return cerrors.Wrapf(err, "submitting frame %d", frame.number)
	}

	frame.state = frameSubmitted
	r.frameNumber++
	return nil
}

// Destroy waits for in-flight frames and tears the ring down. Pipeline
// handles still retained by a frame are released; anything that cannot
// retire in time is logged and abandoned.
func (r *Ring) Destroy() {
	for _, frame := range r.slots {
		if frame.state == frameSubmitted {
			if err := frame.fence.Wait(r.acquireTimeout); err != nil {
				r.logger.LogAttrs(context.Background(), slog.LevelError,
					"[UNRETIRED FRAME] destroying a frame slot the device never finished",
					slog.Int("slot", frame.index),
					slog.Uint64("frame", frame.number),
				)
			}
		}
		frame.releaseRetained()

		frame.renderDone.Destroy()
		frame.imageReady.Destroy()
		frame.pool.Destroy()
		frame.fence.Destroy()
	}
	r.slots = nil
}

// CommandBuffer returns the frame's command buffer. The ring resets it
// with the pool when the slot recycles.
func (f *Frame) CommandBuffer() backend.CommandBuffer {
	return f.commandBuffer
}

// Arena returns the frame's transient arena, valid until the slot recycles
func (f *Frame) Arena() *gpumem.Arena {
	return f.arena
}

// Number returns the frame number this slot is currently recording or
// has submitted
func (f *Frame) Number() uint64 {
	return f.number
}

// Index returns the slot index within the ring
func (f *Frame) Index() int {
	return f.index
}

// ImageReadySemaphore is waited on at submit when present semaphores are
// enabled; the host signals it from its swapchain acquire
func (f *Frame) ImageReadySemaphore() backend.Semaphore {
	return f.imageReady
}

// RenderDoneSemaphore is signaled by the frame's submission when present
// semaphores are enabled; the host waits on it to present
func (f *Frame) RenderDoneSemaphore() backend.Semaphore {
	return f.renderDone
}

// RetainPipeline pins a pipeline handle until this frame retires, keeping
// hot reload from destroying a pipeline the GPU may still be running
func (f *Frame) RetainPipeline(handle *pipeline.Handle) {
	handle.Retain()
	f.retained = append(f.retained, handle)
}
