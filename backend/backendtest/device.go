// Package backendtest implements the backend interfaces in-process, with a
// submission clock the test drives by hand. No GPU is involved: fences
// signal when the test (or auto-complete mode) says the device has caught
// up, which is exactly what the frame-ring and teardown tests need.
package backendtest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mantle/backend"
)

// Device is a fake backend.Device. The zero value is not usable; create
// one with NewDevice.
type Device struct {
	mu      sync.Mutex
	queues  []*Queue
	pending []*submission

	// AutoComplete, when true, signals each submission's fence as soon as
	// Submit returns. Disable it to drive completion by hand with
	// CompleteNext.
	AutoComplete bool

	// FailMeshPipeline, when non-nil, is consulted on every NewMeshPipeline
	// call; a non-nil result fails the build
	FailMeshPipeline func(info backend.MeshPipelineInfo) error
	// FailShaderModule, when non-nil, is consulted on every NewShaderModule
	// call
	FailShaderModule func(code []byte) error

	// PipelineInfos records every successful NewMeshPipeline call in order
	PipelineInfos []backend.MeshPipelineInfo
	// LayoutInfos records every NewPipelineLayout call in order
	LayoutInfos []backend.PipelineLayoutInfo

	liveObjects int
	waitIdles   int
}

type submission struct {
	queue *Queue
	info  backend.SubmitInfo
	fence *Fence
}

// NewDevice creates a fake device with a single graphics queue and
// auto-completing submissions
func NewDevice() *Device {
	d := &Device{AutoComplete: true}
	d.queues = []*Queue{{device: d, familyIndex: 0}}
	return d
}

func (d *Device) GraphicsQueue() backend.Queue { return d.queues[0] }

func (d *Device) Queues() []backend.Queue {
	queues := make([]backend.Queue, len(d.queues))
	for i, q := range d.queues {
		queues[i] = q
	}
	return queues
}

func (d *Device) NewFence(signaled bool) (backend.Fence, error) {
	d.trackCreate()
	f := &Fence{device: d, ch: make(chan struct{})}
	if signaled {
		f.signal()
	}
	return f, nil
}

func (d *Device) NewSemaphore() (backend.Semaphore, error) {
	d.trackCreate()
	return &Semaphore{device: d}, nil
}

func (d *Device) NewCommandPool(queue backend.Queue) (backend.CommandPool, error) {
	d.trackCreate()
	return &CommandPool{device: d, queue: queue}, nil
}

func (d *Device) NewShaderModule(code []byte) (backend.ShaderModule, error) {
	if d.FailShaderModule != nil {
		if err := d.FailShaderModule(code); err != nil {
			return nil, err
		}
	}
	d.trackCreate()
	return &ShaderModule{device: d, Code: code}, nil
}

func (d *Device) NewPipelineLayout(info backend.PipelineLayoutInfo) (backend.PipelineLayout, error) {
	d.trackCreate()
	d.mu.Lock()
	d.LayoutInfos = append(d.LayoutInfos, info)
	d.mu.Unlock()
	return &PipelineLayout{device: d, Info: info}, nil
}

func (d *Device) NewMeshPipeline(info backend.MeshPipelineInfo) (backend.Pipeline, error) {
	if d.FailMeshPipeline != nil {
		if err := d.FailMeshPipeline(info); err != nil {
			return nil, err
		}
	}
	d.trackCreate()
	d.mu.Lock()
	d.PipelineInfos = append(d.PipelineInfos, info)
	d.mu.Unlock()
	return &Pipeline{device: d, Info: info}, nil
}

// WaitIdle completes every pending submission
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.waitIdles++
	d.mu.Unlock()

	for _, s := range pending {
		if s.fence != nil {
			s.fence.signal()
		}
	}
	return nil
}

// CompleteNext signals the completion fence of the oldest pending
// submission, simulating the device finishing one frame of work. It
// reports whether a submission was pending.
func (d *Device) CompleteNext() bool {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return false
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()

	if s.fence != nil {
		s.fence.signal()
	}
	return true
}

// PendingSubmissions returns the number of submissions the fake device has
// not yet completed
func (d *Device) PendingSubmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LiveObjects returns the number of device objects created and not yet
// destroyed, for teardown leak checks
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveObjects
}

// WaitIdleCalls returns how many times WaitIdle ran
func (d *Device) WaitIdleCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitIdles
}

func (d *Device) trackCreate() {
	d.mu.Lock()
	d.liveObjects++
	d.mu.Unlock()
}

func (d *Device) trackDestroy() {
	d.mu.Lock()
	d.liveObjects--
	d.mu.Unlock()
}

// Queue is the fake submission queue
type Queue struct {
	device      *Device
	familyIndex int

	mu          sync.Mutex
	Submissions []backend.SubmitInfo
}

func (q *Queue) FamilyIndex() int { return q.familyIndex }

func (q *Queue) Submit(info backend.SubmitInfo, fence backend.Fence) error {
	q.mu.Lock()
	q.Submissions = append(q.Submissions, info)
	q.mu.Unlock()

	var f *Fence
	if fence != nil {
		f = fence.(*Fence)
	}

	q.device.mu.Lock()
	q.device.pending = append(q.device.pending, &submission{queue: q, info: info, fence: f})
	autoComplete := q.device.AutoComplete
	q.device.mu.Unlock()

	if autoComplete {
		q.device.CompleteNext()
	}
	return nil
}

// SubmissionCount returns how many submissions this queue has accepted
func (q *Queue) SubmissionCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Submissions)
}

// Fence is the fake completion fence. It signals when the device's
// simulated clock reaches the submission it was attached to.
type Fence struct {
	device *Device

	mu       sync.Mutex
	signaled bool
	ch       chan struct{}
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		return
	}
	f.signaled = true
	close(f.ch)
}

func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	ch := f.ch
	signaled := f.signaled
	f.mu.Unlock()

	if signaled {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return errors.Wrapf(backend.ErrWaitTimeout, "after %s", timeout)
	}
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

func (f *Fence) Destroy() { f.device.trackDestroy() }

// Semaphore is the fake ordering primitive; the in-process device needs no
// real ordering, so it only tracks its own lifetime
type Semaphore struct {
	device *Device
}

func (s *Semaphore) Destroy() { s.device.trackDestroy() }

// CommandPool is the fake command pool
type CommandPool struct {
	device *Device
	queue  backend.Queue

	mu      sync.Mutex
	buffers []*CommandBuffer
	Resets  int
}

func (p *CommandPool) AllocateCommandBuffer() (backend.CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := &CommandBuffer{pool: p}
	p.buffers = append(p.buffers, buf)
	return buf, nil
}

// Reset recycles every buffer allocated from the pool
func (p *CommandPool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Resets++
	for _, buf := range p.buffers {
		buf.Commands = nil
		buf.recording = false
		buf.ended = false
	}
	return nil
}

func (p *CommandPool) Destroy() { p.device.trackDestroy() }

// Command is one recorded command-buffer entry. Name identifies the
// command; the remaining fields are populated per kind.
type Command struct {
	Name string

	ImageBarriers  []backend.ImageBarrier
	BufferBarriers []backend.BufferBarrier
	Rendering      backend.RenderingInfo
	Pipeline       backend.Pipeline
	Stages         backend.ShaderStageFlags
	Offset         int
	Data           []byte
	Groups         [3]int
}

// CommandBuffer records commands into a slice for assertions
type CommandBuffer struct {
	pool *CommandPool

	recording bool
	ended     bool
	Commands  []Command
}

func (b *CommandBuffer) Begin() error {
	if b.recording {
		return errors.New("command buffer is already recording")
	}
	b.recording = true
	b.ended = false
	return nil
}

func (b *CommandBuffer) End() error {
	if !b.recording {
		return errors.New("command buffer is not recording")
	}
	b.recording = false
	b.ended = true
	return nil
}

func (b *CommandBuffer) CmdPipelineBarrier(imageBarriers []backend.ImageBarrier, bufferBarriers []backend.BufferBarrier) {
	b.Commands = append(b.Commands, Command{
		Name:           "PipelineBarrier",
		ImageBarriers:  imageBarriers,
		BufferBarriers: bufferBarriers,
	})
}

func (b *CommandBuffer) CmdBeginRendering(info backend.RenderingInfo) {
	b.Commands = append(b.Commands, Command{Name: "BeginRendering", Rendering: info})
}

func (b *CommandBuffer) CmdEndRendering() {
	b.Commands = append(b.Commands, Command{Name: "EndRendering"})
}

func (b *CommandBuffer) CmdBindPipeline(pipeline backend.Pipeline) {
	b.Commands = append(b.Commands, Command{Name: "BindPipeline", Pipeline: pipeline})
}

func (b *CommandBuffer) CmdPushConstants(stages backend.ShaderStageFlags, offset int, data []byte) {
	b.Commands = append(b.Commands, Command{Name: "PushConstants", Stages: stages, Offset: offset, Data: append([]byte(nil), data...)})
}

func (b *CommandBuffer) CmdDrawMeshTasks(groupCountX, groupCountY, groupCountZ int) {
	b.Commands = append(b.Commands, Command{Name: "DrawMeshTasks", Groups: [3]int{groupCountX, groupCountY, groupCountZ}})
}

// MeshDraws counts the recorded mesh-shading dispatches
func (b *CommandBuffer) MeshDraws() int {
	count := 0
	for _, cmd := range b.Commands {
		if cmd.Name == "DrawMeshTasks" {
			count++
		}
	}
	return count
}

// ShaderModule is the fake compiled shader module
type ShaderModule struct {
	device *Device
	Code   []byte
}

func (m *ShaderModule) Destroy() { m.device.trackDestroy() }

// PipelineLayout is the fake pipeline layout
type PipelineLayout struct {
	device *Device
	Info   backend.PipelineLayoutInfo
}

func (l *PipelineLayout) Destroy() { l.device.trackDestroy() }

// Pipeline is the fake pipeline state object
type Pipeline struct {
	device *Device
	Info   backend.MeshPipelineInfo
}

func (p *Pipeline) Destroy() { p.device.trackDestroy() }

// Image is a fake render-target image
type Image struct {
	Name string
	Fmt  backend.Format
}

func (i *Image) Format() backend.Format { return i.Fmt }

// Buffer is a fake device buffer
type Buffer struct {
	Name  string
	Bytes int
}

func (b *Buffer) Size() int { return b.Bytes }
