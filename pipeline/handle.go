package pipeline

import (
	"sync"

	"github.com/vkngwrapper/mantle/backend"
)

// Handle is a refcounted reference to a resident pipeline. Frames retain
// the handles of every pipeline they bind and release them once the GPU
// has finished the frame, which lets Cache.Invalidate destroy a pipeline
// only after the last frame using it retires.
type Handle struct {
	key    Key
	desc   *LayoutDescription
	layout backend.PipelineLayout

	mutex    sync.Mutex
	unref    *sync.Cond
	refs     int
	pipeline backend.Pipeline
}

func newHandle(key Key, desc *LayoutDescription, layout backend.PipelineLayout, pipeline backend.Pipeline) *Handle {
	handle := &Handle{
		key:      key,
		desc:     desc,
		layout:   layout,
		pipeline: pipeline,
	}
	handle.unref = sync.NewCond(&handle.mutex)
	return handle
}

// Key returns the cache key this handle was built for
func (h *Handle) Key() Key {
	return h.key
}

// Pipeline returns the device pipeline object. It must only be bound
// between Retain and Release.
func (h *Handle) Pipeline() backend.Pipeline {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pipeline
}

// Layout returns the pipeline layout, shared with other pipelines whose
// reflected layout is identical. The cache owns it; callers never destroy
// it.
func (h *Handle) Layout() backend.PipelineLayout {
	return h.layout
}

// Layouts returns the reflected layout description the pipeline was built
// with
func (h *Handle) Layouts() *LayoutDescription {
	return h.desc
}

// PushConstantStages returns the stage visibility to pass when pushing
// constants through this pipeline's layout
func (h *Handle) PushConstantStages() backend.ShaderStageFlags {
	return h.desc.PushConstantStages()
}

// Retain marks the handle as in use by a frame
func (h *Handle) Retain() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.refs++
}

// Release drops one frame reference. Releasing an unretained handle is a
// consumer bug.
func (h *Handle) Release() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.refs <= 0 {
		panic("pipeline handle released more times than it was retained")
	}
	h.refs--
	if h.refs == 0 {
		h.unref.Broadcast()
	}
}

func (h *Handle) references() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.refs
}

// waitUnreferenced blocks until every frame reference has been released
func (h *Handle) waitUnreferenced() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for h.refs > 0 {
		h.unref.Wait()
	}
}

// destroy tears down the device pipeline. The shared layout and shader
// modules stay alive; the cache owns those.
func (h *Handle) destroy() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.pipeline != nil {
		h.pipeline.Destroy()
		h.pipeline = nil
	}
}
