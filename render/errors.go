package render

import "github.com/pkg/errors"

// ErrDeviceLost is the error returned when the device stops making
// progress: a frame fence that never signals within the acquire timeout.
// The renderer treats it as fatal.
var ErrDeviceLost error = errors.New("the device stopped making progress")

// ErrPassCycle is the error returned when a frame graph's read/write
// dependencies form a cycle and no execution order exists
var ErrPassCycle error = errors.New("the pass dependencies form a cycle")

// ErrRendererFailed is the error returned from RenderFrame after a fatal
// failure has latched; the renderer accepts no further frames
var ErrRendererFailed error = errors.New("the renderer has failed and must be recreated")
