package pipeline

import "github.com/pkg/errors"

// ErrBindingConflict is the error returned when two shader stages declare
// the same (set, binding) slot with different resource kinds. The conflict
// is a build-time configuration defect and is never silently resolved.
var ErrBindingConflict error = errors.New("conflicting descriptor kinds at the same binding")

// ErrPipelineBuild is the error returned when the device rejects a
// pipeline or pipeline-layout build
var ErrPipelineBuild error = errors.New("pipeline build failed")

// ErrShaderNotFound is the error returned from a build whose key names a
// shader the library does not hold
var ErrShaderNotFound error = errors.New("shader is not registered in the library")

// ErrStageMismatch is the error returned when a shader module does not
// declare an entry point for the stage it was keyed to
var ErrStageMismatch error = errors.New("shader module has no entry point for the requested stage")
