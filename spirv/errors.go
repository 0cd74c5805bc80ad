package spirv

import "github.com/pkg/errors"

// ErrMalformedModule is the error returned from Reflect when the binary is
// not a well-formed SPIR-V module
var ErrMalformedModule error = errors.New("malformed SPIR-V module")

// ErrUnsupportedBinding is the error returned from Reflect when a shader
// declares a resource kind this core does not support. Unknown kinds are
// never skipped.
var ErrUnsupportedBinding error = errors.New("unsupported descriptor binding kind")

// ErrUnsupportedStage is the error returned from Reflect when an entry
// point uses an execution model outside the mesh-shading and compute set
var ErrUnsupportedStage error = errors.New("unsupported shader execution model")
