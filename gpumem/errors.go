package gpumem

import "github.com/pkg/errors"

// ErrOutOfDeviceMemory is the error returned when the device heap cannot
// satisfy an allocation
var ErrOutOfDeviceMemory error = errors.New("the device is out of memory")

// ErrOutOfHostMemory is the error returned when host-side allocation fails
var ErrOutOfHostMemory error = errors.New("the host is out of memory")

// ErrNoSuitableMemoryType is the error returned when no memory type
// matches an allocation's required property flags
var ErrNoSuitableMemoryType error = errors.New("no memory type satisfies the required property flags")

// ErrArenaExhausted is the error returned when a transient arena cannot
// fit an allocation in the space remaining before its next reset
var ErrArenaExhausted error = errors.New("the transient arena is exhausted for this frame")
