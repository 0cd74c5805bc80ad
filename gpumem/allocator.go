// Package gpumem adapts device memory management to the renderer's needs:
// long-lived allocations placed by residency intent, memory-type selection,
// and per-frame transient arenas that recycle in bulk.
package gpumem

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// UsageFlags describe what an allocation backs, so the allocator can make
// placement decisions such as giving render targets dedicated blocks
type UsageFlags int32

var usageFlagsMapping = common.NewFlagStringMapping[UsageFlags]()

func (f UsageFlags) Register(str string) {
	usageFlagsMapping.Register(f, str)
}
func (f UsageFlags) String() string {
	return usageFlagsMapping.FlagsToString(f)
}

const (
	// UsageMeshletData backs meshlet and vertex storage buffers read by
	// task and mesh shaders
	UsageMeshletData UsageFlags = 1 << iota
	// UsageUniformData backs uniform buffers
	UsageUniformData
	// UsageTransientData backs per-frame staging and transient payloads
	UsageTransientData
	// UsageRenderTarget backs color and depth attachments; these prefer
	// dedicated memory blocks
	UsageRenderTarget
)

func init() {
	UsageMeshletData.Register("UsageMeshletData")
	UsageUniformData.Register("UsageUniformData")
	UsageTransientData.Register("UsageTransientData")
	UsageRenderTarget.Register("UsageRenderTarget")
}

// Residency states where an allocation needs to live and how the host
// accesses it. The renderer requests intent; the allocator picks the
// memory type.
type Residency int32

const (
	// ResidencyDeviceLocal is GPU-only memory for render targets, meshlet
	// buffers and anything the host never touches
	ResidencyDeviceLocal Residency = iota
	// ResidencyHostVisibleCoherent is mappable memory the host writes
	// sequentially each frame, uncached and write-combined
	ResidencyHostVisibleCoherent
	// ResidencyHostVisibleCached is mappable memory the host reads back
	// from, such as query results
	ResidencyHostVisibleCached
)

func (r Residency) String() string {
	switch r {
	case ResidencyDeviceLocal:
		return "DeviceLocal"
	case ResidencyHostVisibleCoherent:
		return "HostVisibleCoherent"
	case ResidencyHostVisibleCached:
		return "HostVisibleCached"
	}
	return "UnknownResidency"
}

// Allocation is one placed block of device memory
type Allocation interface {
	Size() int
	Free() error
}

// Allocator places device memory by size, alignment, usage and residency
// intent
type Allocator interface {
	Allocate(size int, alignment uint, usage UsageFlags, residency Residency) (Allocation, error)
}

// FindMemoryTypeIndex selects the best memory type from the device's
// advertised types. Types outside typeBits or missing a required flag are
// skipped; among the rest, the type missing the fewest preferred flags
// wins, ties going to the lower index.
func FindMemoryTypeIndex(
	memoryTypes []core1_0.MemoryType,
	typeBits uint32,
	requiredFlags, preferredFlags core1_0.MemoryPropertyFlags,
) (int, error) {
	bestIndex := -1
	bestCost := bits.UintSize

	for typeIndex, memoryType := range memoryTypes {
		if typeBits&(1<<typeIndex) == 0 {
			continue
		}

		flags := memoryType.PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		cost := bits.OnesCount32(uint32(preferredFlags & ^flags))
		if cost == 0 {
			return typeIndex, nil
		}
		if cost < bestCost {
			bestIndex = typeIndex
			bestCost = cost
		}
	}

	if bestIndex < 0 {
		return -1, cerrors.Wrapf(ErrNoSuitableMemoryType,
			"required flags %s within type bits 0x%x", requiredFlags, typeBits)
	}
	return bestIndex, nil
}
