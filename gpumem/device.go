package gpumem

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// DeviceAllocatorOptions contains optional settings when creating a
// DeviceAllocator
type DeviceAllocatorOptions struct {
	// PreferredBlockSize is the block size to use when carving suballocations
	// out of large heaps; 0 uses the underlying allocator's default
	PreferredBlockSize int
}

// DeviceAllocator places allocations through a suballocating device-memory
// allocator. It is safe for concurrent use.
type DeviceAllocator struct {
	logger    *slog.Logger
	allocator *vam.Allocator
}

// NewDeviceAllocator builds the allocator for a logical device
func NewDeviceAllocator(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	options DeviceAllocatorOptions,
) (*DeviceAllocator, error) {
	allocator, err := vam.New(logger, instance, physicalDevice, device, vam.CreateOptions{
		PreferredLargeHeapBlockSize: options.PreferredBlockSize,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "creating the device memory allocator")
	}

	return &DeviceAllocator{
		logger:    logger,
		allocator: allocator,
	}, nil
}

// Allocate places a block of the given size and alignment in memory
// matching the residency intent. Exhaustion errors match
// ErrOutOfDeviceMemory or ErrOutOfHostMemory via errors.Is.
func (d *DeviceAllocator) Allocate(size int, alignment uint, usage UsageFlags, residency Residency) (Allocation, error) {
	requirements := core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      int(alignment),
		MemoryTypeBits: math.MaxUint32,
	}

	allocation := &DeviceAllocation{usage: usage, residency: residency}
	res, err := d.allocator.AllocateMemory(&requirements, allocationCreateInfo(usage, residency), &allocation.allocation)
	if err != nil {
		return nil, wrapAllocateError(res, err, size, residency)
	}
	return allocation, nil
}

func allocationCreateInfo(usage UsageFlags, residency Residency) vam.AllocationCreateInfo {
	var createInfo vam.AllocationCreateInfo

	switch residency {
	case ResidencyHostVisibleCoherent:
		createInfo.Usage = vam.MemoryUsageAutoPreferDevice
		createInfo.Flags = memutils.AllocationCreateMapped | memutils.AllocationCreateHostAccessSequentialWrite
	case ResidencyHostVisibleCached:
		createInfo.Usage = vam.MemoryUsageAutoPreferHost
		createInfo.Flags = memutils.AllocationCreateMapped | memutils.AllocationCreateHostAccessRandom
	default:
		createInfo.Usage = vam.MemoryUsageAutoPreferDevice
	}

	// Attachments resize with the swapchain and churn on their own schedule,
	// so they get their own blocks instead of fragmenting shared ones
	if usage&UsageRenderTarget != 0 {
		createInfo.Flags |= memutils.AllocationCreateDedicatedMemory
	}

	return createInfo
}

func wrapAllocateError(res common.VkResult, err error, size int, residency Residency) error {
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return cerrors.Wrapf(ErrOutOfDeviceMemory, "allocating %d bytes of %s memory", size, residency)
	case core1_0.VKErrorOutOfHostMemory:
		return cerrors.Wrapf(ErrOutOfHostMemory, "allocating %d bytes of %s memory", size, residency)
	}
	return cerrors.Wrapf(err, "allocating %d bytes of %s memory", size, residency)
}

// Destroy tears down the allocator. Every allocation must have been freed
// first; the underlying allocator logs any that were leaked.
func (d *DeviceAllocator) Destroy() error {
	return d.allocator.Destroy()
}

// DeviceAllocation is one block placed by a DeviceAllocator
type DeviceAllocation struct {
	allocation vam.Allocation
	usage      UsageFlags
	residency  Residency
}

func (a *DeviceAllocation) Size() int            { return a.allocation.Size() }
func (a *DeviceAllocation) Alignment() uint      { return a.allocation.Alignment() }
func (a *DeviceAllocation) MemoryTypeIndex() int { return a.allocation.MemoryTypeIndex() }
func (a *DeviceAllocation) Usage() UsageFlags    { return a.usage }
func (a *DeviceAllocation) Residency() Residency { return a.residency }

// Map exposes the allocation to host writes. Only host-visible residencies
// can map.
func (a *DeviceAllocation) Map() (unsafe.Pointer, error) {
	ptr, _, err := a.allocation.Map()
	if err != nil {
		return nil, cerrors.Wrapf(err, "mapping a %s allocation", a.residency)
	}
	return ptr, nil
}

func (a *DeviceAllocation) Unmap() error {
	return a.allocation.Unmap()
}

// Free returns the block to the allocator
func (a *DeviceAllocation) Free() error {
	return a.allocation.Free()
}
