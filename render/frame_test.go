package render

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mantle/backend/backendtest"
	"golang.org/x/exp/slog"
)

func testRing(t *testing.T, device *backendtest.Device, options RingOptions) *Ring {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	ring, err := NewRing(logger, device, options)
	require.NoError(t, err)
	return ring
}

func TestRingCyclesSlots(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 2})
	defer ring.Destroy()

	for frameNumber := 0; frameNumber < 5; frameNumber++ {
		frame, err := ring.Acquire()
		require.NoError(t, err)
		require.Equal(t, uint64(frameNumber), frame.Number())
		require.Equal(t, frameNumber%2, frame.Index())

		require.NoError(t, frame.CommandBuffer().Begin())
		require.NoError(t, frame.CommandBuffer().End())
		require.NoError(t, ring.Submit(frame))
	}

	require.Equal(t, uint64(5), ring.FrameNumber())
	require.Equal(t, 5, device.GraphicsQueue().(*backendtest.Queue).SubmissionCount())
}

func TestRingBlocksUntilFrameRetires(t *testing.T) {
	device := backendtest.NewDevice()
	device.AutoComplete = false
	ring := testRing(t, device, RingOptions{
		Depth:          2,
		AcquireTimeout: 30 * time.Millisecond,
	})
	defer func() {
		device.WaitIdle()
		ring.Destroy()
	}()

	for frameNumber := 0; frameNumber < 2; frameNumber++ {
		frame, err := ring.Acquire()
		require.NoError(t, err)
		require.NoError(t, ring.Submit(frame))
	}

	// Both slots are in flight and the device has completed nothing
	_, err := ring.Acquire()
	require.ErrorIs(t, err, ErrDeviceLost)

	// Retiring the oldest frame frees its slot
	require.True(t, device.CompleteNext())
	frame, err := ring.Acquire()
	require.NoError(t, err)
	require.Equal(t, 0, frame.Index())
	require.NoError(t, ring.Submit(frame))
}

func TestRingRecyclesFrameResources(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 1, TransientArenaSize: 1024})
	defer ring.Destroy()

	frame, err := ring.Acquire()
	require.NoError(t, err)

	_, err = frame.Arena().Alloc(512, 16)
	require.NoError(t, err)
	frame.CommandBuffer().CmdDrawMeshTasks(1, 1, 1)
	require.NoError(t, ring.Submit(frame))

	// Depth 1 reuses the same slot immediately; the retired frame's arena
	// and command buffer must come back empty
	frame, err = ring.Acquire()
	require.NoError(t, err)
	require.Equal(t, 0, frame.Arena().Used())
	require.Empty(t, frame.CommandBuffer().(*backendtest.CommandBuffer).Commands)
	require.Equal(t, 512, frame.Arena().Peak())
}

func TestRingRejectsDoubleAcquire(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 1})
	defer ring.Destroy()

	_, err := ring.Acquire()
	require.NoError(t, err)

	_, err = ring.Acquire()
	require.Error(t, err)
}

func TestRingPresentSemaphores(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 1, Flags: RingPresentSemaphores})
	defer ring.Destroy()

	frame, err := ring.Acquire()
	require.NoError(t, err)
	require.NoError(t, ring.Submit(frame))

	queue := device.GraphicsQueue().(*backendtest.Queue)
	require.Len(t, queue.Submissions, 1)
	require.Equal(t, frame.ImageReadySemaphore(), queue.Submissions[0].WaitSemaphores[0])
	require.Equal(t, frame.RenderDoneSemaphore(), queue.Submissions[0].SignalSemaphores[0])
}

func TestRingWithoutPresentSemaphores(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 1})
	defer ring.Destroy()

	frame, err := ring.Acquire()
	require.NoError(t, err)
	require.NoError(t, ring.Submit(frame))

	queue := device.GraphicsQueue().(*backendtest.Queue)
	require.Empty(t, queue.Submissions[0].WaitSemaphores)
	require.Empty(t, queue.Submissions[0].SignalSemaphores)
}

func TestRingDestroyReleasesDeviceObjects(t *testing.T) {
	device := backendtest.NewDevice()
	ring := testRing(t, device, RingOptions{Depth: 3})

	frame, err := ring.Acquire()
	require.NoError(t, err)
	require.NoError(t, ring.Submit(frame))

	ring.Destroy()
	require.Zero(t, device.LiveObjects())
}
