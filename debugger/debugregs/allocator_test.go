package debugregs

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/rda/debugger/common"
)

type AllocatorSuite struct{}

func TestAllocator(t *testing.T) {
	suite.RunTests(t, &AllocatorSuite{})
}

func (AllocatorSuite) TestX64SlotCountValidation(t *testing.T) {
	_, err := NewAllocator(X64, 4, 4)
	expect.Nil(t, err)

	_, err = NewAllocator(X64, 2, 4)
	expect.Error(t, err, "x64 exposes exactly 4 debug register slots")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewAllocator(X64, 4, 8)
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (AllocatorSuite) TestArm64SlotCountValidation(t *testing.T) {
	_, err := NewAllocator(Arm64, 6, 4)
	expect.Nil(t, err)

	_, err = NewAllocator(Arm64, 16, 16)
	expect.Nil(t, err)

	_, err = NewAllocator(Arm64, 0, 4)
	expect.Error(t, err, "invalid arm64 breakpoint slot count")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewAllocator(Arm64, 4, 17)
	expect.Error(t, err, "invalid arm64 watchpoint slot count")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (AllocatorSuite) TestUnsupportedArch(t *testing.T) {
	_, err := NewAllocator(Arch("riscv"), 4, 4)
	expect.Error(t, err, "unsupported architecture")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (AllocatorSuite) TestSnapshotSelection(t *testing.T) {
	allocator, err := NewAllocator(X64, 4, 4)
	expect.Nil(t, err)

	_, ok := allocator.NewSnapshot().(*X64Snapshot)
	expect.True(t, ok)

	allocator, err = NewAllocator(Arm64, 4, 4)
	expect.Nil(t, err)

	_, ok = allocator.NewSnapshot().(*Arm64Snapshot)
	expect.True(t, ok)
}

func (AllocatorSuite) TestAllocatorAppliesSlotCounts(t *testing.T) {
	allocator, err := NewAllocator(Arm64, 2, 1)
	expect.Nil(t, err)
	expect.Equal(t, 2, allocator.HWBreakpointSlotCount())
	expect.Equal(t, 1, allocator.WatchpointSlotCount())

	snapshot := allocator.NewSnapshot()

	err = allocator.SetupHWBreakpoint(snapshot, 0x1000)
	expect.Nil(t, err)
	err = allocator.SetupHWBreakpoint(snapshot, 0x2000)
	expect.Nil(t, err)
	err = allocator.SetupHWBreakpoint(snapshot, 0x3000)
	expect.True(t, errors.Is(err, ErrNoResources))

	installation, err := allocator.SetupWatchpoint(
		snapshot,
		WriteMode,
		NewAddressRange(0x4000, 4))
	expect.Nil(t, err)
	expect.Equal(t, 0, installation.SlotIndex)

	_, err = allocator.SetupWatchpoint(
		snapshot,
		WriteMode,
		NewAddressRange(0x5000, 4))
	expect.True(t, errors.Is(err, ErrNoResources))

	err = allocator.RemoveHWBreakpoint(snapshot, 0x1000)
	expect.Nil(t, err)

	err = allocator.RemoveWatchpoint(snapshot, NewAddressRange(0x4000, 4))
	expect.Nil(t, err)

	err = allocator.RemoveWatchpoint(snapshot, NewAddressRange(0x4000, 4))
	expect.True(t, errors.Is(err, ErrOutOfRange))
}
