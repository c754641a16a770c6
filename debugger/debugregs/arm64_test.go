package debugregs

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/rda/debugger/common"
)

type Arm64Suite struct{}

func TestArm64(t *testing.T) {
	suite.RunTests(t, &Arm64Suite{})
}

func (Arm64Suite) TestSetupBreakpointFirstFit(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	addresses := []VirtualAddress{0x1000, 0x2004, 0x3008, 0x400c}
	for idx, addr := range addresses {
		err := snapshot.SetupHWBreakpoint(addr, 4)
		expect.Nil(t, err)
		expect.True(t, snapshot.Breaks[idx].Enabled)
		expect.Equal(t, addr, snapshot.Breaks[idx].Address)
	}

	before := *snapshot

	err := snapshot.SetupHWBreakpoint(0x5000, 4)
	expect.Error(t, err, "no debug register slots available")
	expect.True(t, errors.Is(err, ErrNoResources))
	expect.Equal(t, before, *snapshot)

	// Slots beyond the usable count stay untouched even though the hardware
	// could expose them.
	expect.False(t, snapshot.Breaks[4].Enabled)
}

func (Arm64Suite) TestUsableSlotCountIsRuntimeParameter(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	for idx := 0; idx < 6; idx++ {
		err := snapshot.SetupHWBreakpoint(VirtualAddress(0x1000+4*idx), 6)
		expect.Nil(t, err)
	}

	err := snapshot.SetupHWBreakpoint(0x2000, 6)
	expect.True(t, errors.Is(err, ErrNoResources))
}

func (Arm64Suite) TestSetupBreakpointIdempotent(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	err := snapshot.SetupHWBreakpoint(0x1000, 4)
	expect.Nil(t, err)

	before := *snapshot

	err = snapshot.SetupHWBreakpoint(0x1000, 4)
	expect.Nil(t, err)
	expect.Equal(t, before, *snapshot)
}

func (Arm64Suite) TestSetupBreakpointMisaligned(t *testing.T) {
	snapshot := &Arm64Snapshot{}
	before := *snapshot

	err := snapshot.SetupHWBreakpoint(0x1002, 4)
	expect.Error(t, err, "not instruction aligned")
	expect.True(t, errors.Is(err, ErrOutOfRange))
	expect.Equal(t, before, *snapshot)
}

func (Arm64Suite) TestRemoveBreakpointReusesSlot(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	addresses := []VirtualAddress{0x1000, 0x2000, 0x3000, 0x4000}
	for _, addr := range addresses {
		err := snapshot.SetupHWBreakpoint(addr, 4)
		expect.Nil(t, err)
	}

	err := snapshot.RemoveHWBreakpoint(0x2000, 4)
	expect.Nil(t, err)
	expect.False(t, snapshot.Breaks[1].Enabled)

	err = snapshot.SetupHWBreakpoint(0x5000, 4)
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x5000), snapshot.Breaks[1].Address)
	expect.Equal(t, VirtualAddress(0x1000), snapshot.Breaks[0].Address)
	expect.Equal(t, VirtualAddress(0x3000), snapshot.Breaks[2].Address)
	expect.Equal(t, VirtualAddress(0x4000), snapshot.Breaks[3].Address)
}

func (Arm64Suite) TestRemoveBreakpointNotInstalled(t *testing.T) {
	snapshot := &Arm64Snapshot{}
	before := *snapshot

	err := snapshot.RemoveHWBreakpoint(0x1000, 4)
	expect.Error(t, err, "no breakpoint installed")
	expect.True(t, errors.Is(err, ErrOutOfRange))
	expect.Equal(t, before, *snapshot)
}

func (Arm64Suite) TestBreakControlEncoding(t *testing.T) {
	slot := Arm64BreakSlot{}
	expect.Equal(t, 0, slot.DBGBCR())
	expect.Equal(t, 0, slot.DBGBVR())

	slot = Arm64BreakSlot{
		Enabled: true,
		Address: 0x1000,
	}

	// BAS 0b1111 (bits 5-8), PMC EL0 0b10 (bits 1-2), enable (bit 0).
	expect.Equal(t, uint32(0b1_1110_0101), slot.DBGBCR())
	expect.Equal(t, 0x1000, slot.DBGBVR())
}

func (Arm64Suite) TestWatchBASRoundTrip(t *testing.T) {
	// For every aligned (address, size) pair, the installed range matches
	// the request and the BAS popcount matches the size.
	for _, size := range []uint64{1, 2, 4, 8} {
		for offset := uint64(0); offset+size <= 8; offset += size {
			snapshot := &Arm64Snapshot{}
			addr := VirtualAddress(0x10000 + offset)
			requested := NewAddressRange(addr, size)

			installation, err := snapshot.SetupWatchpoint(WriteMode, requested, 4)
			expect.Nil(t, err)
			expect.Equal(t, 0, installation.SlotIndex)
			expect.Equal(t, requested, installation.InstalledRange)

			slot := snapshot.Watches[0]
			expect.Equal(t, VirtualAddress(0x10000), slot.Base)
			expect.Equal(t, requested, slot.InstalledRange())

			expected := uint8((1<<size)-1) << offset
			expect.Equal(t, expected, slot.BAS)
		}
	}
}

func (Arm64Suite) TestWatchBASMaskBits(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	// 2 bytes at an address whose low bits are 0b10.
	installation, err := snapshot.SetupWatchpoint(
		WriteMode,
		NewAddressRange(0x2002, 2),
		4)
	expect.Nil(t, err)
	expect.Equal(t, NewAddressRange(0x2002, 2), installation.InstalledRange)

	slot := snapshot.Watches[0]
	expect.Equal(t, VirtualAddress(0x2000), slot.Base)
	expect.Equal(t, 0b00001100, slot.BAS)
}

func (Arm64Suite) TestWatchControlEncoding(t *testing.T) {
	slot := Arm64WatchSlot{}
	expect.Equal(t, 0, slot.DBGWCR())
	expect.Equal(t, 0, slot.DBGWVR())

	slot = Arm64WatchSlot{
		Enabled: true,
		Base:    0x2000,
		BAS:     0b00001100,
		Mode:    WriteMode,
	}

	// BAS 0b00001100 (bits 5-12), LSC store 0b10 (bits 3-4), PAC EL0 0b10
	// (bits 1-2), enable (bit 0).
	expect.Equal(t, uint32(0b0_0001_1001_0101), slot.DBGWCR())
	expect.Equal(t, 0x2000, slot.DBGWVR())

	slot.Mode = ReadWriteMode
	expect.Equal(t, uint32(0b0_0001_1001_1101), slot.DBGWCR())
}

func (Arm64Suite) TestWatchMisaligned(t *testing.T) {
	snapshot := &Arm64Snapshot{}
	before := *snapshot

	_, err := snapshot.SetupWatchpoint(WriteMode, NewAddressRange(0x2001, 2), 4)
	expect.Error(t, err, "not aligned with watch size")
	expect.True(t, errors.Is(err, ErrOutOfRange))
	expect.Equal(t, before, *snapshot)

	_, err = snapshot.SetupWatchpoint(WriteMode, NewAddressRange(0x2000, 5), 4)
	expect.Error(t, err, "invalid watch size")
	expect.True(t, errors.Is(err, ErrOutOfRange))
	expect.Equal(t, before, *snapshot)
}

func (Arm64Suite) TestWatchDuplicate(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	requested := NewAddressRange(0x2000, 4)

	installation, err := snapshot.SetupWatchpoint(WriteMode, requested, 4)
	expect.Nil(t, err)
	expect.Equal(t, 0, installation.SlotIndex)

	before := *snapshot

	_, err = snapshot.SetupWatchpoint(ReadWriteMode, requested, 4)
	expect.Error(t, err, "watchpoint already installed")
	expect.True(t, errors.Is(err, ErrAlreadyBound))
	expect.Equal(t, before, *snapshot)
	expect.False(t, snapshot.Watches[1].Enabled)
}

func (Arm64Suite) TestWatchOverlappingNotDeduplicated(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	_, err := snapshot.SetupWatchpoint(WriteMode, NewAddressRange(0x2000, 8), 4)
	expect.Nil(t, err)

	// Overlapping but not identical ranges occupy separate slots.
	installation, err := snapshot.SetupWatchpoint(
		WriteMode,
		NewAddressRange(0x2000, 4),
		4)
	expect.Nil(t, err)
	expect.Equal(t, 1, installation.SlotIndex)
}

func (Arm64Suite) TestWatchExhaustion(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	for idx := 0; idx < 4; idx++ {
		_, err := snapshot.SetupWatchpoint(
			WriteMode,
			NewAddressRange(VirtualAddress(0x3000+8*idx), 8),
			4)
		expect.Nil(t, err)
	}

	before := *snapshot

	_, err := snapshot.SetupWatchpoint(WriteMode, NewAddressRange(0x4000, 8), 4)
	expect.True(t, errors.Is(err, ErrNoResources))
	expect.Equal(t, before, *snapshot)
}

func (Arm64Suite) TestRemoveWatchMatchesInstalledRange(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	requested := NewAddressRange(0x2002, 2)

	_, err := snapshot.SetupWatchpoint(WriteMode, requested, 4)
	expect.Nil(t, err)

	before := *snapshot

	// The doubleword base is not the installed range.
	err = snapshot.RemoveWatchpoint(NewAddressRange(0x2000, 2), 4)
	expect.Error(t, err, "no watchpoint installed")
	expect.True(t, errors.Is(err, ErrOutOfRange))
	expect.Equal(t, before, *snapshot)

	err = snapshot.RemoveWatchpoint(requested, 4)
	expect.Nil(t, err)
	expect.False(t, snapshot.Watches[0].Enabled)
}

func (Arm64Suite) TestWatchpointsDoNotConsumeBreakSlots(t *testing.T) {
	snapshot := &Arm64Snapshot{}

	for idx := 0; idx < 4; idx++ {
		_, err := snapshot.SetupWatchpoint(
			WriteMode,
			NewAddressRange(VirtualAddress(0x3000+8*idx), 8),
			4)
		expect.Nil(t, err)
	}

	// Breakpoint slots are a separate register bank.
	err := snapshot.SetupHWBreakpoint(0x1000, 4)
	expect.Nil(t, err)
}
