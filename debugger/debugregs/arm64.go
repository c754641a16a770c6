package debugregs

import (
	"fmt"
	"math/bits"

	. "github.com/pattyshack/rda/debugger/common"
)

// ARMv8 hardware may expose up to sixteen breakpoint and sixteen watchpoint
// register pairs.  The usable counts are reported by the hardware descriptor
// (ID_AA64DFR0_EL1) and passed in through the allocator.
const Arm64MaxSlotCount = 16

const (
	// DBGBCR / DBGWCR enable bit.
	arm64ControlEnable = uint32(1)

	// Privilege mode bits 1-2: EL0 only.
	arm64ControlPMCEL0 = uint32(0b10) << 1

	// DBGBCR byte-address-select bits 5-8: match the full A64 instruction.
	arm64BreakControlBAS = uint32(0b1111) << 5

	// DBGWCR load/store control bits 3-4.
	arm64WatchControlStore     = uint32(0b10) << 3
	arm64WatchControlLoadStore = uint32(0b11) << 3

	// DBGWCR byte-address-select field, bits 5-12.
	arm64WatchControlBASShift = 5

	// DBGWVR addresses are doubleword aligned; the low three bits are
	// selected through the BAS mask instead.
	arm64WatchBaseAlignment = 8
)

// One DBGBCR / DBGBVR register pair.
type Arm64BreakSlot struct {
	Enabled bool
	Address VirtualAddress
}

func (slot Arm64BreakSlot) DBGBCR() uint32 {
	if !slot.Enabled {
		return 0
	}
	return arm64BreakControlBAS | arm64ControlPMCEL0 | arm64ControlEnable
}

func (slot Arm64BreakSlot) DBGBVR() uint64 {
	if !slot.Enabled {
		return 0
	}
	return uint64(slot.Address)
}

// One DBGWCR / DBGWVR register pair.
type Arm64WatchSlot struct {
	Enabled bool

	// Doubleword-aligned DBGWVR value.
	Base VirtualAddress

	// Byte-address-select mask: bit i is set iff byte (Base + i) is watched.
	// Always a contiguous run of bits for ranges produced by the codec.
	BAS uint8

	// WriteMode or ReadWriteMode.
	Mode AccessMode
}

func (slot Arm64WatchSlot) DBGWCR() uint32 {
	if !slot.Enabled {
		return 0
	}

	control := arm64ControlPMCEL0 | arm64ControlEnable
	control |= uint32(slot.BAS) << arm64WatchControlBASShift

	switch slot.Mode {
	case WriteMode:
		control |= arm64WatchControlStore
	case ReadWriteMode:
		control |= arm64WatchControlLoadStore
	default:
		panic("should never happen")
	}

	return control
}

func (slot Arm64WatchSlot) DBGWVR() uint64 {
	if !slot.Enabled {
		return 0
	}
	return uint64(slot.Base)
}

// The concrete watched range selected by the BAS mask.
func (slot Arm64WatchSlot) InstalledRange() AddressRange {
	if !slot.Enabled || slot.BAS == 0 {
		return AddressRange{}
	}

	offset := bits.TrailingZeros8(slot.BAS)
	size := bits.OnesCount8(slot.BAS)
	return NewAddressRange(
		slot.Base+VirtualAddress(offset),
		uint64(size))
}

// In-memory snapshot of a thread's arm64 debug register state.  Mutated only
// through the codec operations; never partially mutated on failure.
type Arm64Snapshot struct {
	Breaks  [Arm64MaxSlotCount]Arm64BreakSlot
	Watches [Arm64MaxSlotCount]Arm64WatchSlot
}

func (snapshot *Arm64Snapshot) SetupHWBreakpoint(
	address VirtualAddress,
	slotCount int,
) error {
	if slotCount < 1 || slotCount > Arm64MaxSlotCount {
		return fmt.Errorf(
			"%w. invalid arm64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	// A64 instructions are word aligned.
	if uint64(address)%4 != 0 {
		return fmt.Errorf(
			"%w. breakpoint address (%s) not instruction aligned",
			ErrOutOfRange,
			address)
	}

	for idx := 0; idx < slotCount; idx++ {
		slot := snapshot.Breaks[idx]
		if slot.Enabled && slot.Address == address {
			return nil // already installed
		}
	}

	for idx := 0; idx < slotCount; idx++ {
		if !snapshot.Breaks[idx].Enabled {
			snapshot.Breaks[idx] = Arm64BreakSlot{
				Enabled: true,
				Address: address,
			}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. cannot install breakpoint at %s",
		ErrNoResources,
		address)
}

func (snapshot *Arm64Snapshot) RemoveHWBreakpoint(
	address VirtualAddress,
	slotCount int,
) error {
	if slotCount < 1 || slotCount > Arm64MaxSlotCount {
		return fmt.Errorf(
			"%w. invalid arm64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	for idx := 0; idx < slotCount; idx++ {
		slot := snapshot.Breaks[idx]
		if slot.Enabled && slot.Address == address {
			snapshot.Breaks[idx] = Arm64BreakSlot{}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. no breakpoint installed at %s",
		ErrOutOfRange,
		address)
}

func (snapshot *Arm64Snapshot) SetupWatchpoint(
	mode AccessMode,
	requested AddressRange,
	slotCount int,
) (
	WatchpointInstallation,
	error,
) {
	none := WatchpointInstallation{SlotIndex: NoSlot}

	if slotCount < 1 || slotCount > Arm64MaxSlotCount {
		return none, fmt.Errorf(
			"%w. invalid arm64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	if mode != WriteMode && mode != ReadWriteMode {
		return none, fmt.Errorf(
			"%w. invalid watch mode (%s)",
			ErrInvalidArgument,
			mode)
	}

	err := validateWatchRange(requested)
	if err != nil {
		return none, err
	}

	// Natural alignment guarantees the range never straddles a doubleword
	// boundary, so a single BAS mask always covers it.
	base := requested.Low &^ (arm64WatchBaseAlignment - 1)
	offset := uint(requested.Low) % arm64WatchBaseAlignment
	bas := uint8((1<<requested.Size())-1) << offset

	for idx := 0; idx < slotCount; idx++ {
		slot := snapshot.Watches[idx]
		if slot.Enabled && slot.InstalledRange() == requested {
			return none, fmt.Errorf(
				"%w. watchpoint already installed at %s",
				ErrAlreadyBound,
				requested)
		}
	}

	for idx := 0; idx < slotCount; idx++ {
		if !snapshot.Watches[idx].Enabled {
			snapshot.Watches[idx] = Arm64WatchSlot{
				Enabled: true,
				Base:    base,
				BAS:     bas,
				Mode:    mode,
			}
			return WatchpointInstallation{
				InstalledRange: requested,
				SlotIndex:      idx,
			}, nil
		}
	}

	return none, fmt.Errorf(
		"%w. cannot install watchpoint at %s",
		ErrNoResources,
		requested)
}

func (snapshot *Arm64Snapshot) RemoveWatchpoint(
	installed AddressRange,
	slotCount int,
) error {
	if slotCount < 1 || slotCount > Arm64MaxSlotCount {
		return fmt.Errorf(
			"%w. invalid arm64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	for idx := 0; idx < slotCount; idx++ {
		slot := snapshot.Watches[idx]
		if slot.Enabled && slot.InstalledRange() == installed {
			snapshot.Watches[idx] = Arm64WatchSlot{}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. no watchpoint installed at %s",
		ErrOutOfRange,
		installed)
}
