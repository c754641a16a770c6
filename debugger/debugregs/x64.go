package debugregs

import (
	"fmt"

	. "github.com/pattyshack/rda/debugger/common"
)

// x64 exposes four debug address registers (dr0 - dr3).  Execution
// breakpoints and watchpoints share the same four slots.
const X64SlotCount = 4

// A single dr0 - dr3 slot paired with its dr7 condition / size bits.
type X64Slot struct {
	Enabled bool
	Address VirtualAddress

	// ExecuteMode for hardware breakpoints, WriteMode / ReadWriteMode for
	// watchpoints.
	Mode AccessMode

	// 1 for execution breakpoints; 1, 2, 4, or 8 for watchpoints.
	WatchSize int
}

func (slot X64Slot) watchRange() AddressRange {
	return NewAddressRange(slot.Address, uint64(slot.WatchSize))
}

// In-memory snapshot of a thread's x64 debug register file.  Mutated only
// through the codec operations; never partially mutated on failure.
type X64Snapshot struct {
	Slots [X64SlotCount]X64Slot
}

// Encodes the slots into a dr7 control word.
//
// Control bits (least to most significant):
//   0:     dr0 local enabled
//   1:     dr0 global enabled (not applicable in linux)
//   2-7:   dr1 - dr3 local / global enabled
//   8-15:  reserved / not applicable
//   16-17: dr0 conditions
//   18-19: dr0 watch size
//   20-31: dr1 - dr3 conditions / watch sizes
//
// Condition bits:
//   0b00: instruction execution only
//   0b01: data write only
//   0b10: I/O reads and writes (not supported by linux)
//   0b11: data reads and writes
//
// Watch size bits:
//   0b00: 1 byte
//   0b01: 2 bytes
//   0b10: 8 bytes
//   0b11: 4 bytes
func (snapshot *X64Snapshot) EncodeDR7() uint64 {
	enabledBits := uint64(0)
	conditionBits := uint64(0)
	watchSizeBits := uint64(0)

	for idx, slot := range snapshot.Slots {
		if !slot.Enabled {
			continue
		}

		enabledBits |= 0b01 << (2 * idx)

		switch slot.Mode {
		case ExecuteMode:
			// do nothing.  The condition bits are 0b00 for execute
		case WriteMode:
			conditionBits |= 0b01 << (4 * idx)
		case ReadWriteMode:
			conditionBits |= 0b11 << (4 * idx)
		default:
			panic("should never happen")
		}

		switch slot.WatchSize {
		case 1:
			// do nothing.  The size bits are 0b00 for 1 byte
		case 2:
			watchSizeBits |= 0b01 << (4 * idx)
		case 4:
			watchSizeBits |= 0b11 << (4 * idx)
		case 8:
			watchSizeBits |= 0b10 << (4 * idx)
		default:
			panic("should never happen")
		}
	}

	conditionBits <<= 16
	watchSizeBits <<= 18

	return watchSizeBits | conditionBits | enabledBits
}

// Encodes the full dr0 - dr7 register block.  dr4 / dr5 are not real
// registers and dr6 (status) is left zero.
func (snapshot *X64Snapshot) EncodeRegisters() [8]uint64 {
	dr := [8]uint64{}
	for idx, slot := range snapshot.Slots {
		if slot.Enabled {
			dr[idx] = uint64(slot.Address)
		}
	}
	dr[7] = snapshot.EncodeDR7()
	return dr
}

// Reconstructs a snapshot from a thread's live dr0 - dr7 register block.
func DecodeX64(dr [8]uint64) (*X64Snapshot, error) {
	snapshot := &X64Snapshot{}
	dr7 := dr[7]

	for idx := 0; idx < X64SlotCount; idx++ {
		if dr7&(0b01<<(2*idx)) == 0 {
			continue
		}

		slot := X64Slot{
			Enabled: true,
			Address: VirtualAddress(dr[idx]),
		}

		switch (dr7 >> (16 + 4*idx)) & 0b11 {
		case 0b00:
			slot.Mode = ExecuteMode
		case 0b01:
			slot.Mode = WriteMode
		case 0b11:
			slot.Mode = ReadWriteMode
		default: // 0b10 I/O mode is not supported by linux
			return nil, fmt.Errorf(
				"%w. dr%d uses unsupported I/O read/write condition",
				ErrInvalidArgument,
				idx)
		}

		switch (dr7 >> (18 + 4*idx)) & 0b11 {
		case 0b00:
			slot.WatchSize = 1
		case 0b01:
			slot.WatchSize = 2
		case 0b10:
			slot.WatchSize = 8
		case 0b11:
			slot.WatchSize = 4
		}

		snapshot.Slots[idx] = slot
	}

	return snapshot, nil
}

// Returns the slot indexes flagged in a dr6 debug status word, lowest index
// first.  dr6 reports which slot triggered the pending hardware exception
// but not the access direction.
func TriggeredSlots(dr6 uint64) []int {
	triggered := []int{}
	for idx := 0; idx < X64SlotCount; idx++ {
		if dr6&(1<<idx) != 0 {
			triggered = append(triggered, idx)
		}
	}
	return triggered
}

func (snapshot *X64Snapshot) SetupHWBreakpoint(
	address VirtualAddress,
	slotCount int,
) error {
	if slotCount != X64SlotCount {
		return fmt.Errorf(
			"%w. invalid x64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	for _, slot := range snapshot.Slots {
		if slot.Enabled && slot.Mode == ExecuteMode && slot.Address == address {
			return nil // already installed
		}
	}

	for idx, slot := range snapshot.Slots {
		if !slot.Enabled {
			snapshot.Slots[idx] = X64Slot{
				Enabled:   true,
				Address:   address,
				Mode:      ExecuteMode,
				WatchSize: 1,
			}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. cannot install breakpoint at %s",
		ErrNoResources,
		address)
}

func (snapshot *X64Snapshot) RemoveHWBreakpoint(
	address VirtualAddress,
	slotCount int,
) error {
	if slotCount != X64SlotCount {
		return fmt.Errorf(
			"%w. invalid x64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	for idx, slot := range snapshot.Slots {
		if slot.Enabled && slot.Mode == ExecuteMode && slot.Address == address {
			snapshot.Slots[idx] = X64Slot{}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. no breakpoint installed at %s",
		ErrOutOfRange,
		address)
}

func (snapshot *X64Snapshot) SetupWatchpoint(
	mode AccessMode,
	requested AddressRange,
	slotCount int,
) (
	WatchpointInstallation,
	error,
) {
	none := WatchpointInstallation{SlotIndex: NoSlot}

	if slotCount != X64SlotCount {
		return none, fmt.Errorf(
			"%w. invalid x64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	if mode != WriteMode && mode != ReadWriteMode {
		return none, fmt.Errorf(
			"%w. invalid watch mode (%s)",
			ErrInvalidArgument,
			mode)
	}

	// x64 has no byte-address-select masking.  The range must exactly match
	// a representable (size, alignment) pair.
	err := validateWatchRange(requested)
	if err != nil {
		return none, err
	}

	for _, slot := range snapshot.Slots {
		if slot.Enabled &&
			slot.Mode != ExecuteMode &&
			slot.watchRange() == requested {

			return none, fmt.Errorf(
				"%w. watchpoint already installed at %s",
				ErrAlreadyBound,
				requested)
		}
	}

	for idx, slot := range snapshot.Slots {
		if !slot.Enabled {
			snapshot.Slots[idx] = X64Slot{
				Enabled:   true,
				Address:   requested.Low,
				Mode:      mode,
				WatchSize: int(requested.Size()),
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

func (snapshot *X64Snapshot) RemoveWatchpoint(
	installed AddressRange,
	slotCount int,
) error {
	if slotCount != X64SlotCount {
		return fmt.Errorf(
			"%w. invalid x64 slot count (%d)",
			ErrInvalidArgument,
			slotCount)
	}

	for idx, slot := range snapshot.Slots {
		if slot.Enabled &&
			slot.Mode != ExecuteMode &&
			slot.watchRange() == installed {

			snapshot.Slots[idx] = X64Slot{}
			return nil
		}
	}

	return fmt.Errorf(
		"%w. no watchpoint installed at %s",
		ErrOutOfRange,
		installed)
}
