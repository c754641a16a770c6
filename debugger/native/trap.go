package native

import (
	"fmt"

	. "github.com/pattyshack/rda/debugger/common"
	"github.com/pattyshack/rda/debugger/disasm"
)

// The decoded cause of a debug exception on one thread.
type TrapInfo struct {
	Thread ThreadId

	// Program counter at trap delivery.  For execution breakpoints this is
	// the breakpoint address (fault); for watchpoints it is the instruction
	// after the access (trap).
	PC VirtualAddress

	// Classified from the stop signal's si_code.  Only HardwareTrap stops
	// carry meaningful slot information.
	Kind TrapKind

	// Debug register slots recorded in dr6.
	Slots []int
}

// Reads and clears the thread's debug status for the current exception.
// The thread must be in a ptrace stop (it just trapped).
func (process *Process) InspectTrap(koid ThreadId) (TrapInfo, error) {
	thread, ok := process.threads[koid]
	if !ok {
		return TrapInfo{}, fmt.Errorf(
			"%w. unknown thread %d in process %d",
			ErrInvalidArgument,
			koid,
			process.koid)
	}

	sigInfo, err := thread.tracer.GetSigInfo()
	if err != nil {
		return TrapInfo{}, err
	}

	slots, err := thread.TriggeredSlots()
	if err != nil {
		return TrapInfo{}, err
	}

	regs, err := thread.tracer.GetGeneralRegisters()
	if err != nil {
		return TrapInfo{}, err
	}

	err = thread.ClearTriggeredSlots()
	if err != nil {
		return TrapInfo{}, err
	}

	return TrapInfo{
		Thread: koid,
		PC:     VirtualAddress(regs.Rip),
		Kind:   TrapCodeToKind(sigInfo.Code),
		Slots:  slots,
	}, nil
}

// Classifies the memory access direction of the instruction at the given
// address.  Used by watch trap dispatch to tell write owners apart from
// read/write owners sharing a range; dr6 does not record the access kind.
func (process *Process) AccessModeAt(pc VirtualAddress) (AccessMode, error) {
	code := make([]byte, disasm.MaxInstructionLength)
	n, err := process.tracer.ReadFromVirtualMemory(uintptr(pc), code)
	if err != nil {
		return "", err
	}

	return disasm.ClassifyAccess(code[:n])
}
