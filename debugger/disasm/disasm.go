package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	. "github.com/pattyshack/rda/debugger/common"
)

// The architectural maximum x64 instruction length.  Callers reading
// instruction bytes at a faulting pc size their buffer with this.
const MaxInstructionLength = 15

// A watch trap reports which debug register slot fired, not whether the
// faulting instruction stored or merely loaded.  Classifying the instruction
// lets the exception path tell write owners apart from read/write owners on
// a shared range.
//
// code holds the instruction bytes at the faulting pc (up to 15 bytes).
// Returns WriteMode when the instruction stores to memory, ReadWriteMode
// otherwise.  Instructions that x86asm cannot decode classify as
// ReadWriteMode without error since read/write owners subsume write owners.
func ClassifyAccess(code []byte) (AccessMode, error) {
	if len(code) == 0 {
		return "", fmt.Errorf("%w. no instruction bytes", ErrInvalidArgument)
	}

	if len(code) > MaxInstructionLength {
		code = code[:MaxInstructionLength]
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return ReadWriteMode, nil
	}

	if writesMemory(inst) {
		return WriteMode, nil
	}

	return ReadWriteMode, nil
}

// Reports whether the instruction stores to its memory operand.  x86asm does
// not expose operand access direction, so this keys off the instruction
// family: for the common data-movement and read-modify-write ops, a memory
// first operand is a destination.  Compare-style ops never write their
// operands.
func writesMemory(inst x86asm.Inst) bool {
	if len(inst.Args) == 0 {
		return false
	}

	switch inst.Op {
	case x86asm.CMP, x86asm.TEST, x86asm.BT, x86asm.PREFETCHNTA,
		x86asm.PREFETCHT0, x86asm.PREFETCHT1, x86asm.PREFETCHT2:
		return false
	case x86asm.PUSH, x86asm.CALL:
		// Implicit store through the stack pointer.
		return true
	}

	_, ok := inst.Args[0].(x86asm.Mem)
	return ok
}
