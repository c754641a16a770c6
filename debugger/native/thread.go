package native

import (
	"fmt"
	"reflect"

	"github.com/pattyshack/rda/debugger/breakpoint"
	. "github.com/pattyshack/rda/debugger/common"
	"github.com/pattyshack/rda/debugger/debugregs"
	"github.com/pattyshack/rda/ptrace"
)

var userDebugRegistersOffset uintptr

func init() {
	user := ptrace.User{}
	userType := reflect.TypeOf(user)

	field, ok := userType.FieldByName("UDebugReg")
	if !ok {
		panic("should never happen")
	}
	userDebugRegistersOffset = field.Offset
}

func debugRegisterOffset(idx int) uintptr {
	return userDebugRegistersOffset + uintptr(idx)*8
}

type suspendToken struct {
	thread *Thread
}

func (token *suspendToken) Release() {
	err := token.thread.tracer.Resume(0)
	if err != nil {
		// Most likely the thread exited while suspended.
		log.Warnf("failed to resume thread %d: %v", token.thread.koid, err)
	}
}

// A linux/x64 task.  Implements breakpoint.ThreadHandle: the thread's debug
// registers are accessed through the user area while the task is in a
// ptrace stop.
type Thread struct {
	koid ThreadId

	tracer *ptrace.Tracer
}

func newThread(koid ThreadId, tracer *ptrace.Tracer) *Thread {
	return &Thread{
		koid:   koid,
		tracer: tracer,
	}
}

func (thread *Thread) Koid() ThreadId {
	return thread.koid
}

func (thread *Thread) Suspend() (breakpoint.SuspendToken, error) {
	err := thread.tracer.Stop()
	if err != nil {
		return nil, err
	}

	return &suspendToken{thread}, nil
}

func (thread *Thread) ReadDebugRegisters() (debugregs.Snapshot, error) {
	dr := [8]uint64{}
	for idx := 0; idx < len(dr); idx++ {
		data, err := thread.tracer.PeekUserArea(debugRegisterOffset(idx))
		if err != nil {
			return nil, err
		}

		dr[idx] = uint64(data)
	}

	snapshot, err := debugregs.DecodeX64(dr)
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (thread *Thread) WriteDebugRegisters(
	snapshot debugregs.Snapshot,
) error {
	x64, ok := snapshot.(*debugregs.X64Snapshot)
	if !ok {
		return fmt.Errorf(
			"%w. expected an x64 debug register snapshot",
			ErrInvalidArgument)
	}

	dr := x64.EncodeRegisters()
	for idx, value := range dr {
		if idx == 4 || idx == 5 {
			// dr4 and dr5 are obsolete aliases of dr6 and dr7.
			continue
		}

		err := thread.tracer.PokeUserArea(
			debugRegisterOffset(idx),
			uintptr(value))
		if err != nil {
			return err
		}
	}

	return nil
}

// The slot indexes recorded in dr6 for the current debug exception.
func (thread *Thread) TriggeredSlots() ([]int, error) {
	data, err := thread.tracer.PeekUserArea(debugRegisterOffset(6))
	if err != nil {
		return nil, err
	}

	return debugregs.TriggeredSlots(uint64(data)), nil
}

// dr6 is sticky; the kernel does not clear it between exceptions.
func (thread *Thread) ClearTriggeredSlots() error {
	return thread.tracer.PokeUserArea(debugRegisterOffset(6), 0)
}
