package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		switch req.opType {
		case attachOp:
			req.responseChan <- server.attach(req)
		case detachOp:
			req.responseChan <- server.detach(req)
			if req.tid == req.tgid {
				// Detaching the process shuts down the server.  Thread
				// tracers only detach their own task.
				return
			}
		case resumeOp:
			req.responseChan <- server.resume(req)
		case stopOp:
			req.responseChan <- server.stop(req)
		case waitStopOp:
			req.responseChan <- server.waitStop(req)
		case setOptionsOp:
			req.responseChan <- server.setOptions(req)
		case getRegsOp:
			req.responseChan <- server.getRegs(req)
		case peekUserOp:
			req.responseChan <- server.peekUser(req)
		case pokeUserOp:
			req.responseChan <- server.pokeUser(req)
		case readMemoryOp:
			req.responseChan <- server.readMemory(req)
		case getSigInfoOp:
			req.responseChan <- server.getSigInfo(req)
		}
	}
}

func (server *traceServer) attach(req request) response {
	err := syscall.PtraceAttach(req.tid)
	if err != nil {
		err = fmt.Errorf("failed to attach to thread %d: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.tid)
	if err != nil {
		err = fmt.Errorf("failed to detach from thread %d: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) resume(req request) response {
	err := syscall.PtraceCont(req.tid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to resume thread %d: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

// Signals the target thread with SIGSTOP and waits for the stop to be
// delivered.  tgkill targets the single task rather than the thread group.
func (server *traceServer) stop(req request) response {
	err := unix.Tgkill(req.tgid, req.tid, unix.SIGSTOP)
	if err == nil {
		status := unix.WaitStatus(0)
		_, err = unix.Wait4(req.tid, &status, unix.WALL, nil)
	}

	if err != nil {
		err = fmt.Errorf("failed to stop thread %d: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

// Waits for an already-pending stop (e.g. the SIGSTOP queued by
// PTRACE_ATTACH) without signaling the thread.
func (server *traceServer) waitStop(req request) response {
	status := unix.WaitStatus(0)
	_, err := unix.Wait4(req.tid, &status, unix.WALL, nil)
	if err != nil {
		err = fmt.Errorf("failed to wait for thread %d to stop: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setOptions(req request) response {
	err := syscall.PtraceSetOptions(req.tid, int(req.options))
	if err != nil {
		err = fmt.Errorf("failed to set options for thread %d: %w", req.tid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegs(req request) response {
	err := syscall.PtraceGetRegs(req.tid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get general register values from thread %d: %w",
			req.tid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) peekUser(req request) response {
	data, err := peekUserArea(req.tid, req.offset)

	resp := response{}
	if err == nil {
		resp.registerData = data
	} else {
		resp.err = fmt.Errorf(
			"failed to peek user area (%d) for thread %d: %w",
			req.offset,
			req.tid,
			err)
	}

	return resp
}

func (server *traceServer) pokeUser(req request) response {
	err := pokeUserArea(req.tid, req.offset, req.registerData)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke user area (%d ; %d) for thread %d: %w",
			req.offset,
			req.registerData,
			req.tid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.tgid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at %d (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.tgid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) getSigInfo(req request) response {
	out := &SigInfo{}
	err := getSigInfo(req.tid, out)
	if err != nil {
		out = nil
		err = fmt.Errorf(
			"failed to get signal information from thread %d: %w",
			req.tid,
			err)
	}

	return response{
		sigInfo: out,
		err:     err,
	}
}
