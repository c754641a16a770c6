package ptrace

import (
	"fmt"
)

// NOTE: ptrace is implemented as a single os-threaded server serving Tracer
// clients in arbitrary goroutines since all ptrace calls to a process (and
// its threads) must originate from the same os thread.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
//
// Thread tracers share their process tracer's server: linux attaches per
// task, so each thread of a traced process gets its own Tracer, all funneled
// through the one server thread.
type Tracer struct {
	// Thread group (process) id.  Equal to Tid for the process tracer.
	Tgid int

	// Target task id.
	Tid int

	server *traceServer

	parent *Tracer // set for thread tracers
}

// Attaches to the process' main thread and starts the server thread.
func AttachToProcess(pid int) (*Tracer, error) {
	server := newTraceServer()

	tracer := &Tracer{
		Tgid:   pid,
		Tid:    pid,
		server: server,
	}

	_, err := tracer.send(request{
		opType: attachOp,
	})
	if err != nil {
		close(server.requestChan) // shutdown server
		return nil, err
	}

	return tracer, nil
}

// Attaches to one thread of the traced process.  Threads spawned after
// attach are not traced automatically unless O_TRACECLONE was set.
func (tracer *Tracer) AttachThread(tid int) (*Tracer, error) {
	threadTracer := tracer.TraceThread(tid)

	_, err := threadTracer.send(request{
		opType: attachOp,
	})
	if err != nil {
		return nil, err
	}

	return threadTracer, nil
}

// A tracer for a thread that is already traced (e.g. auto-attached via
// O_TRACECLONE).
func (tracer *Tracer) TraceThread(tid int) *Tracer {
	return &Tracer{
		Tgid:   tracer.Tgid,
		Tid:    tid,
		server: tracer.server,
		parent: tracer,
	}
}

func (tracer *Tracer) Close() error {
	select {
	case <-tracer.server.ctx.Done():
		return nil
	default:
		return tracer.Detach()
	}
}

func (tracer *Tracer) send(req request) (response, error) {
	respChan := make(chan response, 1)
	req.tgid = tracer.Tgid
	req.tid = tracer.Tid
	req.responseChan = respChan

	select {
	case <-tracer.server.ctx.Done():
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			tracer.Tgid)
	case tracer.server.requestChan <- req:
		resp := <-respChan
		return resp, resp.err
	}
}

// Detaching the process tracer shuts down the server.  Thread tracers
// detach only their own task.
func (tracer *Tracer) Detach() error {
	_, err := tracer.send(request{
		opType: detachOp,
	})
	return err
}

func (tracer *Tracer) Resume(signal int) error {
	_, err := tracer.send(request{
		opType: resumeOp,
		signal: signal,
	})
	return err
}

// Stops the target thread and waits for the stop to be delivered.  The
// thread stays stopped until Resume.
func (tracer *Tracer) Stop() error {
	_, err := tracer.send(request{
		opType: stopOp,
	})
	return err
}

// Waits for an already-pending stop (e.g. the SIGSTOP queued by attach)
// without signaling the thread.
func (tracer *Tracer) WaitForStop() error {
	_, err := tracer.send(request{
		opType: waitStopOp,
	})
	return err
}

func (tracer *Tracer) SetOptions(options Options) error {
	_, err := tracer.send(request{
		opType:  setOptionsOp,
		options: options,
	})
	return err
}

func (tracer *Tracer) GetGeneralRegisters() (*UserRegs, error) {
	out := &UserRegs{}
	_, err := tracer.send(request{
		opType: getRegsOp,
		regs:   out,
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (tracer *Tracer) PeekUserArea(offset uintptr) (uintptr, error) {
	resp, err := tracer.send(request{
		opType: peekUserOp,
		offset: offset,
	})

	return resp.registerData, err
}

func (tracer *Tracer) PokeUserArea(offset uintptr, data uintptr) error {
	_, err := tracer.send(request{
		opType:       pokeUserOp,
		offset:       offset,
		registerData: data,
	})

	return err
}

// Reads the traced process' virtual memory via process_vm_readv.  This is
// included as part of the tracer since the read permission is governed by
// ptrace.
func (tracer *Tracer) ReadFromVirtualMemory(
	addr uintptr,
	data []byte,
) (
	int,
	error,
) {
	resp, err := tracer.send(request{
		opType: readMemoryOp,
		addr:   addr,
		data:   data,
	})

	return resp.count, err
}

func (tracer *Tracer) GetSigInfo() (*SigInfo, error) {
	resp, err := tracer.send(request{
		opType: getSigInfoOp,
	})
	return resp.sigInfo, err
}
