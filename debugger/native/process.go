package native

import (
	"fmt"
	"sort"

	"github.com/pattyshack/rda/debugger/breakpoint"
	. "github.com/pattyshack/rda/debugger/common"
	"github.com/pattyshack/rda/debugger/config"
	"github.com/pattyshack/rda/debugger/debugregs"
	"github.com/pattyshack/rda/procfs"
	"github.com/pattyshack/rda/ptrace"
)

// An attached linux/x64 process.  Implements breakpoint.Process.  Every
// thread of the process is individually traced; threads created after
// attach raise a clone stop and are picked up by RefreshThreads.
type Process struct {
	koid ProcessId

	tracer *ptrace.Tracer

	allocator debugregs.Allocator

	threads map[ThreadId]*Thread
}

func AttachToProcess(pid int, conf config.Config) (*Process, error) {
	allocator, err := conf.NewAllocator(debugregs.X64)
	if err != nil {
		return nil, err
	}

	tracer, err := ptrace.AttachToProcess(pid)
	if err != nil {
		return nil, err
	}

	err = setupThreadTracer(tracer)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	process := &Process{
		koid:      ProcessId(pid),
		tracer:    tracer,
		allocator: allocator,
		threads: map[ThreadId]*Thread{
			ThreadId(pid): newThread(ThreadId(pid), tracer),
		},
	}

	err = process.RefreshThreads()
	if err != nil {
		tracer.Close()
		return nil, err
	}

	return process, nil
}

// Consumes the attach stop, enables clone tracing, and leaves the thread
// running.  Debug register mutation re-stops the thread on demand.
func setupThreadTracer(tracer *ptrace.Tracer) error {
	err := tracer.WaitForStop()
	if err != nil {
		return err
	}

	err = tracer.SetOptions(ptrace.O_TRACECLONE)
	if err != nil {
		return err
	}

	return tracer.Resume(0)
}

func (process *Process) Koid() ProcessId {
	return process.koid
}

func (process *Process) Allocator() debugregs.Allocator {
	return process.allocator
}

func (process *Process) Threads() []breakpoint.ThreadHandle {
	ids := make([]ThreadId, 0, len(process.threads))
	for id := range process.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })

	threads := make([]breakpoint.ThreadHandle, 0, len(ids))
	for _, id := range ids {
		threads = append(threads, process.threads[id])
	}
	return threads
}

func (process *Process) Thread(id ThreadId) (breakpoint.ThreadHandle, bool) {
	thread, ok := process.threads[id]
	if !ok {
		return nil, false
	}
	return thread, true
}

// Reconciles the traced thread set against /proc.  Newly-spawned threads
// are attached; exited threads are forgotten.  Callers follow up with a
// registry update pass so installations track the live set.
func (process *Process) RefreshThreads() error {
	tids, err := procfs.ListThreadIds(int(process.koid))
	if err != nil {
		return fmt.Errorf(
			"failed to refresh threads of process %d: %w",
			process.koid,
			err)
	}

	live := map[ThreadId]struct{}{}
	for _, tid := range tids {
		koid := ThreadId(tid)
		live[koid] = struct{}{}

		_, ok := process.threads[koid]
		if ok {
			continue
		}

		tracer, err := process.tracer.AttachThread(tid)
		if err != nil {
			// The thread exited between listing and attach.
			log.Warnf("failed to attach to thread %d: %v", tid, err)
			continue
		}

		err = setupThreadTracer(tracer)
		if err != nil {
			log.Warnf("failed to set up tracing for thread %d: %v", tid, err)
			continue
		}

		process.threads[koid] = newThread(koid, tracer)
	}

	for koid := range process.threads {
		_, ok := live[koid]
		if !ok {
			delete(process.threads, koid)
		}
	}

	return nil
}

// Detaches every traced thread, the main thread last (detaching the process
// tracer shuts down the ptrace server).
func (process *Process) Detach() error {
	mainKoid := ThreadId(process.koid)

	for koid, thread := range process.threads {
		if koid == mainKoid {
			continue
		}

		err := thread.tracer.Detach()
		if err != nil {
			log.Warnf("failed to detach from thread %d: %v", koid, err)
		}
		delete(process.threads, koid)
	}

	delete(process.threads, mainKoid)
	return process.tracer.Close()
}
