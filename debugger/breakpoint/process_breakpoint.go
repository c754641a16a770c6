package breakpoint

import (
	"errors"
	"fmt"
	"sort"

	. "github.com/pattyshack/rda/debugger/common"
)

// Codec-level allocation failures are propagated to the caller so the user
// can free another installation and retry.  Everything else is a
// collaborator failure: logged, with the affected thread left uninstalled.
func isSlotError(err error) bool {
	return errors.Is(err, ErrNoResources) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrAlreadyBound) ||
		errors.Is(err, ErrInvalidArgument)
}

func sortedThreadIds(set map[ThreadId]struct{}) []ThreadId {
	ids := make([]ThreadId, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedTargetIds(targets map[ThreadId]ThreadHandle) []ThreadId {
	ids := make([]ThreadId, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Installed state for one (process, address) hardware breakpoint.  Owned
// exclusively by the registry; possibly shared by multiple Breakpoint
// aggregates.  Created when the first breakpoint references the address in
// the process, destroyed when the last reference is removed.
type ProcessBreakpoint struct {
	process Process
	address VirtualAddress

	// Owning breakpoints.  The registry destroys this entry when the set
	// empties.
	owners map[BreakpointId]*Breakpoint

	// Threads currently holding the hardware installation.
	installed map[ThreadId]struct{}
}

func newProcessBreakpoint(
	process Process,
	address VirtualAddress,
) *ProcessBreakpoint {
	return &ProcessBreakpoint{
		process:   process,
		address:   address,
		owners:    map[BreakpointId]*Breakpoint{},
		installed: map[ThreadId]struct{}{},
	}
}

func (pb *ProcessBreakpoint) Address() VirtualAddress {
	return pb.address
}

func (pb *ProcessBreakpoint) Owners() []BreakpointId {
	ids := make([]BreakpointId, 0, len(pb.owners))
	for id := range pb.owners {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Threads currently holding the hardware installation, lowest koid first.
func (pb *ProcessBreakpoint) InstalledThreads() []ThreadId {
	return sortedThreadIds(pb.installed)
}

func (pb *ProcessBreakpoint) hasOwner(id BreakpointId) bool {
	_, ok := pb.owners[id]
	return ok
}

func (pb *ProcessBreakpoint) addOwner(bp *Breakpoint) {
	pb.owners[bp.Id()] = bp
}

// Returns the number of remaining owners.
func (pb *ProcessBreakpoint) removeOwner(id BreakpointId) int {
	delete(pb.owners, id)
	return len(pb.owners)
}

// Performs the first install pass.  If Init fails, the instance is invalid
// and must not be retained by the caller.
func (pb *ProcessBreakpoint) Init() error {
	return pb.Update()
}

// The union of every owner's declared target threads, resolved against the
// live thread list.
func (pb *ProcessBreakpoint) targetThreads() map[ThreadId]ThreadHandle {
	all := false
	explicit := map[ThreadId]struct{}{}
	for _, owner := range pb.owners {
		threads, ok := owner.ThreadsToInstall(pb.process.Koid(), pb.address)
		if !ok {
			continue
		}

		if threads == nil {
			all = true
			break
		}

		for tid := range threads {
			explicit[tid] = struct{}{}
		}
	}

	targets := map[ThreadId]ThreadHandle{}
	if all {
		for _, thread := range pb.process.Threads() {
			targets[thread.Koid()] = thread
		}
	} else {
		for tid := range explicit {
			thread, ok := pb.process.Thread(tid)
			if !ok {
				// The thread exited between declaration and now.
				continue
			}
			targets[tid] = thread
		}
	}

	return targets
}

// Diffs the declared target thread set against the currently-installed set.
// Removed threads are uninstalled before new threads are installed, so slot
// availability is evaluated under the post-uninstall state.
//
// Per-thread collaborator failures never abort the pass.  Allocation
// failures are collected and reported once every thread has been attempted.
func (pb *ProcessBreakpoint) Update() error {
	targets := pb.targetThreads()

	for _, tid := range sortedThreadIds(pb.installed) {
		_, ok := targets[tid]
		if ok {
			continue
		}

		thread, ok := pb.process.Thread(tid)
		if !ok {
			// Already gone; the kernel cleared its debug registers with it.
			delete(pb.installed, tid)
			continue
		}

		err := pb.uninstallFrom(thread)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				// Stale bookkeeping; there is nothing to free.
				delete(pb.installed, tid)
				continue
			}

			log.Warnf(
				"failed to uninstall breakpoint at %s from thread %d: %v",
				pb.address,
				tid,
				err)
			continue
		}

		delete(pb.installed, tid)
	}

	errs := []error{}
	for _, tid := range sortedTargetIds(targets) {
		_, ok := pb.installed[tid]
		if ok {
			continue
		}

		err := pb.installOn(targets[tid])
		if err != nil {
			if isSlotError(err) {
				errs = append(
					errs,
					fmt.Errorf("cannot install on thread %d: %w", tid, err))
				continue
			}

			// The thread may be exiting.  Leave it uninstalled and keep
			// going for the remaining threads.
			log.Warnf(
				"failed to install breakpoint at %s on thread %d: %v",
				pb.address,
				tid,
				err)
			continue
		}

		pb.installed[tid] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf(
			"failed to update breakpoint at %s in process %d: %w",
			pb.address,
			pb.process.Koid(),
			errors.Join(errs...))
	}

	return nil
}

// Force-uninstalls from every thread still recorded as holding the
// installation.  Failures are logged, not propagated: the owning
// breakpoints are going away regardless.
func (pb *ProcessBreakpoint) Destroy() {
	for _, tid := range sortedThreadIds(pb.installed) {
		delete(pb.installed, tid)

		thread, ok := pb.process.Thread(tid)
		if !ok {
			continue
		}

		err := pb.uninstallFrom(thread)
		if err != nil && !errors.Is(err, ErrOutOfRange) {
			log.Warnf(
				"failed to uninstall breakpoint at %s from thread %d: %v",
				pb.address,
				tid,
				err)
		}
	}
}

// Rewrites a target thread's debug registers as one read-modify-write step.
// The thread must not be running while its register file is mutated: it is
// suspended for the duration and resumes when the token is released.
func (pb *ProcessBreakpoint) installOn(thread ThreadHandle) error {
	token, err := thread.Suspend()
	if err != nil {
		return fmt.Errorf("cannot suspend thread %d: %w", thread.Koid(), err)
	}
	defer token.Release()

	snapshot, err := thread.ReadDebugRegisters()
	if err != nil {
		return fmt.Errorf(
			"cannot read debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	err = pb.process.Allocator().SetupHWBreakpoint(snapshot, pb.address)
	if err != nil {
		return err
	}

	err = thread.WriteDebugRegisters(snapshot)
	if err != nil {
		return fmt.Errorf(
			"cannot write debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	return nil
}

func (pb *ProcessBreakpoint) uninstallFrom(thread ThreadHandle) error {
	token, err := thread.Suspend()
	if err != nil {
		return fmt.Errorf("cannot suspend thread %d: %w", thread.Koid(), err)
	}
	defer token.Release()

	snapshot, err := thread.ReadDebugRegisters()
	if err != nil {
		return fmt.Errorf(
			"cannot read debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	err = pb.process.Allocator().RemoveHWBreakpoint(snapshot, pb.address)
	if err != nil {
		return err
	}

	err = thread.WriteDebugRegisters(snapshot)
	if err != nil {
		return fmt.Errorf(
			"cannot write debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	return nil
}
