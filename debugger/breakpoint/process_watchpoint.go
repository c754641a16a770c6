package breakpoint

import (
	"errors"
	"fmt"
	"sort"

	. "github.com/pattyshack/rda/debugger/common"
)

// Installed state for one (process, address range) hardware watchpoint.
// Unlike breakpoints, watchpoints have exactly one owner: two watchpoints
// over the same range would be indistinguishable in the exception, so the
// registry rejects the second registration instead of sharing.
//
// The hardware may install an aligned superset of the requested range (arm64
// watches whole doublewords with a byte select mask).  The installed range
// is recorded per thread and used verbatim for removal.
type ProcessWatchpoint struct {
	process        Process
	requestedRange AddressRange

	owner *Watchpoint

	installed map[ThreadId]AddressRange
}

func newProcessWatchpoint(
	process Process,
	requestedRange AddressRange,
	owner *Watchpoint,
) *ProcessWatchpoint {
	return &ProcessWatchpoint{
		process:        process,
		requestedRange: requestedRange,
		owner:          owner,
		installed:      map[ThreadId]AddressRange{},
	}
}

func (pw *ProcessWatchpoint) RequestedRange() AddressRange {
	return pw.requestedRange
}

func (pw *ProcessWatchpoint) Owner() BreakpointId {
	return pw.owner.Id()
}

// Threads currently holding the hardware installation, lowest koid first.
func (pw *ProcessWatchpoint) InstalledThreads() []ThreadId {
	ids := make([]ThreadId, 0, len(pw.installed))
	for id := range pw.installed {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

// The hardware-aligned range installed on the given thread.
func (pw *ProcessWatchpoint) InstalledRange(
	thread ThreadId,
) (
	AddressRange,
	bool,
) {
	installed, ok := pw.installed[thread]
	return installed, ok
}

// Performs the first install pass.  If Init fails, the instance is invalid
// and must not be retained by the caller.
func (pw *ProcessWatchpoint) Init() error {
	return pw.Update()
}

func (pw *ProcessWatchpoint) targetThreads() map[ThreadId]ThreadHandle {
	targets := map[ThreadId]ThreadHandle{}

	threads, ok := pw.owner.ThreadsToInstall(
		pw.process.Koid(),
		pw.requestedRange)
	if !ok {
		return targets
	}

	if threads == nil {
		for _, thread := range pw.process.Threads() {
			targets[thread.Koid()] = thread
		}
		return targets
	}

	for tid := range threads {
		thread, ok := pw.process.Thread(tid)
		if !ok {
			// The thread exited between declaration and now.
			continue
		}
		targets[tid] = thread
	}

	return targets
}

// Same contract as ProcessBreakpoint.Update: uninstall removed threads
// before installing new ones, skip and log collaborator failures, collect
// and report allocation failures.
func (pw *ProcessWatchpoint) Update() error {
	targets := pw.targetThreads()

	installedIds := make([]ThreadId, 0, len(pw.installed))
	for tid := range pw.installed {
		installedIds = append(installedIds, tid)
	}
	sort.Slice(
		installedIds,
		func(i int, j int) bool { return installedIds[i] < installedIds[j] })

	for _, tid := range installedIds {
		_, ok := targets[tid]
		if ok {
			continue
		}

		thread, ok := pw.process.Thread(tid)
		if !ok {
			// Already gone; the kernel cleared its debug registers with it.
			delete(pw.installed, tid)
			continue
		}

		err := pw.uninstallFrom(thread, pw.installed[tid])
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				// Stale bookkeeping; there is nothing to free.
				delete(pw.installed, tid)
				continue
			}

			log.Warnf(
				"failed to uninstall watchpoint %s from thread %d: %v",
				pw.requestedRange,
				tid,
				err)
			continue
		}

		delete(pw.installed, tid)
	}

	mode, err := pw.owner.Settings().Kind.WatchMode()
	if err != nil {
		return fmt.Errorf(
			"failed to update watchpoint %s in process %d: %w",
			pw.requestedRange,
			pw.process.Koid(),
			err)
	}

	errs := []error{}
	for _, tid := range sortedTargetIds(targets) {
		_, ok := pw.installed[tid]
		if ok {
			continue
		}

		installed, err := pw.installOn(targets[tid], mode)
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
				"failed to install watchpoint %s on thread %d: %v",
				pw.requestedRange,
				tid,
				err)
			continue
		}

		pw.installed[tid] = installed
	}

	if len(errs) > 0 {
		return fmt.Errorf(
			"failed to update watchpoint %s in process %d: %w",
			pw.requestedRange,
			pw.process.Koid(),
			errors.Join(errs...))
	}

	return nil
}

// Force-uninstalls from every thread still recorded as holding the
// installation.  Failures are logged, not propagated.
func (pw *ProcessWatchpoint) Destroy() {
	installedIds := make([]ThreadId, 0, len(pw.installed))
	for tid := range pw.installed {
		installedIds = append(installedIds, tid)
	}
	sort.Slice(
		installedIds,
		func(i int, j int) bool { return installedIds[i] < installedIds[j] })

	for _, tid := range installedIds {
		installed := pw.installed[tid]
		delete(pw.installed, tid)

		thread, ok := pw.process.Thread(tid)
		if !ok {
			continue
		}

		err := pw.uninstallFrom(thread, installed)
		if err != nil && !errors.Is(err, ErrOutOfRange) {
			log.Warnf(
				"failed to uninstall watchpoint %s from thread %d: %v",
				pw.requestedRange,
				tid,
				err)
		}
	}
}

// Returns the hardware-aligned range actually installed, which is what a
// later uninstall must present.
func (pw *ProcessWatchpoint) installOn(
	thread ThreadHandle,
	mode AccessMode,
) (
	AddressRange,
	error,
) {
	token, err := thread.Suspend()
	if err != nil {
		return AddressRange{}, fmt.Errorf(
			"cannot suspend thread %d: %w",
			thread.Koid(),
			err)
	}
	defer token.Release()

	snapshot, err := thread.ReadDebugRegisters()
	if err != nil {
		return AddressRange{}, fmt.Errorf(
			"cannot read debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	installation, err := pw.process.Allocator().SetupWatchpoint(
		snapshot,
		mode,
		pw.requestedRange)
	if err != nil {
		return AddressRange{}, err
	}

	err = thread.WriteDebugRegisters(snapshot)
	if err != nil {
		return AddressRange{}, fmt.Errorf(
			"cannot write debug registers of thread %d: %w",
			thread.Koid(),
			err)
	}

	return installation.InstalledRange, nil
}

func (pw *ProcessWatchpoint) uninstallFrom(
	thread ThreadHandle,
	installed AddressRange,
) error {
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

	err = pw.process.Allocator().RemoveWatchpoint(snapshot, installed)
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
