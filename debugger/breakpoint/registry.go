package breakpoint

import (
	"errors"
	"fmt"
	"sort"

	. "github.com/pattyshack/rda/debugger/common"
)

// Owns every per-process installation object.  Breakpoints and watchpoints
// hold (process, location) keys into the registry and never touch
// installation objects directly; the registry creates an installation when
// the first owner registers a key and destroys it when the last owner
// unregisters.
//
// The registry implements ProcessDelegate and WatchpointProcessDelegate.  It
// is not internally synchronized; the debugger's event loop serializes all
// access.
type Registry struct {
	processes map[ProcessId]Process

	breakpoints map[processAddress]*ProcessBreakpoint

	// At most one watchpoint owner per exact range.  Overlapping ranges are
	// distinct entries and compete for slots naturally.
	watchpoints map[processRange]*ProcessWatchpoint

	nextId BreakpointId
}

func NewRegistry() *Registry {
	return &Registry{
		processes:   map[ProcessId]Process{},
		breakpoints: map[processAddress]*ProcessBreakpoint{},
		watchpoints: map[processRange]*ProcessWatchpoint{},
		nextId:      1,
	}
}

// Creates a breakpoint aggregate bound to this registry.
func (registry *Registry) NewBreakpoint() *Breakpoint {
	bp := New(registry, registry.nextId)
	registry.nextId += 1
	return bp
}

// Creates a watchpoint aggregate bound to this registry.
func (registry *Registry) NewWatchpoint() *Watchpoint {
	wp := NewWatchpoint(registry, registry.nextId)
	registry.nextId += 1
	return wp
}

func (registry *Registry) AttachProcess(process Process) error {
	_, ok := registry.processes[process.Koid()]
	if ok {
		return fmt.Errorf(
			"%w. process %d already attached",
			ErrAlreadyBound,
			process.Koid())
	}

	registry.processes[process.Koid()] = process
	return nil
}

// Force-uninstalls every installation held in the process, then forgets the
// process.  Owner aggregates keep their stale keys; their eventual
// unregister calls are ignored.
func (registry *Registry) DetachProcess(id ProcessId) {
	_, ok := registry.processes[id]
	if !ok {
		log.Warnf("cannot detach process %d. not attached", id)
		return
	}

	keys := processAddresses{}
	for key := range registry.breakpoints {
		if key.process == id {
			keys = append(keys, key)
		}
	}
	sort.Sort(keys)

	for _, key := range keys {
		registry.breakpoints[key].Destroy()
		delete(registry.breakpoints, key)
	}

	rangeKeys := processRanges{}
	for key := range registry.watchpoints {
		if key.process == id {
			rangeKeys = append(rangeKeys, key)
		}
	}
	sort.Sort(rangeKeys)

	for _, key := range rangeKeys {
		registry.watchpoints[key].Destroy()
		delete(registry.watchpoints, key)
	}

	delete(registry.processes, id)
}

// Re-runs every installation pass in the process.  Called after thread
// creation and exit events so installations track the live thread set.
func (registry *Registry) UpdateProcess(id ProcessId) error {
	errs := []error{}
	for _, key := range registry.breakpointKeys(id) {
		err := registry.breakpoints[key].Update()
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, key := range registry.watchpointKeys(id) {
		err := registry.watchpoints[key].Update()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf(
			"failed to update installations in process %d: %w",
			id,
			errors.Join(errs...))
	}

	return nil
}

func (registry *Registry) breakpointKeys(id ProcessId) processAddresses {
	keys := processAddresses{}
	for key := range registry.breakpoints {
		if key.process == id {
			keys = append(keys, key)
		}
	}
	sort.Sort(keys)
	return keys
}

func (registry *Registry) watchpointKeys(id ProcessId) processRanges {
	keys := processRanges{}
	for key := range registry.watchpoints {
		if key.process == id {
			keys = append(keys, key)
		}
	}
	sort.Sort(keys)
	return keys
}

// The installation at the exact (process, address) key, if any.  Used by
// exception dispatch to map a debug exception back to its owners.
func (registry *Registry) BreakpointAt(
	process ProcessId,
	address VirtualAddress,
) (
	*ProcessBreakpoint,
	bool,
) {
	pb, ok := registry.breakpoints[processAddress{process, address}]
	return pb, ok
}

// The installation whose installed range contains the faulting address, if
// any.  Watch exceptions report the accessed address, which may fall
// anywhere inside the watched range.
func (registry *Registry) WatchpointContaining(
	process ProcessId,
	address VirtualAddress,
) (
	*ProcessWatchpoint,
	bool,
) {
	for _, key := range registry.watchpointKeys(process) {
		if key.addressRange.Contains(address) {
			return registry.watchpoints[key], true
		}
	}

	return nil, false
}

func (registry *Registry) RegisterBreakpoint(
	bp *Breakpoint,
	process ProcessId,
	address VirtualAddress,
) error {
	handle, ok := registry.processes[process]
	if !ok {
		return fmt.Errorf(
			"%w. process %d not attached",
			ErrInvalidArgument,
			process)
	}

	key := processAddress{process, address}
	pb, ok := registry.breakpoints[key]
	if !ok {
		pb = newProcessBreakpoint(handle, address)
		pb.addOwner(bp)

		err := pb.Init()
		if err != nil {
			// A failed Init must not be retained.  Roll back whatever
			// partial installation succeeded.
			pb.Destroy()
			return err
		}

		registry.breakpoints[key] = pb
		return nil
	}

	if pb.hasOwner(bp.Id()) {
		return fmt.Errorf(
			"%w. breakpoint %d already registered at %s",
			ErrAlreadyBound,
			bp.Id(),
			key)
	}

	pb.addOwner(bp)
	err := pb.Update()
	if err != nil {
		// Leave the installation exactly as the remaining owners declared
		// it.
		pb.removeOwner(bp.Id())

		updateErr := pb.Update()
		if updateErr != nil {
			log.Warnf(
				"failed to restore breakpoint installation at %s: %v",
				key,
				updateErr)
		}

		return err
	}

	return nil
}

func (registry *Registry) UnregisterBreakpoint(
	bp *Breakpoint,
	process ProcessId,
	address VirtualAddress,
) {
	key := processAddress{process, address}
	pb, ok := registry.breakpoints[key]
	if !ok {
		// The process may have detached in the meantime.
		log.Warnf("cannot unregister breakpoint %d at %s. not found", bp.Id(), key)
		return
	}

	if !pb.hasOwner(bp.Id()) {
		log.Warnf(
			"cannot unregister breakpoint %d at %s. not an owner",
			bp.Id(),
			key)
		return
	}

	remaining := pb.removeOwner(bp.Id())
	if remaining == 0 {
		pb.Destroy()
		delete(registry.breakpoints, key)
		return
	}

	err := pb.Update()
	if err != nil {
		log.Warnf("failed to update breakpoint installation at %s: %v", key, err)
	}
}

func (registry *Registry) RegisterWatchpoint(
	wp *Watchpoint,
	process ProcessId,
	addressRange AddressRange,
) error {
	handle, ok := registry.processes[process]
	if !ok {
		return fmt.Errorf(
			"%w. process %d not attached",
			ErrInvalidArgument,
			process)
	}

	key := processRange{process, addressRange}
	_, ok = registry.watchpoints[key]
	if ok {
		return fmt.Errorf(
			"%w. %s already watched",
			ErrAlreadyBound,
			key)
	}

	pw := newProcessWatchpoint(handle, addressRange, wp)
	err := pw.Init()
	if err != nil {
		// A failed Init must not be retained.
		pw.Destroy()
		return err
	}

	registry.watchpoints[key] = pw
	return nil
}

func (registry *Registry) UnregisterWatchpoint(
	wp *Watchpoint,
	process ProcessId,
	addressRange AddressRange,
) {
	key := processRange{process, addressRange}
	pw, ok := registry.watchpoints[key]
	if !ok {
		// The process may have detached in the meantime.
		log.Warnf("cannot unregister watchpoint %d at %s. not found", wp.Id(), key)
		return
	}

	if pw.Owner() != wp.Id() {
		log.Warnf(
			"cannot unregister watchpoint %d at %s. not the owner",
			wp.Id(),
			key)
		return
	}

	pw.Destroy()
	delete(registry.watchpoints, key)
}
