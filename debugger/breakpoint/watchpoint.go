package breakpoint

import (
	"errors"
	"fmt"
	"sort"

	. "github.com/pattyshack/rda/debugger/common"
)

type processRange struct {
	process      ProcessId
	addressRange AddressRange
}

func (key processRange) String() string {
	return fmt.Sprintf("process %d %s", key.process, key.addressRange)
}

type processRanges []processRange

func (keys processRanges) Len() int {
	return len(keys)
}

func (keys processRanges) Less(i int, j int) bool {
	if keys[i].process != keys[j].process {
		return keys[i].process < keys[j].process
	}
	if keys[i].addressRange.Low != keys[j].addressRange.Low {
		return keys[i].addressRange.Low < keys[j].addressRange.Low
	}
	return keys[i].addressRange.High < keys[j].addressRange.High
}

func (keys processRanges) Swap(i int, j int) {
	keys[i], keys[j] = keys[j], keys[i]
}

// The registry interface through which watchpoints request per-process
// installations.
type WatchpointProcessDelegate interface {
	RegisterWatchpoint(
		wp *Watchpoint,
		process ProcessId,
		addressRange AddressRange,
	) error

	UnregisterWatchpoint(
		wp *Watchpoint,
		process ProcessId,
		addressRange AddressRange,
	)
}

// The user-facing watchpoint aggregate.  Same shape as Breakpoint, keyed on
// (process, address range) instead of (process, address).
type Watchpoint struct {
	delegate WatchpointProcessDelegate

	settings WatchpointSettings
	stats    Stats

	registered map[processRange]struct{}
}

func NewWatchpoint(
	delegate WatchpointProcessDelegate,
	id BreakpointId,
) *Watchpoint {
	return &Watchpoint{
		delegate: delegate,
		settings: WatchpointSettings{
			Id:   id,
			Kind: WriteKind,
		},
		stats: Stats{
			Id: id,
		},
		registered: map[processRange]struct{}{},
	}
}

func (wp *Watchpoint) Id() BreakpointId {
	return wp.settings.Id
}

func (wp *Watchpoint) Settings() WatchpointSettings {
	return wp.settings
}

func (wp *Watchpoint) Stats() Stats {
	return wp.stats
}

// Same reconciliation contract as Breakpoint.SetSettings: unregister
// newly-absent keys before registering newly-present ones, leave unchanged
// keys untouched, best-effort across locations.
func (wp *Watchpoint) SetSettings(settings WatchpointSettings) error {
	err := settings.Validate()
	if err != nil {
		return fmt.Errorf(
			"failed to set settings for watchpoint %d: %w",
			settings.Id,
			err)
	}

	desired := map[processRange]struct{}{}
	for _, loc := range settings.Locations {
		desired[processRange{loc.Process, loc.Range}] = struct{}{}
	}

	removed := processRanges{}
	for key := range wp.registered {
		_, ok := desired[key]
		if !ok {
			removed = append(removed, key)
		}
	}
	sort.Sort(removed)

	for _, key := range removed {
		wp.delegate.UnregisterWatchpoint(wp, key.process, key.addressRange)
		delete(wp.registered, key)
	}

	added := processRanges{}
	for key := range desired {
		_, ok := wp.registered[key]
		if !ok {
			added = append(added, key)
		}
	}
	sort.Sort(added)

	// The kind must be fixed before registering: ProcessWatchpoint derives
	// its watch mode from the owner's settings.
	wp.settings = settings
	wp.stats.Id = settings.Id

	errs := []error{}
	for _, key := range added {
		err := wp.delegate.RegisterWatchpoint(wp, key.process, key.addressRange)
		if err != nil {
			errs = append(
				errs,
				fmt.Errorf("cannot register %s: %w", key, err))
			continue
		}

		wp.registered[key] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf(
			"failed to set settings for watchpoint %d: %w",
			settings.Id,
			errors.Join(errs...))
	}

	return nil
}

// Records a hit.  Same contract as Breakpoint.OnHit.
func (wp *Watchpoint) OnHit() HitOutcome {
	wp.stats.HitCount += 1

	if wp.settings.OneShot {
		wp.stats.ShouldDelete = true
		return RequestRemoval
	}

	return Continue
}

// The thread set this watchpoint wants installed in the given process.  A
// nil set with ok=true means every thread of the process; ok=false means the
// watchpoint declares no location in the process.
func (wp *Watchpoint) ThreadsToInstall(
	process ProcessId,
	addressRange AddressRange,
) (
	map[ThreadId]struct{},
	bool,
) {
	threads := map[ThreadId]struct{}{}
	found := false
	for _, loc := range wp.settings.Locations {
		if loc.Process != process || loc.Range != addressRange {
			continue
		}

		found = true
		if loc.Thread == AllThreads {
			return nil, true
		}
		threads[loc.Thread] = struct{}{}
	}

	if !found {
		return nil, false
	}
	return threads, true
}

// Unregisters every currently-held location.
func (wp *Watchpoint) Destroy() {
	keys := processRanges{}
	for key := range wp.registered {
		keys = append(keys, key)
	}
	sort.Sort(keys)

	for _, key := range keys {
		wp.delegate.UnregisterWatchpoint(wp, key.process, key.addressRange)
		delete(wp.registered, key)
	}
}
