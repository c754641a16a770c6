package breakpoint

import (
	"errors"
	"fmt"
	"sort"

	. "github.com/pattyshack/rda/debugger/common"
)

type processAddress struct {
	process ProcessId
	address VirtualAddress
}

func (key processAddress) String() string {
	return fmt.Sprintf("process %d %s", key.process, key.address)
}

type processAddresses []processAddress

func (keys processAddresses) Len() int {
	return len(keys)
}

func (keys processAddresses) Less(i int, j int) bool {
	if keys[i].process != keys[j].process {
		return keys[i].process < keys[j].process
	}
	return keys[i].address < keys[j].address
}

func (keys processAddresses) Swap(i int, j int) {
	keys[i], keys[j] = keys[j], keys[i]
}

// The registry interface through which breakpoints request per-process
// installations without directly manipulating hardware state.
type ProcessDelegate interface {
	RegisterBreakpoint(
		bp *Breakpoint,
		process ProcessId,
		address VirtualAddress,
	) error

	UnregisterBreakpoint(
		bp *Breakpoint,
		process ProcessId,
		address VirtualAddress,
	)
}

// The user-facing breakpoint aggregate.  A breakpoint holds declared
// settings and reconciles them against per-(process, address) installations
// owned by the delegate.  Breakpoints hold only keys into the delegate's
// registry, never installation objects.
type Breakpoint struct {
	delegate ProcessDelegate

	settings Settings
	stats    Stats

	// (process, address) keys successfully registered with the delegate.
	registered map[processAddress]struct{}
}

func New(delegate ProcessDelegate, id BreakpointId) *Breakpoint {
	return &Breakpoint{
		delegate: delegate,
		settings: Settings{
			Id:   id,
			Kind: HardwareKind,
		},
		stats: Stats{
			Id: id,
		},
		registered: map[processAddress]struct{}{},
	}
}

func (bp *Breakpoint) Id() BreakpointId {
	return bp.settings.Id
}

func (bp *Breakpoint) Settings() Settings {
	return bp.settings
}

func (bp *Breakpoint) Stats() Stats {
	return bp.stats
}

// Reconciles the declared locations against the previous settings.
// Locations are keyed by (process, address): newly-absent keys are
// unregistered before newly-present keys are registered (freeing debug
// register slots before requesting new ones), and unchanged keys are left
// untouched.
//
// Registration is best-effort across locations: one location's failure does
// not block the remaining locations.  Bookkeeping always reflects the
// registrations that actually succeeded.
func (bp *Breakpoint) SetSettings(settings Settings) error {
	err := settings.Validate()
	if err != nil {
		return fmt.Errorf(
			"failed to set settings for breakpoint %d: %w",
			settings.Id,
			err)
	}

	desired := map[processAddress]struct{}{}
	for _, loc := range settings.Locations {
		desired[processAddress{loc.Process, loc.Address}] = struct{}{}
	}

	removed := processAddresses{}
	for key := range bp.registered {
		_, ok := desired[key]
		if !ok {
			removed = append(removed, key)
		}
	}
	sort.Sort(removed)

	for _, key := range removed {
		bp.delegate.UnregisterBreakpoint(bp, key.process, key.address)
		delete(bp.registered, key)
	}

	added := processAddresses{}
	for key := range desired {
		_, ok := bp.registered[key]
		if !ok {
			added = append(added, key)
		}
	}
	sort.Sort(added)

	// The settings must be adopted before registering: ProcessBreakpoint
	// resolves its target threads from the owner's declared locations.
	bp.settings = settings
	bp.stats.Id = settings.Id

	errs := []error{}
	for _, key := range added {
		err := bp.delegate.RegisterBreakpoint(bp, key.process, key.address)
		if err != nil {
			errs = append(
				errs,
				fmt.Errorf("cannot register %s: %w", key, err))
			continue
		}

		bp.registered[key] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf(
			"failed to set settings for breakpoint %d: %w",
			settings.Id,
			errors.Join(errs...))
	}

	return nil
}

// Records a hit.  One-shot breakpoints additionally mark themselves for
// deletion; the caller removes the breakpoint on its next maintenance pass.
func (bp *Breakpoint) OnHit() HitOutcome {
	bp.stats.HitCount += 1

	if bp.settings.OneShot {
		bp.stats.ShouldDelete = true
		return RequestRemoval
	}

	return Continue
}

// The thread set this breakpoint wants installed in the given process, as
// declared by its locations at the given address.  A nil set with ok=true
// means every thread of the process.
func (bp *Breakpoint) ThreadsToInstall(
	process ProcessId,
	address VirtualAddress,
) (
	map[ThreadId]struct{},
	bool,
) {
	threads := map[ThreadId]struct{}{}
	found := false
	for _, loc := range bp.settings.Locations {
		if loc.Process != process || loc.Address != address {
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

// Unregisters every currently-held location.  Mirrors SetSettings with an
// empty target set.
func (bp *Breakpoint) Destroy() {
	keys := processAddresses{}
	for key := range bp.registered {
		keys = append(keys, key)
	}
	sort.Sort(keys)

	for _, key := range keys {
		bp.delegate.UnregisterBreakpoint(bp, key.process, key.address)
		delete(bp.registered, key)
	}
}
