package rtt

// Event is implemented by every notification a Set emits in response to
// a table mutation. The event loop type-switches on these to decide what
// to tell which neighbors (see the internal route protocol).
type Event[A comparable] interface {
	isRouteEvent()
}

// ConnectionAdded fires when a destination becomes reachable for the
// first time (its via set goes from empty to one entry).
type ConnectionAdded[A comparable] struct {
	To  A
	Via Via[A]
	Rtt Rtt
}

func (ConnectionAdded[A]) isRouteEvent() {}

// ConnectionRemoved fires when a destination becomes entirely unreachable
// (its via set goes from one entry to empty).
type ConnectionRemoved[A comparable] struct {
	To  A
	Via Via[A]
}

func (ConnectionRemoved[A]) isRouteEvent() {}

// ViaListSeconded fires when a destination's via set grows from one entry
// to two. The neighbor reachable through the destination's sole prior via
// could not previously be told about this destination (the path to it
// went through that very neighbor); now that an alternate exists, it can.
type ViaListSeconded[A comparable] struct {
	ForConnection A
	InitialVia    Via[A]
	AddedVia      Via[A]
	Rtt           Rtt
}

func (ViaListSeconded[A]) isRouteEvent() {}

// ViaListUnseconded fires when a destination's via set shrinks from two
// entries to one — the mirror image of ViaListSeconded.
type ViaListUnseconded[A comparable] struct {
	ForConnection A
	OnlyVia       Via[A]
}

func (ViaListUnseconded[A]) isRouteEvent() {}

// MinRttUpdated fires whenever the cheapest or second-cheapest via for a
// destination changes value. FirstChanged/SecondChanged let a consumer
// skip announcing an update that wouldn't change what a given neighbor
// was already told.
type MinRttUpdated[A comparable] struct {
	ForAddress    A
	Rtt           MinRtt[A]
	FirstChanged  bool
	SecondChanged bool
}

func (MinRttUpdated[A]) isRouteEvent() {}
