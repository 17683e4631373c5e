package rtt

import (
	"fmt"
	"log/slog"
)

// addressData holds every known via for one destination plus the cached
// min/second-best. order records insertion sequence so that ties between
// equal-cost vias resolve to the first-encountered one deterministically —
// a plain map has no stable iteration order in Go, so without this the
// "first encountered via" tie-break the invariant promises would be
// flaky from one run to the next.
type addressData[A comparable] struct {
	order  []Via[A]
	viaRtt map[Via[A]]Rtt
	minRtt MinRtt[A]
}

func newAddressData[A comparable](via Via[A], r Rtt) *addressData[A] {
	return &addressData[A]{
		order:  []Via[A]{via},
		viaRtt: map[Via[A]]Rtt{via: r},
		minRtt: MinRtt[A]{Via: via, Rtt: r},
	}
}

func (d *addressData[A]) insert(via Via[A], r Rtt) {
	d.order = append(d.order, via)
	d.viaRtt[via] = r
}

func (d *addressData[A]) remove(via Via[A]) {
	delete(d.viaRtt, via)
	for i, v := range d.order {
		if v == via {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// recomputeMinRtt recomputes the cached min/second-best, returning the
// MinRttUpdated event to emit or false if nothing changed.
func (d *addressData[A]) recomputeMinRtt(forAddress A) (MinRttUpdated[A], bool) {
	if len(d.order) == 0 {
		panic("rtt: recomputeMinRtt on address with no routes")
	}
	minVia := d.order[0]
	minRtt := d.viaRtt[minVia]
	for _, via := range d.order[1:] {
		if r := d.viaRtt[via]; r < minRtt {
			minVia, minRtt = via, r
		}
	}

	var second *Rtt
	for _, via := range d.order {
		if via == minVia {
			continue
		}
		r := d.viaRtt[via]
		if second == nil || r < *second {
			rr := r
			second = &rr
		}
	}

	next := MinRtt[A]{Via: minVia, Rtt: minRtt, SecondBest: second}
	old := d.minRtt
	if old.equal(next) {
		return MinRttUpdated[A]{}, false
	}

	viaChanged := old.Via != next.Via
	firstChanged := viaChanged || old.Rtt != next.Rtt
	secondChanged := viaChanged || !secondEqual(old.SecondBest, next.SecondBest)

	d.minRtt = next
	return MinRttUpdated[A]{
		ForAddress:    forAddress,
		Rtt:           next,
		FirstChanged:  firstChanged,
		SecondChanged: secondChanged,
	}, true
}

func secondEqual(a, b *Rtt) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// inverse maintains, for every via, the set of destinations currently
// routed through it — an O(1) answer to "what does removing this via
// affect?". Its membership must stay in exact lock-step with the forward
// table; any imbalance is a programmer bug, not a recoverable condition.
type inverse[A comparable] struct {
	vias map[Via[A]]map[A]struct{}
}

func newInverse[A comparable]() *inverse[A] {
	return &inverse[A]{vias: make(map[Via[A]]map[A]struct{})}
}

func (iv *inverse[A]) inc(via Via[A], to A) {
	dests, ok := iv.vias[via]
	if !ok {
		dests = make(map[A]struct{})
		iv.vias[via] = dests
	}
	if _, exists := dests[to]; exists {
		panic(fmt.Sprintf("rtt: inverse imbalance (double inc): via=%v to=%v", via, to))
	}
	dests[to] = struct{}{}
}

func (iv *inverse[A]) dec(via Via[A], to A) {
	dests, ok := iv.vias[via]
	if !ok {
		panic(fmt.Sprintf("rtt: inverse imbalance (unknown dec): via=%v to=%v", via, to))
	}
	if _, exists := dests[to]; !exists {
		panic(fmt.Sprintf("rtt: inverse imbalance (double dec route): via=%v to=%v", via, to))
	}
	delete(dests, to)
	if len(dests) == 0 {
		delete(iv.vias, via)
	}
}

func (iv *inverse[A]) forwarded(via Via[A]) []A {
	dests, ok := iv.vias[via]
	if !ok {
		return nil
	}
	out := make([]A, 0, len(dests))
	for a := range dests {
		out = append(out, a)
	}
	return out
}

// Set is the per-endpoint routing table: for every reachable destination,
// every known via and its rtt, plus the derived min/second-best. All
// methods are synchronous. Set itself does no locking: callers must
// serialize access (rpclink holds its endpoint state lock around every
// call).
type Set[A comparable] struct {
	log     *slog.Logger
	emit    func(Event[A])
	routes  map[A]*addressData[A]
	inverse *inverse[A]
}

// New creates a Set that calls emit for every route table event it
// produces. emit must not block for long: it runs synchronously inside
// whichever Set method triggered it.
func New[A comparable](logger *slog.Logger, emit func(Event[A])) *Set[A] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set[A]{
		log:     logger.WithGroup("routes"),
		emit:    emit,
		routes:  make(map[A]*addressData[A]),
		inverse: newInverse[A](),
	}
}

// Inc adds a route to a destination via a given via at a given cost.
func (s *Set[A]) Inc(to A, via Via[A], r Rtt) {
	data, exists := s.routes[to]
	if !exists {
		s.routes[to] = newAddressData[A](via, r)
		s.inverse.inc(via, to)
		s.emit(ConnectionAdded[A]{To: to, Via: via, Rtt: r})
		return
	}

	var secondedFrom *Via[A]
	var secondedRtt Rtt
	if len(data.order) == 1 {
		v := data.order[0]
		secondedFrom = &v
		secondedRtt = data.viaRtt[v]
	}

	if _, dup := data.viaRtt[via]; dup {
		s.log.Warn("added duplicate connection", "to", to, "via", via)
		return
	}
	data.insert(via, r)
	s.inverse.inc(via, to)

	if secondedFrom != nil {
		min := r
		if secondedRtt < min {
			min = secondedRtt
		}
		s.emit(ViaListSeconded[A]{
			ForConnection: to,
			InitialVia:    *secondedFrom,
			AddedVia:      via,
			Rtt:           min,
		})
	}

	if updated, changed := data.recomputeMinRtt(to); changed {
		s.emit(updated)
	}
}

// Dec removes a route to a destination via a given via.
func (s *Set[A]) Dec(to A, via Via[A]) {
	data, ok := s.routes[to]
	if !ok {
		s.log.Warn("removed unknown connection: no routes to address", "to", to, "via", via)
		return
	}
	if _, ok := data.viaRtt[via]; !ok {
		s.log.Warn("removed unknown connection", "to", to, "via", via)
		return
	}
	data.remove(via)
	s.inverse.dec(via, to)

	if len(data.viaRtt) == 0 {
		delete(s.routes, to)
		s.emit(ConnectionRemoved[A]{To: to, Via: via})
		return
	}

	if len(data.order) == 1 {
		s.emit(ViaListUnseconded[A]{ForConnection: to, OnlyVia: data.order[0]})
	}
	if updated, changed := data.recomputeMinRtt(to); changed {
		s.emit(updated)
	}
}

// Update overwrites the rtt of an existing (destination, via) pair.
func (s *Set[A]) Update(to A, via Via[A], r Rtt) {
	data, ok := s.routes[to]
	if !ok {
		s.log.Warn("updated rtt for unknown connection", "to", to, "via", via)
		return
	}
	if _, ok := data.viaRtt[via]; !ok {
		s.log.Warn("updated rtt for unknown connection", "to", to, "via", via)
		return
	}
	data.viaRtt[via] = r
	if updated, changed := data.recomputeMinRtt(to); changed {
		s.emit(updated)
	}
}

// Has reports whether any route to the given destination currently exists.
func (s *Set[A]) Has(to A) bool {
	_, ok := s.routes[to]
	return ok
}

// Entry pairs a destination with its current min/second-best route.
type Entry[A comparable] struct {
	Address A
	MinRtt  MinRtt[A]
}

// List returns a snapshot of every known destination and its min route.
func (s *Set[A]) List() []Entry[A] {
	out := make([]Entry[A], 0, len(s.routes))
	for a, d := range s.routes {
		out = append(out, Entry[A]{Address: a, MinRtt: d.minRtt})
	}
	return out
}

// MayBeForwarderFor is the anti-loop / anti-spoofing provenance check: it
// reports whether a frame claiming to originate from sender may plausibly
// have arrived via claimedHop.
func (s *Set[A]) MayBeForwarderFor(claimedHop Via[A], sender A) bool {
	if peer, ok := claimedHop.Peer(); ok && peer == sender {
		return true
	}
	data, ok := s.routes[sender]
	if !ok {
		return false
	}
	_, has := data.viaRtt[claimedHop]
	return has
}

// ForwarderFor chooses the next hop for a destination, excluding any via
// in blacklist. A direct route is always preferred when present,
// regardless of the blacklist.
func (s *Set[A]) ForwarderFor(to A, blacklist map[Via[A]]struct{}) (Via[A], bool) {
	data, ok := s.routes[to]
	if !ok {
		var zero Via[A]
		return zero, false
	}
	direct := Direct[A]()
	if _, ok := data.viaRtt[direct]; ok {
		return direct, true
	}

	var best *Via[A]
	var bestRtt Rtt
	for _, via := range data.order {
		if _, blocked := blacklist[via]; blocked {
			continue
		}
		r := data.viaRtt[via]
		if best == nil || r < bestRtt {
			v := via
			best = &v
			bestRtt = r
		}
	}
	if best == nil {
		var zero Via[A]
		return zero, false
	}
	return *best, true
}

// Forwarded returns the destinations currently routed through via —
// an O(1) lookup against the inverse index.
func (s *Set[A]) Forwarded(via Via[A]) []A {
	return s.inverse.forwarded(via)
}

// OnAddDirectConnection records that a direct transport to addr now
// exists, equivalent to Inc(addr, Direct, r).
func (s *Set[A]) OnAddDirectConnection(addr A, r Rtt) {
	s.Inc(addr, Direct[A](), r)
}

// OnRemoveDirectConnection records that the direct transport to addr is
// gone, equivalent to Dec(addr, Direct).
func (s *Set[A]) OnRemoveDirectConnection(addr A) {
	s.Dec(addr, Direct[A]())
}
