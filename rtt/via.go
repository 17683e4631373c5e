// Package rtt implements the per-destination routing table used by an
// rpclink Endpoint: for every reachable address it tracks every known
// via (direct transport, or a neighbor willing to forward) together with
// its round-trip time, maintains the cheapest and second-cheapest via,
// and emits events describing every change so the event loop can keep
// neighbors informed.
package rtt

import "fmt"

// Rtt is a round-trip-time estimate in milliseconds, used as path cost.
type Rtt uint32

// Via describes how a destination is reached: either directly over the
// local transport, or through a named intermediate endpoint.
type Via[A comparable] struct {
	through A
	direct  bool
}

// Direct returns the Via meaning "use the local transport to reach this
// address".
func Direct[A comparable]() Via[A] {
	return Via[A]{direct: true}
}

// Through returns the Via meaning "send to peer so it forwards".
func Through[A comparable](peer A) Via[A] {
	return Via[A]{through: peer}
}

// IsDirect reports whether this via is the local transport.
func (v Via[A]) IsDirect() bool {
	return v.direct
}

// Peer returns the intermediate address and true when this via is
// Through(peer); it returns the zero value and false for Direct.
func (v Via[A]) Peer() (A, bool) {
	if v.direct {
		var zero A
		return zero, false
	}
	return v.through, true
}

// String renders the via for logging.
func (v Via[A]) String() string {
	if v.direct {
		return "direct"
	}
	return fmt.Sprintf("through(%v)", v.through)
}

// MinRtt is the cached cheapest and second-cheapest route to a destination.
type MinRtt[A comparable] struct {
	Via        Via[A]
	Rtt        Rtt
	SecondBest *Rtt
}

func (m MinRtt[A]) equal(o MinRtt[A]) bool {
	if m.Via != o.Via || m.Rtt != o.Rtt {
		return false
	}
	if (m.SecondBest == nil) != (o.SecondBest == nil) {
		return false
	}
	return m.SecondBest == nil || *m.SecondBest == *o.SecondBest
}
