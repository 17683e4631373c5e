package rpclink

import "github.com/meshlink/linkmesh/rtt"

// AddForwarded tells a direct peer that a new destination is now
// reachable through this node, at the given cost.
type AddForwarded[A any] struct {
	To  A       `json:"to"`
	Rtt rtt.Rtt `json:"rtt"`
}

func (AddForwarded[A]) NotificationName() string { return "AddForwarded" }

// RemoveForwarded tells a direct peer that a destination is no longer
// reachable through this node.
type RemoveForwarded[A any] struct {
	To A `json:"to"`
}

func (RemoveForwarded[A]) NotificationName() string { return "RemoveForwarded" }

// UpdatedForwardedRtt tells a direct peer that the cost of reaching a
// destination through this node has changed.
type UpdatedForwardedRtt[A any] struct {
	To  A       `json:"to"`
	Rtt rtt.Rtt `json:"rtt"`
}

func (UpdatedForwardedRtt[A]) NotificationName() string { return "UpdatedForwardedRtt" }

// targetedNotification pairs an internal route-protocol notification with
// the direct peer it should be sent to.
type targetedNotification[A comparable] struct {
	to A
	n  Notification
}

// updateFor translates a MinRttUpdated route event into the
// UpdatedForwardedRtt to announce to a specific direct peer, or nil if
// the change doesn't affect what that peer was already told. When the
// peer itself is the winning via, the peer needs to hear about the
// second-best cost instead (it can't forward to itself).
func updateFor[A comparable](ev rtt.MinRttUpdated[A], peer A) *UpdatedForwardedRtt[A] {
	viaIsPeer := false
	if p, ok := ev.Rtt.Via.Peer(); ok && p == peer {
		viaIsPeer = true
	}

	var cost rtt.Rtt
	if !viaIsPeer {
		cost = ev.Rtt.Rtt
	} else if ev.Rtt.SecondBest != nil {
		cost = *ev.Rtt.SecondBest
	} else {
		return nil
	}

	changed := ev.FirstChanged
	if viaIsPeer {
		changed = ev.SecondChanged
	}
	if !changed {
		return nil
	}
	return &UpdatedForwardedRtt[A]{To: ev.ForAddress, Rtt: cost}
}

// routeNotifications computes which direct peers to notify, and with
// what, in response to a single route table change. peers is the current
// set of directly connected addresses.
func routeNotifications[A comparable](ev rtt.Event[A], peers []A) []targetedNotification[A] {
	var out []targetedNotification[A]

	viaIsPeer := func(v rtt.Via[A], peer A) bool {
		p, ok := v.Peer()
		return ok && p == peer
	}

	switch e := ev.(type) {
	case rtt.ConnectionAdded[A]:
		for _, p := range peers {
			if p == e.To || viaIsPeer(e.Via, p) {
				continue
			}
			out = append(out, targetedNotification[A]{p, AddForwarded[A]{To: e.To, Rtt: e.Rtt}})
		}
	case rtt.ConnectionRemoved[A]:
		for _, p := range peers {
			if p == e.To || viaIsPeer(e.Via, p) {
				continue
			}
			out = append(out, targetedNotification[A]{p, RemoveForwarded[A]{To: e.To}})
		}
	case rtt.ViaListSeconded[A]:
		for _, p := range peers {
			if !viaIsPeer(e.InitialVia, p) {
				continue
			}
			out = append(out, targetedNotification[A]{p, AddForwarded[A]{To: e.ForConnection, Rtt: e.Rtt}})
		}
	case rtt.ViaListUnseconded[A]:
		for _, p := range peers {
			if !viaIsPeer(e.OnlyVia, p) {
				continue
			}
			out = append(out, targetedNotification[A]{p, RemoveForwarded[A]{To: e.ForConnection}})
		}
	case rtt.MinRttUpdated[A]:
		for _, p := range peers {
			if u := updateFor(e, p); u != nil {
				out = append(out, targetedNotification[A]{p, *u})
			}
		}
	}
	return out
}
