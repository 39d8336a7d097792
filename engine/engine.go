// Package engine implements propagation: the fixed-point walk that turns
// a single updated contact into a deterministic, ordered list of changes
// across its wire graph.
package engine

import (
	"reflect"
	"time"

	"github.com/teranos/propagator/blend"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/errors"
)

// Engine carries the blend registry consulted whenever a contact's
// BlendMode is merge.
type Engine struct {
	Blends *blend.Registry
}

// New returns an Engine backed by reg. A nil reg is treated as an empty
// registry, so merge-mode contacts with no declared blend behave as
// accept-last.
func New(reg *blend.Registry) *Engine {
	if reg == nil {
		reg = blend.NewRegistry()
	}
	return &Engine{Blends: reg}
}

// frontierEntry is one pending update discovered during the wire walk.
type frontierEntry struct {
	contact *contact.Contact
	value   contact.Value
}

// Propagate resolves origin, blends newValue into it, and walks the wire
// graph to a fixed point, per §4.1. It mutates state only after all
// blended values have been computed, so a concurrent observer never sees
// an intermediate state. The returned slice preserves frontier order:
// origin first, then each newly updated contact exactly once.
func (e *Engine) Propagate(state *contact.NetworkState, origin contact.ContactId, newValue contact.Value) ([]contact.ContactChange, error) {
	originGroup, originContact, err := resolve(state, origin)
	if err != nil {
		return nil, err
	}

	blended := blend.Apply(e.Blends, originContact.BlendMode, originContact.Content, newValue)
	if valueEqual(blended, originContact.Content) {
		return nil, nil
	}

	visited := map[contact.ContactId]contact.Value{origin: blended}
	order := []contact.ContactId{origin}
	frontier := []frontierEntry{{contact: originContact, value: blended}}

	for len(frontier) > 0 {
		entry := frontier[0]
		frontier = frontier[1:]

		group, ok := state.Groups[entry.contact.GroupId]
		if !ok {
			continue
		}

		for _, w := range group.Wires {
			if !wireSourcedBy(w, entry.contact.ID) {
				continue
			}

			other := otherEndpoint(w, entry.contact.ID)
			target, _, ok := lookupAcrossGroups(state, group, other, w)
			if !ok {
				continue
			}

			if _, seen := visited[target.ID]; seen {
				continue
			}

			merged := blend.Apply(e.Blends, target.BlendMode, target.Content, entry.value)
			if valueEqual(merged, target.Content) {
				continue
			}

			visited[target.ID] = merged
			order = append(order, target.ID)
			frontier = append(frontier, frontierEntry{contact: target, value: merged})
		}
	}

	now := time.Now()
	changes := make([]contact.ContactChange, 0, len(order))
	for _, id := range order {
		c := lookupContact(state, id)
		if c == nil {
			continue
		}
		value := visited[id]
		c.Content = value
		changes = append(changes, contact.ContactChange{
			ContactId: id,
			GroupId:   c.GroupId,
			Value:     value,
			Timestamp: now,
		})
	}

	return changes, nil
}

func resolve(state *contact.NetworkState, id contact.ContactId) (*contact.GroupState, *contact.Contact, error) {
	for _, g := range state.Groups {
		if c, ok := g.Contacts[id]; ok {
			return g, c, nil
		}
	}
	return nil, nil, errors.Newf("contact not found: %s", id)
}

func lookupContact(state *contact.NetworkState, id contact.ContactId) *contact.Contact {
	for _, g := range state.Groups {
		if c, ok := g.Contacts[id]; ok {
			return c
		}
	}
	return nil
}

// wireSourcedBy reports whether contact cid participates as a propagation
// source on w: always true for bidirectional wires, true only as From for
// directed wires.
func wireSourcedBy(w *contact.Wire, cid contact.ContactId) bool {
	if w.Kind == contact.WireBidirectional {
		return w.FromId == cid || w.ToId == cid
	}
	return w.FromId == cid
}

func otherEndpoint(w *contact.Wire, cid contact.ContactId) contact.ContactId {
	if w.FromId == cid {
		return w.ToId
	}
	return w.FromId
}

// lookupAcrossGroups finds the wire's other endpoint, permitting the
// lookup to cross into an adjacent group when the wire connects a
// boundary contact — the wire's declared GroupId is the home group, but
// a boundary endpoint may live in the parent or a subgroup.
func lookupAcrossGroups(state *contact.NetworkState, home *contact.GroupState, id contact.ContactId, w *contact.Wire) (*contact.Contact, *contact.GroupState, bool) {
	if c, ok := home.Contacts[id]; ok {
		return c, home, true
	}
	src := home.Contacts[otherEndpoint(w, id)]
	for _, g := range state.Groups {
		if c, ok := g.Contacts[id]; ok {
			if !c.IsBoundary && (src == nil || !src.IsBoundary) {
				return nil, nil, false
			}
			return c, g, true
		}
	}
	return nil, nil, false
}

// valueEqual reports value equality the way the spec requires for
// no-op detection: nil equals nil, and comparable values compare by ==.
// Non-comparable values (slices, maps, funcs) are never considered equal,
// so an update through such a value always propagates.
func valueEqual(a, b contact.Value) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	at := reflect.TypeOf(a)
	bt := reflect.TypeOf(b)
	if at != bt || !at.Comparable() {
		return false
	}
	return a == b
}
