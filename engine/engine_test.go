package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/blend"
	"github.com/teranos/propagator/contact"
)

func newTestState() (*contact.NetworkState, contact.GroupId) {
	state := contact.NewNetworkState()
	g := contact.Group{ID: contact.NewGroupId(), Name: "g"}
	state.Groups[g.ID] = contact.NewGroupState(g)
	return state, g.ID
}

func addContact(state *contact.NetworkState, gid contact.GroupId, content contact.Value, mode contact.BlendMode) *contact.Contact {
	c := &contact.Contact{ID: contact.NewContactId(), GroupId: gid, Content: content, BlendMode: mode}
	gs := state.Groups[gid]
	gs.Contacts[c.ID] = c
	gs.Group.ContactIds = append(gs.Group.ContactIds, c.ID)
	return c
}

func connect(state *contact.NetworkState, gid contact.GroupId, from, to contact.ContactId, kind contact.WireKind) *contact.Wire {
	w := &contact.Wire{ID: contact.NewWireId(), GroupId: gid, FromId: from, ToId: to, Kind: kind}
	gs := state.Groups[gid]
	gs.Wires[w.ID] = w
	gs.Group.WireIds = append(gs.Group.WireIds, w.ID)
	return w
}

func TestPropagateSimpleBidirectional(t *testing.T) {
	state, gid := newTestState()
	a := addContact(state, gid, 10.0, contact.BlendAcceptLast)
	b := addContact(state, gid, 20.0, contact.BlendAcceptLast)
	connect(state, gid, a.ID, b.ID, contact.WireBidirectional)

	eng := New(nil)
	changes, err := eng.Propagate(state, a.ID, 42.0)
	require.NoError(t, err)

	assert.Equal(t, 42.0, a.Content)
	assert.Equal(t, 42.0, b.Content)
	assert.Len(t, changes, 2)
	assert.Equal(t, a.ID, changes[0].ContactId)
	assert.Equal(t, b.ID, changes[1].ContactId)
}

func TestPropagateIdempotentUnderAcceptLast(t *testing.T) {
	state, gid := newTestState()
	a := addContact(state, gid, 10.0, contact.BlendAcceptLast)
	b := addContact(state, gid, 20.0, contact.BlendAcceptLast)
	connect(state, gid, a.ID, b.ID, contact.WireBidirectional)

	eng := New(nil)
	_, err := eng.Propagate(state, a.ID, 42.0)
	require.NoError(t, err)

	changes, err := eng.Propagate(state, a.ID, 42.0)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPropagateDirectedWireOnlyForwardTraversed(t *testing.T) {
	state, gid := newTestState()
	a := addContact(state, gid, nil, contact.BlendAcceptLast)
	b := addContact(state, gid, nil, contact.BlendAcceptLast)
	connect(state, gid, a.ID, b.ID, contact.WireDirected)

	eng := New(nil)
	_, err := eng.Propagate(state, a.ID, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Content)

	changes, err := eng.Propagate(state, b.ID, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, b.Content)
	assert.Nil(t, a.Content)
	assert.Len(t, changes, 1)
}

func TestPropagateCyclicGraphTerminates(t *testing.T) {
	state, gid := newTestState()
	a := addContact(state, gid, nil, contact.BlendAcceptLast)
	b := addContact(state, gid, nil, contact.BlendAcceptLast)
	c := addContact(state, gid, nil, contact.BlendAcceptLast)
	connect(state, gid, a.ID, b.ID, contact.WireBidirectional)
	connect(state, gid, b.ID, c.ID, contact.WireBidirectional)
	connect(state, gid, c.ID, a.ID, contact.WireBidirectional)

	eng := New(nil)
	changes, err := eng.Propagate(state, a.ID, 5.0)
	require.NoError(t, err)
	assert.Len(t, changes, 3)
	assert.Equal(t, 5.0, a.Content)
	assert.Equal(t, 5.0, b.Content)
	assert.Equal(t, 5.0, c.Content)
}

func TestPropagateMissingContactFails(t *testing.T) {
	state, _ := newTestState()
	eng := New(nil)
	_, err := eng.Propagate(state, contact.NewContactId(), 1.0)
	require.Error(t, err)
}

func TestPropagateMergeRegistryCombinator(t *testing.T) {
	state, gid := newTestState()
	a := addContact(state, gid, 3.0, contact.BlendAcceptLast)
	b := addContact(state, gid, 10.0, contact.BlendMerge)
	connect(state, gid, a.ID, b.ID, contact.WireDirected)

	reg := blend.NewRegistry()
	reg.Register(float64(0), blend.Max)
	eng := New(reg)

	changes, err := eng.Propagate(state, a.ID, 5.0)
	require.NoError(t, err)
	assert.Equal(t, 10.0, b.Content)
	assert.Len(t, changes, 1, "b keeps its larger value so only a's own change is emitted")
}
