package contact

import "time"

// Value is the opaque payload carried by a contact. Blend functions are
// registered per declared content type; the engine never interprets the
// payload itself.
type Value interface{}

// BlendMode selects how an incoming value combines with a contact's
// current content. accept-last always wins; merge defers to a
// domain-specific combiner registered for the contact's content type.
type BlendMode string

const (
	BlendAcceptLast BlendMode = "accept-last"
	BlendMerge      BlendMode = "merge"
)

// Direction describes which way a boundary contact faces relative to its
// owning group: input contacts accept values from the parent, output
// contacts publish values to it.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Contact is an addressable value slot. Content is nil until first
// written. A boundary contact additionally carries a Direction and a
// human-readable Name when it belongs to a primitive gadget's port set.
type Contact struct {
	ID         ContactId
	GroupId    GroupId
	Content    Value
	BlendMode  BlendMode
	IsBoundary bool
	Direction  Direction
	Name       string
}

// WireKind distinguishes a one-way propagation edge from one that
// propagates in both directions.
type WireKind string

const (
	WireDirected      WireKind = "directed"
	WireBidirectional WireKind = "bidirectional"
)

// Wire is a typed edge between two contacts inside a group. Invariant:
// From and To share a GroupId unless at least one is a boundary contact,
// in which case the wire crosses into the adjacent group.
type Wire struct {
	ID      WireId
	GroupId GroupId
	FromId  ContactId
	ToId    ContactId
	Kind    WireKind
}

// Primitive describes a parameterized primitive gadget's port names. When
// present on a Group, boundary contacts are auto-materialized at group
// creation: one per named input, one per named output.
type Primitive struct {
	QualifiedName string
	Inputs        []string
	Outputs       []string
}

// Group is a named container owning sequences of contact, wire, subgroup,
// and boundary-contact IDs.
type Group struct {
	ID       GroupId
	Name     string
	ParentId *GroupId

	ContactIds         []ContactId
	WireIds            []WireId
	SubgroupIds        []GroupId
	BoundaryContactIds []ContactId

	Primitive *Primitive
}

// GroupState owns the live contact and wire maps for a Group.
type GroupState struct {
	Group    Group
	Contacts map[ContactId]*Contact
	Wires    map[WireId]*Wire
}

// NewGroupState constructs an empty GroupState for g.
func NewGroupState(g Group) *GroupState {
	return &GroupState{
		Group:    g,
		Contacts: make(map[ContactId]*Contact),
		Wires:    make(map[WireId]*Wire),
	}
}

// NetworkState is the root aggregate owned exclusively by the userspace
// runtime. The kernel never mutates it and drivers never hold references
// into it — they receive immutable ContactChange records instead.
type NetworkState struct {
	Groups          map[GroupId]*GroupState
	RootGroupId     GroupId
	CurrentGroupId  GroupId
}

// NewNetworkState constructs a NetworkState containing only the root
// group.
func NewNetworkState() *NetworkState {
	root := Group{ID: RootGroupId, Name: "root"}
	state := &NetworkState{
		Groups:         make(map[GroupId]*GroupState),
		RootGroupId:    RootGroupId,
		CurrentGroupId: RootGroupId,
	}
	state.Groups[RootGroupId] = NewGroupState(root)
	return state
}

// ContactChange is an immutable record produced by propagation or by an
// external system describing a new value observed at a contact.
type ContactChange struct {
	ContactId ContactId
	GroupId   GroupId
	Value     Value
	Timestamp time.Time
}
