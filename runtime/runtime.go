// Package runtime implements the userspace runtime: the sole owner of
// NetworkState, exposing authoring operations and decoding ExternalInput
// into them, and mirroring propagation results to the kernel without
// awaiting its completion.
package runtime

import (
	"context"
	"sync"

	"github.com/teranos/propagator/blend"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/engine"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
	"github.com/teranos/propagator/primitive"
	"github.com/teranos/propagator/scheduler"
)

// ChangeSink receives changes as they are committed. The kernel
// implements this to receive fire-and-forget fan-out work.
type ChangeSink interface {
	HandleChange(change contact.ContactChange)
}

// Subscriber is a local observer callback registered via Subscribe.
type Subscriber func(change contact.ContactChange)

// Runtime owns NetworkState exclusively; the kernel and drivers never
// mutate it directly.
type Runtime struct {
	mu    sync.Mutex
	state *contact.NetworkState
	eng   *engine.Engine
	sink  ChangeSink

	primitives   *primitive.Registry
	schedulers   *scheduler.Registry
	primitiveDst string

	subMu     sync.RWMutex
	subs      map[int]Subscriber
	nextSubID int
}

// New constructs a Runtime with a fresh NetworkState and the given blend
// registry (may be nil for accept-last-only behavior).
func New(reg *blend.Registry) *Runtime {
	return &Runtime{
		state:        contact.NewNetworkState(),
		eng:          engine.New(reg),
		subs:         make(map[int]Subscriber),
		primitives:   primitive.NewRegistry(),
		schedulers:   scheduler.NewRegistry(),
		primitiveDst: "./primitives",
	}
}

// SetPrimitiveDestDir overrides the directory primitive.Registry.Load
// fetches gadget sources into. Defaults to "./primitives".
func (r *Runtime) SetPrimitiveDestDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primitiveDst = dir
}

// SetSink wires the kernel's change handler into the runtime. Must be
// called before any ScheduleUpdate that should reach drivers.
func (r *Runtime) SetSink(sink ChangeSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// RegisterGroup is idempotent by ID. When g.Primitive is set, boundary
// contacts are materialized synchronously, one per named input and one
// per named output, before this returns.
func (r *Runtime) RegisterGroup(g contact.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.state.Groups[g.ID]; exists {
		return nil
	}
	r.state.Groups[g.ID] = contact.NewGroupState(g)

	if g.Primitive != nil {
		r.materializeBoundaryContactsLocked(g.ID, g.Primitive)
	}
	return nil
}

func (r *Runtime) materializeBoundaryContactsLocked(gid contact.GroupId, prim *contact.Primitive) {
	gs := r.state.Groups[gid]
	for _, name := range prim.Inputs {
		c := &contact.Contact{
			ID: contact.NewContactId(), GroupId: gid,
			IsBoundary: true, Direction: contact.DirectionInput, Name: name,
			BlendMode: contact.BlendAcceptLast,
		}
		gs.Contacts[c.ID] = c
		gs.Group.ContactIds = append(gs.Group.ContactIds, c.ID)
		gs.Group.BoundaryContactIds = append(gs.Group.BoundaryContactIds, c.ID)
	}
	for _, name := range prim.Outputs {
		c := &contact.Contact{
			ID: contact.NewContactId(), GroupId: gid,
			IsBoundary: true, Direction: contact.DirectionOutput, Name: name,
			BlendMode: contact.BlendAcceptLast,
		}
		gs.Contacts[c.ID] = c
		gs.Group.ContactIds = append(gs.Group.ContactIds, c.ID)
		gs.Group.BoundaryContactIds = append(gs.Group.BoundaryContactIds, c.ID)
	}
}

// AddContact adds c to groupId, appending to the group's contact list and
// its boundary-contact list when c.IsBoundary.
func (r *Runtime) AddContact(groupId contact.GroupId, c contact.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs, ok := r.state.Groups[groupId]
	if !ok {
		return errors.Newf("group not found: %s", groupId)
	}
	c.GroupId = groupId
	stored := c
	gs.Contacts[c.ID] = &stored
	gs.Group.ContactIds = append(gs.Group.ContactIds, c.ID)
	if c.IsBoundary {
		gs.Group.BoundaryContactIds = append(gs.Group.BoundaryContactIds, c.ID)
	}
	return nil
}

// RemoveContact detaches every wire touching the contact, then removes
// it from its owning group. Implements the core's external-remove-contact
// semantics (resolved into scope; see DESIGN.md).
func (r *Runtime) RemoveContact(id contact.ContactId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs := r.findGroupByContactLocked(id)
	if gs == nil {
		return errors.Newf("contact not found: %s", id)
	}

	for wid, w := range gs.Wires {
		if w.FromId == id || w.ToId == id {
			delete(gs.Wires, wid)
			gs.Group.WireIds = removeWireId(gs.Group.WireIds, wid)
		}
	}

	delete(gs.Contacts, id)
	gs.Group.ContactIds = removeContactId(gs.Group.ContactIds, id)
	gs.Group.BoundaryContactIds = removeContactId(gs.Group.BoundaryContactIds, id)
	return nil
}

// RemoveGroup removes g and every contact, wire, and subgroup it owns.
func (r *Runtime) RemoveGroup(id contact.GroupId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeGroupLocked(id)
}

func (r *Runtime) removeGroupLocked(id contact.GroupId) error {
	gs, ok := r.state.Groups[id]
	if !ok {
		return errors.Newf("group not found: %s", id)
	}
	for _, sub := range gs.Group.SubgroupIds {
		if err := r.removeGroupLocked(sub); err != nil {
			return err
		}
	}
	delete(r.state.Groups, id)
	return nil
}

// Connect inserts a wire. If the source has a defined content, it
// immediately schedules propagation from source to target; for a
// bidirectional wire where both sides are already defined, the source's
// value wins.
func (r *Runtime) Connect(groupId contact.GroupId, from, to contact.ContactId, kind contact.WireKind) (contact.WireId, error) {
	r.mu.Lock()
	gs, ok := r.state.Groups[groupId]
	if !ok {
		r.mu.Unlock()
		return "", errors.Newf("group not found: %s", groupId)
	}

	w := &contact.Wire{ID: contact.NewWireId(), GroupId: groupId, FromId: from, ToId: to, Kind: kind}
	gs.Wires[w.ID] = w
	gs.Group.WireIds = append(gs.Group.WireIds, w.ID)

	fromContact := r.findContactLocked(from)
	r.mu.Unlock()

	if fromContact != nil && fromContact.Content != nil {
		if _, err := r.ScheduleUpdate(from, fromContact.Content); err != nil {
			return w.ID, err
		}
	}

	return w.ID, nil
}

// RemoveWire removes a single wire without touching its endpoint
// contacts.
func (r *Runtime) RemoveWire(id contact.WireId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, gs := range r.state.Groups {
		if _, ok := gs.Wires[id]; ok {
			delete(gs.Wires, id)
			gs.Group.WireIds = removeWireId(gs.Group.WireIds, id)
			return nil
		}
	}
	return errors.Newf("wire not found: %s", id)
}

// ScheduleUpdate runs propagation, commits the resulting changes, mirrors
// each one to the kernel, and notifies local subscribers. The mirror call
// is made synchronously — sink.HandleChange (kernel.Kernel.HandleChange in
// production) is itself fire-and-forget and registers the pending
// operation before returning, so calling it directly here is what lets
// kernel.HasPendingWork observe the dispatch immediately after this method
// returns; backgrounding the call here would race that registration.
// Errors here (unknown contact, blend-function panic recovery is the
// caller's concern) are surfaced synchronously to the caller, per the
// error handling design.
func (r *Runtime) ScheduleUpdate(cid contact.ContactId, value contact.Value) ([]contact.ContactChange, error) {
	r.mu.Lock()
	changes, err := r.eng.Propagate(r.state, cid, value)
	sink := r.sink
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	for _, change := range changes {
		if sink != nil {
			sink.HandleChange(change)
		}
		r.notifySubscribers(change)
	}

	return changes, nil
}

// Subscribe registers fn on the local change feed (used by UI/TUI
// collaborators) and returns a function that removes it. Not part of the
// kernel dispatch path.
func (r *Runtime) Subscribe(fn Subscriber) func() {
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Runtime) notifySubscribers(change contact.ContactChange) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subs {
		fn(change)
	}
}

func (r *Runtime) findContactLocked(id contact.ContactId) *contact.Contact {
	for _, gs := range r.state.Groups {
		if c, ok := gs.Contacts[id]; ok {
			return c
		}
	}
	return nil
}

func (r *Runtime) findGroupByContactLocked(id contact.ContactId) *contact.GroupState {
	for _, gs := range r.state.Groups {
		if _, ok := gs.Contacts[id]; ok {
			return gs
		}
	}
	return nil
}

func removeContactId(ids []contact.ContactId, target contact.ContactId) []contact.ContactId {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func removeWireId(ids []contact.WireId, target contact.WireId) []contact.WireId {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// HandleExternalInput decodes in per §4.2/§6 and applies it to the
// runtime. Query variants produce a Reply addressed back to the caller
// rather than mutating state.
func (r *Runtime) HandleExternalInput(ctx context.Context, in input.Input) (*input.Reply, error) {
	logger := logging.ComponentLogger("runtime")

	switch in.Kind {
	case input.KindContactUpdate:
		_, err := r.ScheduleUpdate(in.ContactId, in.Value)
		return nil, err

	case input.KindAddContact:
		if in.Contact == nil {
			return nil, errors.Newf("add-contact requires a contact payload")
		}
		return nil, r.AddContact(in.GroupId, *in.Contact)

	case input.KindRemoveContact:
		return nil, r.RemoveContact(in.ContactId)

	case input.KindAddGroup:
		if in.Group == nil {
			return nil, errors.Newf("add-group requires a group payload")
		}
		return nil, r.RegisterGroup(*in.Group)

	case input.KindRemoveGroup:
		return nil, r.RemoveGroup(in.GroupId)

	case input.KindCreateWire:
		_, err := r.Connect(in.GroupId, in.FromId, in.ToId, in.WireKind)
		return nil, err

	case input.KindRemoveWire:
		return nil, r.RemoveWire(in.WireId)

	case input.KindQueryContact:
		c := r.findContactLocked(in.ContactId)
		if c == nil {
			return &input.Reply{RequestId: in.RequestId, Err: errors.Newf("contact not found: %s", in.ContactId)}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: *c}, nil

	case input.KindQueryGroup:
		return r.queryGroup(in)

	case input.KindLoadPrimitive:
		r.mu.Lock()
		dst := r.primitiveDst
		r.mu.Unlock()
		desc, err := r.primitives.Load(ctx, in.PrimitiveURL, dst)
		if err != nil {
			return &input.Reply{RequestId: in.RequestId, Err: err}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: desc}, nil

	case input.KindCreatePrimitiveGadget:
		desc, ok := r.primitives.Get(in.QualifiedName)
		if !ok {
			return &input.Reply{RequestId: in.RequestId, Err: errors.Newf("primitive not loaded: %s", in.QualifiedName)}, nil
		}
		var parentId *contact.GroupId
		if in.GroupId != "" {
			gid := in.GroupId
			parentId = &gid
		}
		g := primitive.NewGadgetGroup(desc, in.QualifiedName, parentId)
		if err := r.RegisterGroup(g); err != nil {
			return &input.Reply{RequestId: in.RequestId, Err: err}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: g}, nil

	case input.KindListPrimitives:
		return &input.Reply{RequestId: in.RequestId, Result: r.primitives.List()}, nil

	case input.KindListPrimitiveInfo:
		names := r.primitives.List()
		infos := make([]*primitive.Descriptor, 0, len(names))
		for _, name := range names {
			if d, ok := r.primitives.Get(name); ok {
				infos = append(infos, d)
			}
		}
		return &input.Reply{RequestId: in.RequestId, Result: infos}, nil

	case input.KindGetPrimitiveInfo:
		desc, ok := r.primitives.Get(in.QualifiedName)
		if !ok {
			return &input.Reply{RequestId: in.RequestId, Err: errors.Newf("primitive not found: %s", in.QualifiedName)}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: desc}, nil

	case input.KindSetScheduler:
		if err := r.schedulers.Select(in.SchedulerName); err != nil {
			return &input.Reply{RequestId: in.RequestId, Err: err}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: in.SchedulerName}, nil

	case input.KindListSchedulers:
		return &input.Reply{RequestId: in.RequestId, Result: r.schedulers.List()}, nil

	case input.KindGetSchedulerInfo:
		name := in.SchedulerName
		if name == "" {
			name = r.schedulers.Current()
		}
		info, ok := r.schedulers.Get(name)
		if !ok {
			return &input.Reply{RequestId: in.RequestId, Err: errors.Newf("scheduler not found: %s", name)}, nil
		}
		return &input.Reply{RequestId: in.RequestId, Result: info}, nil

	default:
		logger.Warnw("unhandled external input kind", logging.FieldSource, in.Source, "kind", in.Kind)
		return nil, errors.Newf("unhandled external input kind: %s", in.Kind)
	}
}

func (r *Runtime) queryGroup(in input.Input) (*input.Reply, error) {
	r.mu.Lock()
	gs, ok := r.state.Groups[in.GroupId]
	r.mu.Unlock()
	if !ok {
		return &input.Reply{RequestId: in.RequestId, Err: errors.Newf("group not found: %s", in.GroupId)}, nil
	}

	result := map[string]interface{}{"group": gs.Group}
	if in.IncludeContacts {
		result["contacts"] = gs.Contacts
	}
	if in.IncludeWires {
		result["wires"] = gs.Wires
	}
	if in.IncludeSubgroups {
		result["subgroups"] = gs.Group.SubgroupIds
	}
	return &input.Reply{RequestId: in.RequestId, Result: result}, nil
}
