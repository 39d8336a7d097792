// Package contact defines the runtime's core data model: contacts, wires,
// groups, and the network state that owns them, per the data model the
// propagation engine and kernel operate over.
package contact

import (
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// ContactId, GroupId, and WireId are opaque, totally ordered identifiers,
// distinct at the type level so a contact can never be mistaken for a
// group or a wire even though all three share an underlying encoding.
type ContactId string
type GroupId string
type WireId string

// newID generates a globally unique identifier within this runtime
// instance: a random UUIDv4, base58-encoded for a compact external form
// (the same encoding the rest of the stack uses for public identifiers).
func newID() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// NewContactId returns a freshly generated ContactId.
func NewContactId() ContactId { return ContactId(newID()) }

// NewGroupId returns a freshly generated GroupId.
func NewGroupId() GroupId { return GroupId(newID()) }

// NewWireId returns a freshly generated WireId.
func NewWireId() WireId { return WireId(newID()) }

// RootGroupId is the well-known identifier of the network's root group,
// materialized when a NetworkState is constructed.
const RootGroupId GroupId = "root"

// SystemContactId addresses the synthetic contact that carries query
// replies back to the requesting driver.
const SystemContactId ContactId = "system"
