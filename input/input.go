// Package input defines the ExternalInput envelope: the tagged sum of
// actions a bridge decodes from its transport and hands to the kernel for
// delegation into the userspace runtime.
package input

import (
	"github.com/teranos/propagator/contact"
)

// Kind names one of the normative external-input envelope tags from the
// external interfaces surface.
type Kind string

const (
	KindContactUpdate Kind = "external-contact-update"
	KindAddContact    Kind = "external-add-contact"
	KindRemoveContact Kind = "external-remove-contact"

	KindAddGroup    Kind = "external-add-group"
	KindRemoveGroup Kind = "external-remove-group"

	KindCreateWire Kind = "external-create-wire"
	KindRemoveWire Kind = "external-remove-wire"

	KindQueryContact Kind = "external-query-contact"
	KindQueryGroup   Kind = "external-query-group"

	KindLoadPrimitive        Kind = "external-load-primitive"
	KindCreatePrimitiveGadget Kind = "external-create-primitive-gadget"
	KindListPrimitives       Kind = "external-list-primitives"
	KindListPrimitiveInfo    Kind = "external-list-primitive-info"
	KindGetPrimitiveInfo     Kind = "external-get-primitive-info"

	KindSetScheduler    Kind = "external-set-scheduler"
	KindListSchedulers  Kind = "external-list-schedulers"
	KindGetSchedulerInfo Kind = "external-get-scheduler-info"
)

// Metadata carries optional out-of-band detail attached to an input.
type Metadata struct {
	Timestamp int64
	Extra     map[string]interface{}
}

// Input is the envelope every external action arrives in: a Kind
// discriminator, the originating driver's Source, an optional RequestId
// for reply correlation, and a Kind-specific payload.
type Input struct {
	Kind      Kind
	Source    string
	RequestId string
	Metadata  Metadata

	ContactId contact.ContactId
	GroupId   contact.GroupId
	WireId    contact.WireId

	Value contact.Value

	Contact *contact.Contact
	Group   *contact.Group
	Wire    *contact.Wire

	FromId   contact.ContactId
	ToId     contact.ContactId
	WireKind contact.WireKind

	IncludeContacts  bool
	IncludeWires     bool
	IncludeSubgroups bool

	QualifiedName string
	PrimitiveURL  string
	SchedulerName string
}

// Reply is a query-variant response record, addressed to the synthetic
// system contact and correlated via RequestId.
type Reply struct {
	RequestId string
	Result    interface{}
	Err       error
}
