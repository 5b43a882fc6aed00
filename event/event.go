package event

import (
	"fmt"

	networkingv1 "k8s.io/api/networking/v1"
)

type EventType int

const (
	Create EventType = iota
	Update
	Delete
)

func (t EventType) String() string {
	switch t {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

type Event struct {
	Type EventType
	Data *networkingv1.Ingress
}

// Key identifies the ingress an event belongs to.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s", e.Data.ObjectMeta.Namespace, e.Data.ObjectMeta.Name)
}
