package netmon

import "fmt"

// NetworkType is the transport of the host's active network.
type NetworkType string

const (
	TypeWiFi     NetworkType = "wifi"
	TypeMobile   NetworkType = "mobile"
	TypeEthernet NetworkType = "ethernet"
	TypeVPN      NetworkType = "vpn"
	TypeUnknown  NetworkType = "unknown"
	TypeNone     NetworkType = "none"
)

// EventKind identifies a connectivity transition.
type EventKind int

const (
	EventAvailable EventKind = iota
	EventTypeChanged
	EventLost
	EventUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventAvailable:
		return "available"
	case EventTypeChanged:
		return "type_changed"
	case EventLost:
		return "lost"
	case EventUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one connectivity transition. From is only set for
// EventTypeChanged and EventLost.
type Event struct {
	Kind EventKind
	Type NetworkType
	From NetworkType
}

func (e Event) String() string {
	switch e.Kind {
	case EventTypeChanged:
		return fmt.Sprintf("type_changed(%s -> %s)", e.From, e.Type)
	case EventAvailable:
		return fmt.Sprintf("available(%s)", e.Type)
	default:
		return e.Kind.String()
	}
}

// diff computes the event to report when the active network moves from prev
// to next. prev is empty before anything has been reported. Repeated reports
// of the same type are suppressed.
func diff(prev, next NetworkType) (Event, bool) {
	switch {
	case prev == "" && next == TypeNone:
		return Event{Kind: EventUnavailable, Type: TypeNone}, true
	case prev == "" || prev == TypeNone:
		if next == TypeNone {
			return Event{}, false
		}
		return Event{Kind: EventAvailable, Type: next}, true
	case next == TypeNone:
		return Event{Kind: EventLost, Type: TypeNone, From: prev}, true
	case next == prev:
		return Event{}, false
	default:
		return Event{Kind: EventTypeChanged, Type: next, From: prev}, true
	}
}
