// Package message defines the payloads exchanged across the dispatch pipeline.
//
// Envelope is the broker↔worker wrapper: it carries the client's
// transport-assigned return address alongside the opaque payload, so the
// broker can route the eventual reply without understanding request
// semantics. Request and Response are the allocation schema the clients and
// workers agree on; Response is a discriminated union so the "unavailable"
// and "error" shapes are an explicit, type-checked choice.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope wraps a request or reply on the broker↔worker hop.
//
//   - Broker → Worker: ClientAddr is the originating client's return address,
//     Payload is the raw request bytes as received from the client.
//   - Worker → Broker: ClientAddr is echoed back unchanged, Payload is the
//     serialized Response.
type Envelope struct {
	ClientAddr string // Return address assigned by the transport layer
	Payload    []byte // Opaque request or response bytes (JSON)
}

// Request is an allocation request as sent by a faculty client.
// RoomsRequested and LabsRequested are satisfied independently; a lab
// shortfall may be covered by converting still-available fixed rooms.
type Request struct {
	Requester      string `json:"requester"`
	Program        string `json:"program"`
	Term           int    `json:"term"`
	RoomsRequested int    `json:"rooms_requested"`
	LabsRequested  int    `json:"labs_requested"`
	MinCapacity    int    `json:"min_capacity,omitempty"`
}

// Validate checks the fields a worker refuses to process without.
// MinCapacity is optional and not validated here.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Requester) == "" {
		return fmt.Errorf("missing required field: requester")
	}
	if strings.TrimSpace(r.Program) == "" {
		return fmt.Errorf("missing required field: program")
	}
	if r.RoomsRequested < 0 || r.LabsRequested < 0 {
		return fmt.Errorf("rooms_requested and labs_requested must be non-negative")
	}
	if r.RoomsRequested == 0 && r.LabsRequested == 0 {
		return fmt.Errorf("request must ask for at least one room or lab")
	}
	return nil
}

// Kind discriminates the three response shapes.
type Kind int

const (
	KindSuccess     Kind = iota // Allocation fulfilled
	KindUnavailable             // Insufficient capacity, nothing was assigned
	KindError                   // Validation, persistence, or internal failure
)

// Response is the worker's answer to a Request. Exactly one of the three
// shapes goes over the wire:
//
//	success:     {"requester":..., "program":..., "term":..., "rooms_assigned":[...], "labs_assigned":[...], "notice":...}
//	unavailable: {"unavailable": "<message>"}
//	error:       {"error": "<message>"}
//
// The unavailable/error split is a real distinction: unavailable means the
// request was understood and nothing matched, error means it was never
// applied. Callers must check both keys.
type Response struct {
	Kind          Kind
	Requester     string
	Program       string
	Term          int
	RoomsAssigned []string
	LabsAssigned  []string
	Notice        string // Non-empty when fixed rooms were converted to cover labs
	Message       string // Unavailable or error detail
}

// Success builds a fulfilled-allocation response.
func Success(req *Request, rooms, labs []string, notice string) *Response {
	return &Response{
		Kind:          KindSuccess,
		Requester:     req.Requester,
		Program:       req.Program,
		Term:          req.Term,
		RoomsAssigned: rooms,
		LabsAssigned:  labs,
		Notice:        notice,
	}
}

// Unavailable builds an insufficient-capacity response.
func Unavailable(msg string) *Response {
	return &Response{Kind: KindUnavailable, Message: msg}
}

// Errorf builds an error response.
func Errorf(format string, args ...any) *Response {
	return &Response{Kind: KindError, Message: fmt.Sprintf(format, args...)}
}

// successWire is the JSON layout of a success response.
type successWire struct {
	Requester     string   `json:"requester"`
	Program       string   `json:"program"`
	Term          int      `json:"term"`
	RoomsAssigned []string `json:"rooms_assigned"`
	LabsAssigned  []string `json:"labs_assigned"`
	Notice        string   `json:"notice,omitempty"`
}

// MarshalJSON emits exactly one of the three wire shapes.
func (r *Response) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindUnavailable:
		return json.Marshal(map[string]string{"unavailable": r.Message})
	case KindError:
		return json.Marshal(map[string]string{"error": r.Message})
	default:
		rooms := r.RoomsAssigned
		if rooms == nil {
			rooms = []string{}
		}
		labs := r.LabsAssigned
		if labs == nil {
			labs = []string{}
		}
		return json.Marshal(successWire{
			Requester:     r.Requester,
			Program:       r.Program,
			Term:          r.Term,
			RoomsAssigned: rooms,
			LabsAssigned:  labs,
			Notice:        r.Notice,
		})
	}
}

// UnmarshalJSON recovers the union by probing the discriminating keys:
// "unavailable" first, then "error", then the success layout.
func (r *Response) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["unavailable"]; ok {
		r.Kind = KindUnavailable
		return json.Unmarshal(raw, &r.Message)
	}
	if raw, ok := probe["error"]; ok {
		r.Kind = KindError
		return json.Unmarshal(raw, &r.Message)
	}
	var wire successWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Response{
		Kind:          KindSuccess,
		Requester:     wire.Requester,
		Program:       wire.Program,
		Term:          wire.Term,
		RoomsAssigned: wire.RoomsAssigned,
		LabsAssigned:  wire.LabsAssigned,
		Notice:        wire.Notice,
	}
	return nil
}

// BeaconPrefix tags heartbeat payloads so a beacon is never confused with a
// data frame even if message types are mishandled.
const BeaconPrefix = "HB "

// FormatBeacon renders a heartbeat payload for the given instant.
func FormatBeacon(at time.Time) []byte {
	return []byte(BeaconPrefix + at.Format(time.RFC3339))
}

// ParseBeacon extracts the timestamp from a heartbeat payload.
func ParseBeacon(body []byte) (time.Time, error) {
	s := string(body)
	if !strings.HasPrefix(s, BeaconPrefix) {
		return time.Time{}, fmt.Errorf("malformed beacon: %q", s)
	}
	return time.Parse(time.RFC3339, strings.TrimPrefix(s, BeaconPrefix))
}

// BrokerError is the standardized payload the broker substitutes when a
// worker reply fails to parse as JSON. Clients always receive valid JSON.
func BrokerError(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
