// Package resource implements the allocatable-unit model and the Resource
// Table: an in-memory map of rooms and labs with a durable CSV backing,
// mutated only while holding the table's exclusivity guard.
package resource

// Kind is the closed set of resource variants. A MobileRoom is a FixedRoom
// temporarily repurposed as a lab substitute; a system reset reverts it.
type Kind string

const (
	KindFixedRoom  Kind = "fixed_room"
	KindLab        Kind = "lab"
	KindMobileRoom Kind = "mobile_room"
)

// Status of a resource. Assigned implies a non-empty assignment context.
type Status string

const (
	StatusAvailable Status = "available"
	StatusAssigned  Status = "assigned"
)

// Resource is a single allocatable unit. The assignment-context fields
// (Requester, Program, RequestedAt, AssignedAt) are empty exactly when the
// resource is Available.
type Resource struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Status      Status `json:"status"`
	Capacity    int    `json:"capacity"`
	Requester   string `json:"requester"`
	Program     string `json:"program"`
	RequestedAt string `json:"requested_at"`
	AssignedAt  string `json:"assigned_at"`
}

// Snapshot is a full serialized table at a point in time. It is a value, not
// a delta: every sync message is self-sufficient, and a missed broadcast is
// simply superseded by the next one.
type Snapshot struct {
	Resources map[string]Resource `json:"resources"`
}

// Stats summarizes table occupancy, logged after every allocation.
type Stats struct {
	TotalFixedRooms     int `json:"total_fixed_rooms"`
	TotalLabs           int `json:"total_labs"`
	TotalMobileRooms    int `json:"total_mobile_rooms"`
	AvailableFixedRooms int `json:"available_fixed_rooms"`
	AvailableLabs       int `json:"available_labs"`
	MobileRoomsInUse    int `json:"mobile_rooms_in_use"`
}
