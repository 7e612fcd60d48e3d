package resource

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"room-dispatch/message"
)

var csvHeader = []string{"id", "kind", "status", "capacity", "requester", "program", "requested_at", "assigned_at"}

// Table owns the resource map. Every read-modify-write runs under the single
// table mutex; the durable rewrite happens inside the same critical section,
// so persistence is a serialization point across concurrent requests.
type Table struct {
	mu        sync.Mutex
	path      string
	resources map[string]*Resource
	logger    *log.Logger
}

// NewTable creates an empty table backed by the given file path.
func NewTable(path string, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.New(os.Stdout, "[table] ", log.LstdFlags)
	}
	return &Table{
		path:      path,
		resources: make(map[string]*Resource),
		logger:    logger,
	}
}

// Load reads the full table from its durable CSV file. Called once at
// process start; the file is rewritten in full on every successful mutation.
func Load(path string, logger *log.Logger) (*Table, error) {
	t := NewTable(path, logger)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open resource table: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read resource table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("resource table %s has no header row", path)
	}

	// Skip the header row
	for _, row := range rows[1:] {
		if len(row) < len(csvHeader) {
			return nil, fmt.Errorf("resource table row too short: %v", row)
		}
		capacity, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("bad capacity %q for resource %s: %w", row[3], row[0], err)
		}
		t.resources[row[0]] = &Resource{
			ID:          row[0],
			Kind:        Kind(row[1]),
			Status:      Status(row[2]),
			Capacity:    capacity,
			Requester:   row[4],
			Program:     row[5],
			RequestedAt: row[6],
			AssignedAt:  row[7],
		}
	}

	t.logger.Printf("loaded %d resources from %s", len(t.resources), path)
	return t, nil
}

// FromSnapshot builds a table seeded from a replicated snapshot. Used by a
// promoting standby, whose view of the world is the last applied snapshot.
func FromSnapshot(path string, snap *Snapshot, logger *log.Logger) *Table {
	t := NewTable(path, logger)
	for id, r := range snap.Resources {
		copied := r
		t.resources[id] = &copied
	}
	return t
}

// Save rewrites the durable file in full (replace-all, not append).
func (t *Table) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

// saveLocked must be called with t.mu held.
func (t *Table) saveLocked() error {
	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("rewrite resource table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, id := range t.sortedIDsLocked() {
		r := t.resources[id]
		err := w.Write([]string{
			r.ID, string(r.Kind), string(r.Status), strconv.Itoa(r.Capacity),
			r.Requester, r.Program, r.RequestedAt, r.AssignedAt,
		})
		if err != nil {
			return fmt.Errorf("write row %s: %w", r.ID, err)
		}
	}
	w.Flush()
	return w.Error()
}

// sortedIDsLocked returns resource ids in stable order. Map iteration order
// is randomized; scans and file rows must not be.
func (t *Table) sortedIDsLocked() []string {
	ids := make([]string, 0, len(t.resources))
	for id := range t.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Allocate processes one allocation request under the table mutex.
//
// The assignment is planned in full before anything is mutated: if the room
// portion, or the lab portion even after converting spare fixed rooms, cannot
// be satisfied, the table is left untouched and an unavailable response is
// returned. No partial assignment ever escapes.
func (t *Table) Allocate(req *message.Request) *message.Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().Format(time.RFC3339)

	// Plan the room portion from available fixed rooms.
	roomPlan := make([]string, 0, req.RoomsRequested)
	for _, id := range t.sortedIDsLocked() {
		if len(roomPlan) == req.RoomsRequested {
			break
		}
		r := t.resources[id]
		if r.Kind == KindFixedRoom && r.Status == StatusAvailable {
			roomPlan = append(roomPlan, id)
		}
	}
	if len(roomPlan) < req.RoomsRequested {
		return message.Unavailable(fmt.Sprintf(
			"insufficient rooms: requested %d, available %d", req.RoomsRequested, len(roomPlan)))
	}

	// Plan the lab portion from available labs.
	labPlan := make([]string, 0, req.LabsRequested)
	for _, id := range t.sortedIDsLocked() {
		if len(labPlan) == req.LabsRequested {
			break
		}
		r := t.resources[id]
		if r.Kind == KindLab && r.Status == StatusAvailable {
			labPlan = append(labPlan, id)
		}
	}

	// Cover a lab shortfall by converting fixed rooms not already claimed
	// for the room portion.
	convertPlan := make([]string, 0)
	if shortfall := req.LabsRequested - len(labPlan); shortfall > 0 {
		claimed := make(map[string]bool, len(roomPlan))
		for _, id := range roomPlan {
			claimed[id] = true
		}
		for _, id := range t.sortedIDsLocked() {
			if len(convertPlan) == shortfall {
				break
			}
			r := t.resources[id]
			if r.Kind == KindFixedRoom && r.Status == StatusAvailable && !claimed[id] {
				convertPlan = append(convertPlan, id)
			}
		}
		if len(convertPlan) < shortfall {
			return message.Unavailable(fmt.Sprintf(
				"insufficient labs: requested %d, available %d (plus %d convertible rooms)",
				req.LabsRequested, len(labPlan), len(convertPlan)))
		}
	}

	// The plan is complete — apply it.
	for _, id := range roomPlan {
		t.assignLocked(id, req, now)
	}
	for _, id := range labPlan {
		t.assignLocked(id, req, now)
	}
	for _, id := range convertPlan {
		t.resources[id].Kind = KindMobileRoom
		t.assignLocked(id, req, now)
		t.logger.Printf("fixed room %s converted to mobile room for %s - %s", id, req.Requester, req.Program)
	}

	// Persist inside the critical section. On failure the caller gets a
	// generic error; memory and disk may diverge until the next successful
	// write (known risk, no automatic retry).
	if err := t.saveLocked(); err != nil {
		t.logger.Printf("persist failed after allocation for %s - %s: %v", req.Requester, req.Program, err)
		return message.Errorf("allocation could not be persisted")
	}

	notice := ""
	if len(convertPlan) > 0 {
		notice = fmt.Sprintf("%d fixed rooms were converted to mobile rooms to cover the lab shortfall", len(convertPlan))
	}

	t.logger.Printf("allocated rooms=%v labs=%v mobile=%v to %s - %s",
		roomPlan, labPlan, convertPlan, req.Requester, req.Program)

	return message.Success(req, roomPlan, append(labPlan, convertPlan...), notice)
}

// assignLocked marks one resource assigned with the request's context.
func (t *Table) assignLocked(id string, req *message.Request, now string) {
	r := t.resources[id]
	r.Status = StatusAssigned
	r.Requester = req.Requester
	r.Program = req.Program
	r.RequestedAt = now
	r.AssignedAt = now
}

// Reset restores every resource to Available, clears the assignment context,
// reverts mobile rooms to fixed rooms, and rewrites the durable file.
// Resources are never removed at runtime; reset is the only release path.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.resources {
		r.Status = StatusAvailable
		r.Requester = ""
		r.Program = ""
		r.RequestedAt = ""
		r.AssignedAt = ""
		if r.Kind == KindMobileRoom {
			r.Kind = KindFixedRoom
		}
	}
	if err := t.saveLocked(); err != nil {
		return err
	}
	t.logger.Printf("table reset: %d resources restored to available", len(t.resources))
	return nil
}

// SnapshotNow exports a deep copy of the full table for the sync feed.
func (t *Table) SnapshotNow() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &Snapshot{Resources: make(map[string]Resource, len(t.resources))}
	for id, r := range t.resources {
		snap.Resources[id] = *r
	}
	return snap
}

// ApplySnapshot upserts every resource from an incoming snapshot. Existing
// identities are overwritten field-for-field (last-write-wins at snapshot
// granularity); unknown identities are inserted; identities absent from the
// snapshot are NOT deleted, since resources are never removed at runtime.
// Applying the same snapshot twice is a no-op the second time.
func (t *Table) ApplySnapshot(snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, incoming := range snap.Resources {
		copied := incoming
		t.resources[id] = &copied
	}
}

// Export returns a copy of the table for inspection and comparison.
func (t *Table) Export() map[string]Resource {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Resource, len(t.resources))
	for id, r := range t.resources {
		out[id] = *r
	}
	return out
}

// Stats computes occupancy counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	for _, r := range t.resources {
		switch r.Kind {
		case KindFixedRoom:
			s.TotalFixedRooms++
			if r.Status == StatusAvailable {
				s.AvailableFixedRooms++
			}
		case KindLab:
			s.TotalLabs++
			if r.Status == StatusAvailable {
				s.AvailableLabs++
			}
		case KindMobileRoom:
			s.TotalMobileRooms++
			if r.Status == StatusAssigned {
				s.MobileRoomsInUse++
			}
		}
	}
	return s
}

// Len reports how many resources the table holds.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Put inserts or replaces a resource. Used by seeding code and tests.
func (t *Table) Put(r Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copied := r
	t.resources[r.ID] = &copied
}
