package resource

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"room-dispatch/message"
)

func testTable(t *testing.T, fixedRooms, labs int) *Table {
	t.Helper()
	tab := NewTable(filepath.Join(t.TempDir(), "resources.csv"), nil)
	for i := 0; i < fixedRooms; i++ {
		tab.Put(Resource{ID: fmt.Sprintf("R%02d", i+1), Kind: KindFixedRoom, Status: StatusAvailable, Capacity: 30})
	}
	for i := 0; i < labs; i++ {
		tab.Put(Resource{ID: fmt.Sprintf("L%02d", i+1), Kind: KindLab, Status: StatusAvailable, Capacity: 20})
	}
	return tab
}

func testRequest(rooms, labs int) *message.Request {
	return &message.Request{
		Requester:      "Engineering",
		Program:        "Systems",
		Term:           1,
		RoomsRequested: rooms,
		LabsRequested:  labs,
	}
}

func TestAllocateWithConversion(t *testing.T) {
	// 5 available fixed rooms, 0 labs. Asking for 3 rooms + 2 labs must
	// assign 3 rooms and convert the 2 remaining rooms into mobile rooms.
	tab := testTable(t, 5, 0)

	resp := tab.Allocate(testRequest(3, 2))
	if resp.Kind != message.KindSuccess {
		t.Fatalf("Expected success, got kind %v (%s)", resp.Kind, resp.Message)
	}
	if len(resp.RoomsAssigned) != 3 {
		t.Fatalf("Expected 3 rooms assigned, got %v", resp.RoomsAssigned)
	}
	if len(resp.LabsAssigned) != 2 {
		t.Fatalf("Expected 2 labs assigned (converted), got %v", resp.LabsAssigned)
	}
	if resp.Notice == "" {
		t.Fatal("Expected a non-empty conversion notice")
	}

	// The converted units must now be mobile rooms, assigned, with context
	export := tab.Export()
	for _, id := range resp.LabsAssigned {
		r := export[id]
		if r.Kind != KindMobileRoom {
			t.Errorf("Resource %s should be a mobile room, got %s", id, r.Kind)
		}
		if r.Status != StatusAssigned || r.Requester == "" || r.AssignedAt == "" {
			t.Errorf("Resource %s missing assignment context: %+v", id, r)
		}
	}

	// No overlap between the room portion and the converted labs
	for _, room := range resp.RoomsAssigned {
		for _, lab := range resp.LabsAssigned {
			if room == lab {
				t.Fatalf("Resource %s assigned as both room and lab", room)
			}
		}
	}
}

func TestAllocateUnavailableNoMutation(t *testing.T) {
	tab := testTable(t, 2, 1)
	before := tab.Export()

	// Room portion cannot be satisfied
	resp := tab.Allocate(testRequest(3, 0))
	if resp.Kind != message.KindUnavailable {
		t.Fatalf("Expected unavailable, got kind %v", resp.Kind)
	}
	if !reflect.DeepEqual(before, tab.Export()) {
		t.Fatal("Unavailable response must leave the table unchanged")
	}

	// Lab portion cannot be satisfied even with conversion: 2 rooms + 1 lab,
	// asking 2 rooms + 2 labs leaves no convertible room.
	resp = tab.Allocate(testRequest(2, 2))
	if resp.Kind != message.KindUnavailable {
		t.Fatalf("Expected unavailable, got kind %v (%s)", resp.Kind, resp.Message)
	}
	if !reflect.DeepEqual(before, tab.Export()) {
		t.Fatal("Partial assignment leaked on lab shortfall")
	}
}

func TestAllocateLabsBeforeConversion(t *testing.T) {
	// Real labs are used first; conversion only covers the shortfall.
	tab := testTable(t, 3, 1)

	resp := tab.Allocate(testRequest(1, 2))
	if resp.Kind != message.KindSuccess {
		t.Fatalf("Expected success, got %v (%s)", resp.Kind, resp.Message)
	}
	if len(resp.LabsAssigned) != 2 {
		t.Fatalf("Expected 2 labs assigned, got %v", resp.LabsAssigned)
	}

	export := tab.Export()
	mobiles := 0
	for _, id := range resp.LabsAssigned {
		if export[id].Kind == KindMobileRoom {
			mobiles++
		}
	}
	if mobiles != 1 {
		t.Fatalf("Expected exactly 1 converted room, got %d", mobiles)
	}
}

func TestConcurrentAllocationsDisjoint(t *testing.T) {
	// Mutual exclusion: concurrently allocated resource ids must be
	// pairwise disjoint across all successful responses.
	tab := testTable(t, 20, 10)

	var wg sync.WaitGroup
	responses := make([]*message.Response, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = tab.Allocate(testRequest(2, 1))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i, resp := range responses {
		if resp.Kind != message.KindSuccess {
			continue
		}
		for _, id := range append(resp.RoomsAssigned, resp.LabsAssigned...) {
			if prev, dup := seen[id]; dup {
				t.Fatalf("Resource %s assigned to both request %d and %d", id, prev, i)
			}
			seen[id] = i
		}
	}
	if len(seen) == 0 {
		t.Fatal("No allocation succeeded")
	}
}

func TestResetRevertsMobileRooms(t *testing.T) {
	tab := testTable(t, 3, 0)

	resp := tab.Allocate(testRequest(1, 1))
	if resp.Kind != message.KindSuccess {
		t.Fatalf("Setup allocation failed: %v", resp.Message)
	}

	if err := tab.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	for id, r := range tab.Export() {
		if r.Status != StatusAvailable {
			t.Errorf("Resource %s still assigned after reset", id)
		}
		if r.Kind == KindMobileRoom {
			t.Errorf("Resource %s still a mobile room after reset", id)
		}
		if r.Requester != "" || r.Program != "" || r.RequestedAt != "" || r.AssignedAt != "" {
			t.Errorf("Resource %s kept assignment context after reset: %+v", id, r)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tab := testTable(t, 2, 1)
	resp := tab.Allocate(testRequest(1, 1))
	if resp.Kind != message.KindSuccess {
		t.Fatalf("Setup allocation failed: %v", resp.Message)
	}

	loaded, err := Load(tab.path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !reflect.DeepEqual(tab.Export(), loaded.Export()) {
		t.Fatalf("Round trip mismatch:\nsaved:  %+v\nloaded: %+v", tab.Export(), loaded.Export())
	}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	source := testTable(t, 4, 2)
	if resp := source.Allocate(testRequest(2, 1)); resp.Kind != message.KindSuccess {
		t.Fatalf("Setup allocation failed: %v", resp.Message)
	}
	snap := source.SnapshotNow()

	replica := testTable(t, 0, 0)
	replica.ApplySnapshot(snap)
	once := replica.Export()

	replica.ApplySnapshot(snap)
	twice := replica.Export()

	if !reflect.DeepEqual(once, twice) {
		t.Fatal("Applying the same snapshot twice changed the table")
	}
	if !reflect.DeepEqual(once, source.Export()) {
		t.Fatal("Replica does not match the snapshot source")
	}
}

func TestApplySnapshotNeverDeletes(t *testing.T) {
	replica := testTable(t, 0, 0)
	replica.Put(Resource{ID: "R99", Kind: KindFixedRoom, Status: StatusAvailable, Capacity: 40})

	// Incoming snapshot does not mention R99
	replica.ApplySnapshot(&Snapshot{Resources: map[string]Resource{
		"L01": {ID: "L01", Kind: KindLab, Status: StatusAvailable, Capacity: 20},
	}})

	export := replica.Export()
	if _, ok := export["R99"]; !ok {
		t.Fatal("Locally-known resource was deleted by snapshot merge")
	}
	if _, ok := export["L01"]; !ok {
		t.Fatal("Snapshot resource was not inserted")
	}
}

func TestStats(t *testing.T) {
	tab := testTable(t, 3, 2)
	if resp := tab.Allocate(testRequest(1, 2)); resp.Kind != message.KindSuccess {
		t.Fatalf("Setup allocation failed: %v", resp.Message)
	}

	s := tab.Stats()
	if s.TotalFixedRooms != 3 { // both labs were real, so no room was converted
		t.Errorf("TotalFixedRooms = %d, want 3", s.TotalFixedRooms)
	}
	if s.AvailableFixedRooms != 2 {
		t.Errorf("AvailableFixedRooms = %d, want 2", s.AvailableFixedRooms)
	}
	if s.AvailableLabs != 0 {
		t.Errorf("AvailableLabs = %d, want 0", s.AvailableLabs)
	}
}
