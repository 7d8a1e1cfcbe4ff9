package prshare

import (
	"errors"
	"fmt"
	"testing"
)

type portEvent struct {
	port  ForwardedPort
	added bool
}

func (e portEvent) String() string {
	return fmt.Sprintf("{%s added=%v}", e.port, e.added)
}

func TestForwardedPortsRegistryBasics(t *testing.T) {
	r := NewForwardedPortsRegistry()

	if r.Has(8080) {
		t.Error("empty registry claims to have port 8080")
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("empty registry listed %v", got)
	}

	p := ForwardedPort{LocalPort: 8081, RemotePort: 8080}
	if err := r.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.Has(8080) {
		t.Error("registry does not have port 8080 after Add")
	}
	got, present := r.Get(8080)
	if !present || got != p {
		t.Errorf("Get(8080) = %v, %v; want %v, true", got, present, p)
	}

	// entries are unique by remote port
	err := r.Add(ForwardedPort{LocalPort: 9999, RemotePort: 8080})
	var dup *DuplicatePortError
	if !errors.As(err, &dup) {
		t.Fatalf("duplicate Add returned %v, want *DuplicatePortError", err)
	}
	if dup.Port != 8080 {
		t.Errorf("DuplicatePortError.Port = %d, want 8080", dup.Port)
	}

	if !r.Remove(8080) {
		t.Error("Remove(8080) = false, want true")
	}
	if r.Remove(8080) {
		t.Error("second Remove(8080) = true, want false")
	}
	if r.Has(8080) {
		t.Error("registry still has port 8080 after Remove")
	}
}

func TestForwardedPortsRegistryInsertionOrder(t *testing.T) {
	r := NewForwardedPortsRegistry()
	for _, rp := range []uint16{5000, 3000, 4000} {
		if err := r.Add(ForwardedPort{LocalPort: rp, RemotePort: rp}); err != nil {
			t.Fatalf("Add(%d): %v", rp, err)
		}
	}
	wantOrder := []uint16{5000, 3000, 4000}
	got := r.List()
	if len(got) != len(wantOrder) {
		t.Fatalf("List returned %d entries, want %d", len(got), len(wantOrder))
	}
	for i, p := range got {
		if p.RemotePort != wantOrder[i] {
			t.Errorf("List[%d].RemotePort = %d, want %d", i, p.RemotePort, wantOrder[i])
		}
	}

	r.Remove(3000)
	got = r.List()
	if len(got) != 2 || got[0].RemotePort != 5000 || got[1].RemotePort != 4000 {
		t.Errorf("List after removing middle entry = %v, want [5000 4000]", got)
	}
}

func TestForwardedPortsRegistryListeners(t *testing.T) {
	r := NewForwardedPortsRegistry()
	var events []portEvent
	handle := r.AddListener(func(port ForwardedPort, added bool) {
		events = append(events, portEvent{port: port, added: added})
	})

	p1 := ForwardedPort{LocalPort: 1, RemotePort: 1}
	p2 := ForwardedPort{LocalPort: 2, RemotePort: 2}
	r.Add(p1)
	r.Add(p2)
	r.Remove(1)

	want := []portEvent{
		{port: p1, added: true},
		{port: p2, added: true},
		{port: p1, added: false},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], want[i])
		}
	}

	if !r.RemoveListener(handle) {
		t.Error("RemoveListener = false for a registered handle")
	}
	if r.RemoveListener(handle) {
		t.Error("second RemoveListener = true, want false")
	}
	r.Add(ForwardedPort{LocalPort: 3, RemotePort: 3})
	if len(events) != len(want) {
		t.Errorf("removed listener still notified: %v", events[len(want):])
	}
}

func TestForwardedPortsRegistryClear(t *testing.T) {
	r := NewForwardedPortsRegistry()
	var events []portEvent
	r.AddListener(func(port ForwardedPort, added bool) {
		events = append(events, portEvent{port: port, added: added})
	})
	for _, rp := range []uint16{10, 20, 30} {
		r.Add(ForwardedPort{LocalPort: rp, RemotePort: rp})
	}
	events = nil

	r.Clear()
	if got := r.List(); len(got) != 0 {
		t.Errorf("registry not empty after Clear: %v", got)
	}
	// removals are delivered in insertion order
	wantPorts := []uint16{10, 20, 30}
	if len(events) != len(wantPorts) {
		t.Fatalf("Clear fired %d events %v, want %d removals", len(events), events, len(wantPorts))
	}
	for i, e := range events {
		if e.added || e.port.RemotePort != wantPorts[i] {
			t.Errorf("event[%d] = %v, want removal of %d", i, e, wantPorts[i])
		}
	}

	// the registry is reusable after Clear
	if err := r.Add(ForwardedPort{LocalPort: 10, RemotePort: 10}); err != nil {
		t.Errorf("Add after Clear: %v", err)
	}
}
