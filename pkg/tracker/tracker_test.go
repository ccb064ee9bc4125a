package tracker

import "testing"

func TestTrackAnonymousNewClient(t *testing.T) {
	tr := New()
	if newClient := tr.TrackAnonymous("client-a", "inst-1"); !newClient {
		t.Fatalf("expected first sighting of client-a to be new")
	}
	if newClient := tr.TrackAnonymous("client-a", "inst-2"); newClient {
		t.Fatalf("expected second sighting of client-a to not be new")
	}
	if !tr.IsTracked("client-a") {
		t.Fatalf("expected client-a to be tracked")
	}
}

func TestUntrackReleasesClientWhenEmpty(t *testing.T) {
	tr := New()
	tr.TrackAnonymous("client-a", "inst-1")

	emptied := tr.Untrack("inst-1")
	if len(emptied) != 1 || emptied[0] != "client-a" {
		t.Fatalf("expected client-a to be emptied, got %v", emptied)
	}
	if tr.IsTracked("client-a") {
		t.Fatalf("expected client-a no longer tracked")
	}
}

func TestNamedInstanceCanHaveMultipleClients(t *testing.T) {
	tr := New()
	tr.TrackNamed("client-a", "alice")
	tr.TrackNamed("client-b", "alice")

	emptied := tr.Untrack("alice")
	if len(emptied) != 2 {
		t.Fatalf("expected both clients emptied, got %v", emptied)
	}
	if tr.IsTracked("client-a") || tr.IsTracked("client-b") {
		t.Fatalf("expected both clients released")
	}
}

func TestClientWithBothAnonymousAndNamedStaysTrackedUntilBothEmpty(t *testing.T) {
	tr := New()
	tr.TrackAnonymous("client-a", "inst-1")
	tr.TrackNamed("client-a", "alice")

	emptied := tr.Untrack("inst-1")
	if len(emptied) != 0 {
		t.Fatalf("expected client-a to remain tracked via named map, got emptied=%v", emptied)
	}
	if !tr.IsTracked("client-a") {
		t.Fatalf("expected client-a still tracked")
	}

	emptied = tr.Untrack("alice")
	if len(emptied) != 1 || emptied[0] != "client-a" {
		t.Fatalf("expected client-a emptied after both maps drained, got %v", emptied)
	}
}

func TestAnonymousInstancesOf(t *testing.T) {
	tr := New()
	tr.TrackAnonymous("client-a", "inst-1")
	tr.TrackAnonymous("client-a", "inst-2")

	ids := tr.AnonymousInstances("client-a")
	if len(ids) != 2 {
		t.Fatalf("expected 2 anonymous instances, got %v", ids)
	}
}

func TestForgetClient(t *testing.T) {
	tr := New()
	tr.TrackAnonymous("client-a", "inst-1")
	tr.Untrack("inst-1")
	tr.ForgetClient("client-a")
	if tr.IsTracked("client-a") {
		t.Fatalf("expected client-a forgotten")
	}
}
