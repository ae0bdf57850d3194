package collector

import "testing"

func TestTrackerAddPopRoundTrip(t *testing.T) {
	tr := NewTracker()
	tr.AddPendingAck("d1", "k1")

	key, ok := tr.PopPendingParcelKey("d1")
	if !ok || key != "k1" {
		t.Fatalf("expected (k1, true), got (%q, %v)", key, ok)
	}

	_, ok = tr.PopPendingParcelKey("d1")
	if ok {
		t.Fatal("expected second pop of the same id to miss")
	}
}

func TestTrackerUnknownIDMisses(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.PopPendingParcelKey("never-sent")
	if ok {
		t.Fatal("expected unknown delivery id to miss")
	}
}

func TestTrackerIsCompleteRequiresAllSentAndEmpty(t *testing.T) {
	tr := NewTracker()
	if tr.IsComplete() {
		t.Fatal("a fresh tracker is not complete: allSent is false")
	}

	tr.AddPendingAck("d1", "k1")
	tr.MarkAllParcelsDelivered()
	if tr.IsComplete() {
		t.Fatal("tracker with a pending ack must not be complete")
	}

	tr.PopPendingParcelKey("d1")
	if !tr.IsComplete() {
		t.Fatal("tracker with allSent and an empty map must be complete")
	}
}

func TestTrackerMarkAllParcelsDeliveredBeforeAnyAdds(t *testing.T) {
	tr := NewTracker()
	tr.MarkAllParcelsDelivered()
	if !tr.IsComplete() {
		t.Fatal("an empty tracker with allSent should be complete immediately")
	}
}
