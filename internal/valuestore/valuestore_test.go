package valuestore

import "testing"

func TestInsertSeedsPendingForOtherPeers(t *testing.T) {
	s := New()
	inserted := s.Insert(42, "n2", []string{"n2", "n3", "n4"})
	if !inserted {
		t.Fatalf("expected first insert of 42 to report inserted=true")
	}

	if pending := s.Pending("n2"); len(pending) != 0 {
		t.Fatalf("originator n2 should not have 42 pending, got %v", pending)
	}
	if pending := s.Pending("n3"); len(pending) != 1 || pending[0] != 42 {
		t.Fatalf("n3 should have 42 pending, got %v", pending)
	}

	if s.Insert(42, "n5", []string{"n3", "n4"}) {
		t.Fatalf("re-inserting a known value should report inserted=false")
	}
}

func TestAckClearsPending(t *testing.T) {
	s := New()
	s.Insert(1, "", []string{"n2"})
	s.Ack("n2", 1, false)
	if pending := s.Pending("n2"); len(pending) != 0 {
		t.Fatalf("expected pending cleared after ack, got %v", pending)
	}
}

func TestAckOnRejoinSeedsFullCatchUp(t *testing.T) {
	s := New()
	s.Insert(1, "", nil)
	s.Insert(2, "", nil)

	// n2 comes back online; the rejoin ack should seed its pending set
	// with everything this node already has, minus the value just acked.
	s.Ack("n2", 1, true)

	pending := s.Pending("n2")
	if len(pending) != 1 || pending[0] != 2 {
		t.Fatalf("expected only value 2 pending after rejoin catch-up, got %v", pending)
	}
}

func TestDropPeerDiscardsPendingSet(t *testing.T) {
	s := New()
	s.Insert(1, "", []string{"n2"})
	s.DropPeer("n2")
	if pending := s.Pending("n2"); len(pending) != 0 {
		t.Fatalf("expected no pending set after DropPeer, got %v", pending)
	}
}

func TestSeedAllPeersAddsEveryValue(t *testing.T) {
	s := New()
	s.Insert(1, "", nil)
	s.Insert(2, "", nil)
	s.SeedAllPeers([]string{"n9"})
	pending := s.Pending("n9")
	if len(pending) != 2 {
		t.Fatalf("expected both values seeded for new peer, got %v", pending)
	}
}
