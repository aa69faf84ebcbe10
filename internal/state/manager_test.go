package state

import "testing"

func TestCreateSeedsCapitalAndBaseStake(t *testing.T) {
	m := NewManager()
	s := m.Create("u1", 100, 2.5)
	if s.Capital != 100 || s.BaseStake != 2.5 || s.InitialStake != 2.5 {
		t.Fatalf("unexpected seed state: %+v", s)
	}
	if got := m.Get("u1"); got != s {
		t.Fatal("expected Get to return the same state pointer just created")
	}
}

func TestGetReturnsNilForUnknownUser(t *testing.T) {
	m := NewManager()
	if m.Get("ghost") != nil {
		t.Fatal("expected nil for a user with no active session")
	}
}

func TestEvictRemovesState(t *testing.T) {
	m := NewManager()
	m.Create("u1", 100, 1)
	m.Evict("u1")
	if m.Get("u1") != nil {
		t.Fatal("expected state to be gone after Evict")
	}
}

func TestResetLadderClearsMartingaleFields(t *testing.T) {
	s := NewStrategyState(100, 1)
	s.MartingaleStep = 3
	s.LossesAccum = 7.5
	s.ConsecutiveWins = 2
	s.LastProfit = 1.92
	s.LastMartingaleDirection = DirectionOdd
	s.HasMartingaleDirection = true

	s.ResetLadder()

	if s.MartingaleStep != 0 || s.LossesAccum != 0 || s.ConsecutiveWins != 0 || s.HasMartingaleDirection {
		t.Fatalf("expected a full reset, got %+v", s)
	}
}

func TestRatchetPeakOnlyRaisesNeverLowers(t *testing.T) {
	s := NewStrategyState(100, 1)
	s.RatchetPeak(10)
	s.RatchetPeak(20)
	s.RatchetPeak(5)
	if s.PeakBalance != 20 {
		t.Fatalf("expected peak to stay at its high-water mark 20, got %v", s.PeakBalance)
	}
}

func TestSnapshotIsIndependentOfLiveMap(t *testing.T) {
	m := NewManager()
	m.Create("u1", 100, 1)
	snap := m.Snapshot()
	m.Create("u2", 50, 1)
	if _, ok := snap["u2"]; ok {
		t.Fatal("expected snapshot to not see a state created after it was taken")
	}
	if len(snap) != 1 {
		t.Fatalf("expected snapshot to have 1 entry, got %d", len(snap))
	}
}
