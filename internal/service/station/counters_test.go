package station

import (
	"testing"
	"time"
)

func TestQueueCounters_AllocatePerPrefix(t *testing.T) {
	// Arrange
	c := newQueueCounters()

	// Act / Assert
	if got := c.allocate("F"); got != "F1" {
		t.Errorf("expected F1, got %s", got)
	}
	if got := c.allocate("T"); got != "T1" {
		t.Errorf("expected T1, got %s", got)
	}
	if got := c.allocate("F"); got != "F2" {
		t.Errorf("expected F2, got %s", got)
	}
}

func TestQueueCounters_SeedNeverMovesBackwards(t *testing.T) {
	// Arrange
	c := newQueueCounters()
	c.seed("F", 7)

	// Act
	c.seed("F", 3) // stale seed must not rewind

	// Assert
	if got := c.allocate("F"); got != "F8" {
		t.Errorf("expected F8, got %s", got)
	}
}

func TestQueueSeq_ExtractsNumber(t *testing.T) {
	// Arrange
	cases := []struct {
		in   string
		want int
	}{
		{"F1", 1},
		{"T42", 42},
		{"F", 0},
		{"", 0},
		{"Fx", 0},
	}

	// Act / Assert
	for _, tc := range cases {
		if got := queueSeq(tc.in); got != tc.want {
			t.Errorf("queueSeq(%q): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestBillCounter_ResetsOnDayChange(t *testing.T) {
	// Arrange
	c := newBillCounter()
	day1 := time.Date(2026, 3, 15, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 16, 0, 10, 0, 0, time.UTC)

	// Act / Assert
	if got := c.allocate(day1); got != 1 {
		t.Errorf("expected seq 1, got %d", got)
	}
	if got := c.allocate(day1); got != 2 {
		t.Errorf("expected seq 2, got %d", got)
	}
	if got := c.allocate(day2); got != 1 {
		t.Errorf("expected seq reset to 1 on new day, got %d", got)
	}
}

func TestBillCounter_SeedSameDayKeepsMax(t *testing.T) {
	// Arrange
	c := newBillCounter()
	day := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	c.seed(day, 5)

	// Act
	c.seed(day, 2) // stale seed must not rewind

	// Assert
	if got := c.allocate(day); got != 6 {
		t.Errorf("expected seq 6, got %d", got)
	}
}
