package hlc

import "testing"

func withFakeClock(physicals []uint64, fn func()) {
	i := -1
	orig := nowMicros
	nowMicros = func() uint64 {
		if i < len(physicals)-1 {
			i++
		}
		return physicals[i]
	}
	defer func() { nowMicros = orig }()
	fn()
}

func TestClock_NowAdvancesPhysical(t *testing.T) {
	withFakeClock([]uint64{100, 200}, func() {
		c := NewClock()
		a := c.Now()
		b := c.Now()
		if !a.Before(b) {
			t.Fatalf("expected %v before %v", a, b)
		}
		if b.Logical != 0 {
			t.Errorf("expected logical reset to 0 on physical advance, got %d", b.Logical)
		}
	})
}

func TestClock_NowBumpsLogicalOnSamePhysical(t *testing.T) {
	withFakeClock([]uint64{100, 100, 100}, func() {
		c := NewClock()
		a := c.Now()
		b := c.Now()
		c2 := c.Now()
		if a.Logical != 0 || b.Logical != 1 || c2.Logical != 2 {
			t.Errorf("expected logical 0,1,2 got %d,%d,%d", a.Logical, b.Logical, c2.Logical)
		}
	})
}

func TestClock_UpdateTakesMaxPhysical(t *testing.T) {
	withFakeClock([]uint64{100}, func() {
		c := NewClock()
		received := Timestamp{Physical: 500, Logical: 3}
		next := c.Update(received)
		if next.Physical != 500 || next.Logical != 4 {
			t.Errorf("got %+v, want physical=500 logical=4", next)
		}
	})
}

func TestClock_UpdateMergesLogicalsOnEqualPhysical(t *testing.T) {
	withFakeClock([]uint64{100}, func() {
		c := NewClock()
		c.last = Timestamp{Physical: 100, Logical: 5}
		next := c.Update(Timestamp{Physical: 100, Logical: 7})
		if next.Physical != 100 || next.Logical != 8 {
			t.Errorf("got %+v, want physical=100 logical=8", next)
		}
	})
}

func TestClock_UpdateStaysMonotonicWhenLastIsAheadOfWallClock(t *testing.T) {
	withFakeClock([]uint64{100, 100}, func() {
		c := NewClock()
		first := c.Update(Timestamp{Physical: 1000, Logical: 5})
		if first.Physical != 1000 || first.Logical != 6 {
			t.Fatalf("got %+v, want physical=1000 logical=6", first)
		}
		// The clock is now ahead of the stubbed wall clock. A second
		// remote stamp tying the physical but with a smaller logical must
		// not drag the clock backwards.
		second := c.Update(Timestamp{Physical: 1000, Logical: 2})
		if !first.Before(second) {
			t.Errorf("expected %+v before %+v", first, second)
		}
		if second.Physical != 1000 || second.Logical != 7 {
			t.Errorf("got %+v, want physical=1000 logical=7", second)
		}
	})
}

func TestClock_UpdateLocalAhead(t *testing.T) {
	withFakeClock([]uint64{1000}, func() {
		c := NewClock()
		received := Timestamp{Physical: 10, Logical: 9}
		next := c.Update(received)
		if next.Physical != 1000 || next.Logical != 0 {
			t.Errorf("got %+v, want physical=1000 logical=0", next)
		}
	})
}

func TestTimestamp_BytesRoundTrip(t *testing.T) {
	ts := Timestamp{Physical: 1234567890, Logical: 42}
	b := ts.Bytes()
	got := FromBytes(b[:])
	if got != ts {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ts)
	}
}

func TestTimestamp_Ordering(t *testing.T) {
	a := Timestamp{Physical: 1, Logical: 5}
	b := Timestamp{Physical: 1, Logical: 6}
	c := Timestamp{Physical: 2, Logical: 0}
	if !a.Before(b) || !b.Before(c) || !a.Before(c) {
		t.Errorf("expected a < b < c, got a=%+v b=%+v c=%+v", a, b, c)
	}
	if !a.LessOrEqual(a) {
		t.Errorf("expected a <= a")
	}
}
