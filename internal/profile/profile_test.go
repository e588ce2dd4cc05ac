package profile

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestAmountStats(t *testing.T) {
	p := &HistoricalProfile{SubmitterID: "user1"}

	mean, stddev, n := p.AmountStats()
	if mean != 0 || stddev != 0 || n != 0 {
		t.Errorf("empty profile stats = %f, %f, %d, want zeros", mean, stddev, n)
	}

	for _, v := range []float64{10, 20, 30, 40} {
		p.AppendAmount(v)
	}
	mean, stddev, n = p.AmountStats()
	if mean != 25 {
		t.Errorf("mean = %f, want 25", mean)
	}
	if math.Abs(stddev-math.Sqrt(125)) > 1e-9 {
		t.Errorf("stddev = %f, want sqrt(125)", stddev)
	}
	if n != 4 {
		t.Errorf("n = %d, want 4", n)
	}
}

func TestAppendAmountBoundsWindow(t *testing.T) {
	p := &HistoricalProfile{SubmitterID: "user1"}
	for i := 0; i < MaxAmountSamples+50; i++ {
		p.AppendAmount(float64(i))
	}
	if len(p.AmountSamples) != MaxAmountSamples {
		t.Fatalf("window = %d, want %d", len(p.AmountSamples), MaxAmountSamples)
	}
	if p.AmountSamples[0] != 50 {
		t.Errorf("oldest sample = %f, want 50 (oldest evicted first)", p.AmountSamples[0])
	}
}

func TestHourRatio(t *testing.T) {
	p := &HistoricalProfile{SubmitterID: "user1"}
	if r := p.HourRatio(3); r != 0 {
		t.Errorf("empty histogram ratio = %f, want 0", r)
	}

	p.HourHistogram[9] = 30
	p.HourHistogram[3] = 10
	if r := p.HourRatio(3); r != 0.25 {
		t.Errorf("ratio = %f, want 0.25", r)
	}
	if r := p.HourRatio(-1); r != 0 {
		t.Errorf("out-of-range hour ratio = %f, want 0", r)
	}
}

func TestLocations(t *testing.T) {
	p := &HistoricalProfile{SubmitterID: "user1"}
	p.AddLocation("US")
	p.AddLocation("US")
	p.AddLocation("")
	p.AddLocation("DE")

	if len(p.Locations) != 2 {
		t.Errorf("locations = %v, want exactly US and DE", p.Locations)
	}
	if !p.HasLocation("US") || p.HasLocation("FR") {
		t.Error("HasLocation gave wrong membership")
	}
}

func TestRejectionRate(t *testing.T) {
	p := &HistoricalProfile{SubmitterID: "user1"}
	if r := p.RejectionRate(); r != 0 {
		t.Errorf("no history rate = %f, want 0", r)
	}

	p.TotalValidated = 10
	p.RejectedCount = 3
	if r := p.RejectionRate(); r != 0.3 {
		t.Errorf("rate = %f, want 0.3", r)
	}

	p.RejectedCount = 20
	if r := p.RejectionRate(); r != 1 {
		t.Errorf("rate = %f, want capped at 1", r)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "user1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	p := &HistoricalProfile{SubmitterID: "user1"}
	p.AppendAmount(100)
	if err := s.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "user1")
	if err != nil {
		t.Fatal(err)
	}
	got.AppendAmount(999)

	again, _ := s.Get(ctx, "user1")
	if len(again.AmountSamples) != 1 {
		t.Error("mutating a returned profile leaked into the store")
	}
}

func TestCachedStore(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, time.Minute)
	ctx := context.Background()

	p := &HistoricalProfile{SubmitterID: "user1", TotalValidated: 5}
	if err := cached.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}

	// Write-through: served from cache even if the inner store changes
	// underneath.
	p2 := &HistoricalProfile{SubmitterID: "user1", TotalValidated: 9}
	if err := inner.Upsert(ctx, p2); err != nil {
		t.Fatal(err)
	}
	got, err := cached.Get(ctx, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalValidated != 5 {
		t.Errorf("TotalValidated = %d, want cached 5", got.TotalValidated)
	}

	cached.Invalidate("user1")
	got, err = cached.Get(ctx, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalValidated != 9 {
		t.Errorf("TotalValidated after invalidate = %d, want 9", got.TotalValidated)
	}

	if _, err := cached.Get(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound passthrough", err)
	}
}
