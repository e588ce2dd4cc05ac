package health

import (
	"context"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestAggregateHealth(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(_ context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("trainer", func(_ context.Context) Status {
		return Status{Name: "trainer", Healthy: true, Detail: "running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all checkers healthy, registry should be healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestOneUnhealthySubsystem(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(_ context.Context) Status {
		return Status{Name: "postgres", Healthy: false, Detail: "connection refused"}
	})
	r.Register("trainer", func(_ context.Context) Status {
		return Status{Name: "trainer", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with a failing checker should be unhealthy")
	}
	if statuses[0].Detail != "connection refused" {
		t.Fatalf("expected failure detail preserved, got %q", statuses[0].Detail)
	}
}

func TestNameFilledFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("cache", func(_ context.Context) Status {
		return Status{Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "cache" {
		t.Errorf("Name = %q, want cache", statuses[0].Name)
	}
}

func TestTimedAppendsDuration(t *testing.T) {
	check := Timed(func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	st := check(context.Background())
	if st.Detail == "" {
		t.Error("Timed should record a duration in Detail")
	}

	check = Timed(func(_ context.Context) Status {
		return Status{Name: "db", Healthy: false, Detail: "timeout"}
	})
	st = check(context.Background())
	if st.Detail == "timeout" {
		t.Error("Timed should append the duration to an existing detail")
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("worker", func(_ context.Context) Status {
				return Status{Name: "worker", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
