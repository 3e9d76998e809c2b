package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Ping("database", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected checker context to carry a deadline")
		}
		return nil
	}))
	r.Register("ledger", Ping("ledger", func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("failing ping should make the registry unhealthy")
	}
	if !statuses[0].Healthy || statuses[1].Healthy {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
	if statuses[1].Detail != "dial tcp: connection refused" {
		t.Fatalf("unexpected detail %q", statuses[1].Detail)
	}
}

func TestPolicyChecker(t *testing.T) {
	loaded := false
	check := Policy(func() (int, bool) { return 3, loaded })

	if st := check(context.Background()); st.Healthy {
		t.Fatal("expected unhealthy before load")
	}
	loaded = true
	st := check(context.Background())
	if !st.Healthy || st.Detail != "version 3" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestCheckAllFillsName(t *testing.T) {
	r := NewRegistry()
	r.Register("stream", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "stream" {
		t.Fatalf("expected registered name, got %q", statuses[0].Name)
	}
}
