package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/arx-os/bim-collab/internal/model"
)

func TestMemory_CapPerChangeType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(time.Minute)

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "alice", model.ChangeDelete)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := m.Allow(ctx, "alice", model.ChangeDelete)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatalf("sixth delete within the window must be rejected")
	}

	// Other change types and other users have independent budgets.
	if ok, _ := m.Allow(ctx, "alice", model.ChangeUpdate); !ok {
		t.Fatalf("update budget must be independent of delete budget")
	}
	if ok, _ := m.Allow(ctx, "bob", model.ChangeDelete); !ok {
		t.Fatalf("bob's budget must be independent of alice's")
	}
}

func TestMemory_WindowExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if ok, _ := m.Allow(ctx, "alice", model.ChangeDelete); !ok {
			t.Fatalf("attempt %d rejected", i)
		}
	}
	if ok, _ := m.Allow(ctx, "alice", model.ChangeDelete); ok {
		t.Fatalf("over-cap attempt allowed")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := m.Allow(ctx, "alice", model.ChangeDelete); !ok {
		t.Fatalf("attempt after window expiry must be allowed")
	}
}
