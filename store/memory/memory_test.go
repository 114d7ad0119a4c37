package memory

import (
	"errors"
	"testing"

	"github.com/risa-org/linkpool/transport"
	"github.com/risa-org/linkpool/transport/fake"
)

func adapter(id uint16) *transport.Adapter {
	return transport.NewAdapter(id, transport.RoleData, "", fake.New(), nil)
}

func TestAddAndGet(t *testing.T) {
	store := New()
	a := adapter(7)

	if err := store.Add(a); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	got, ok := store.Get(7)
	if !ok {
		t.Fatal("expected to find adapter after adding it")
	}
	if got != a {
		t.Errorf("expected adapter %s, got %s", a, got)
	}
}

func TestGetUnknown(t *testing.T) {
	store := New()

	if _, ok := store.Get(1); ok {
		t.Error("expected false for unknown adapter id")
	}
	if _, ok := store.At(0); ok {
		t.Error("expected false for out of range index")
	}
}

func TestDuplicateID(t *testing.T) {
	store := New()
	store.Add(adapter(1))

	err := store.Add(adapter(1))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	if store.Count() != 1 {
		t.Errorf("expected count 1, got %d", store.Count())
	}
}

func TestOrderSurvivesDelete(t *testing.T) {
	store := New()
	for _, id := range []uint16{3, 1, 2} {
		store.Add(adapter(id))
	}

	if !store.Delete(1) {
		t.Fatal("expected delete to report a removed adapter")
	}
	if store.Delete(1) {
		t.Error("expected second delete to report nothing removed")
	}

	all := store.All()
	if len(all) != 2 || all[0].ID() != 3 || all[1].ID() != 2 {
		t.Errorf("unexpected order after delete: %v", all)
	}
	if a, _ := store.At(1); a.ID() != 2 {
		t.Errorf("expected index 1 to be adapter 2, got %s", a)
	}
}

func TestConnected(t *testing.T) {
	store := New()
	a, b := adapter(1), adapter(2)
	store.Add(a)
	store.Add(b)

	b.Connect(func(bool) {})

	conn := store.Connected()
	if len(conn) != 1 || conn[0] != b {
		t.Errorf("expected only adapter 2 connected, got %v", conn)
	}
}
