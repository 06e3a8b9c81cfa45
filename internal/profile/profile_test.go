package profile

import (
	"testing"
	"time"
)

func TestFilterAccepts(t *testing.T) {
	p := Profile{Name: "Ana", Gender: "Female", Country: "FR"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter accepts anything", Filter{}, true},
		{"gender match is case-insensitive", Filter{Gender: "female"}, true},
		{"country match", Filter{Country: "fr"}, true},
		{"both fields", Filter{Gender: "FEMALE", Country: "FR"}, true},
		{"gender mismatch", Filter{Gender: "male"}, false},
		{"country mismatch", Filter{Country: "DE"}, false},
		{"whitespace ignored", Filter{Country: " FR "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Accepts(p); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterAccepts_MissingProfileField(t *testing.T) {
	if (Filter{Gender: "female"}).Accepts(Profile{Name: "x"}) {
		t.Error("a set filter field must not accept an empty profile field")
	}
}

func TestCompatible_IsMutual(t *testing.T) {
	a := Profile{Gender: "female", Country: "FR"}
	b := Profile{Gender: "male", Country: "DE"}

	if !Compatible(a, Filter{}, b, Filter{Gender: "female"}) {
		t.Error("expected compatible when both filters are satisfied")
	}
	if Compatible(a, Filter{Country: "FR"}, b, Filter{}) {
		t.Error("expected incompatible when a's filter rejects b")
	}
	if Compatible(a, Filter{}, b, Filter{Gender: "male"}) {
		t.Error("expected incompatible when b's filter rejects a")
	}
}

func TestStore(t *testing.T) {
	s := NewStore()

	if _, _, ok := s.Get("c1"); ok {
		t.Fatal("expected no profile for unknown connection")
	}

	s.Put("c1", Profile{Name: "Ana"}, Filter{Country: "FR"})
	p, f, ok := s.Get("c1")
	if !ok || p.Name != "Ana" || f.Country != "FR" {
		t.Fatalf("unexpected profile %+v filter %+v ok=%v", p, f, ok)
	}
	if s.DisplayName("c1") != "Ana" {
		t.Errorf("expected display name Ana, got %q", s.DisplayName("c1"))
	}

	s.AddRoom("c1", "r2")
	s.AddRoom("c1", "r1")
	s.AddRoom("c1", "r1")
	rooms := s.Rooms("c1")
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Errorf("unexpected rooms %v", rooms)
	}
	s.RemoveRoom("c1", "r1")
	if rooms := s.Rooms("c1"); len(rooms) != 1 || rooms[0] != "r2" {
		t.Errorf("unexpected rooms after remove %v", rooms)
	}

	// Room back-references alone do not create a profile.
	s.AddRoom("c2", "r1")
	if _, _, ok := s.Get("c2"); ok {
		t.Error("expected no profile for room-only entry")
	}

	s.Delete("c1")
	s.Delete("c1")
	if _, _, ok := s.Get("c1"); ok {
		t.Error("expected profile to be deleted")
	}
	if s.Rooms("c1") != nil {
		t.Error("expected no rooms after delete")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", s.Len())
	}
}

func TestStore_ClosedRefusesWrites(t *testing.T) {
	s := NewStore()
	s.Put("c1", Profile{Name: "Ana"}, Filter{})
	s.AddRoom("c1", "r1")

	s.Close("c1")
	if s.Active("c1") {
		t.Fatal("expected closed connection to be inactive")
	}
	if rooms := s.Rooms("c1"); len(rooms) != 1 {
		t.Errorf("expected rooms to stay readable until delete, got %v", rooms)
	}
	if s.AddRoom("c1", "r2") {
		t.Error("expected AddRoom to be refused after close")
	}

	s.Delete("c1")
	if s.Put("c1", Profile{Name: "Ana"}, Filter{}) {
		t.Error("expected Put to be refused after delete")
	}
	if s.AddRoom("c1", "r3") {
		t.Error("expected AddRoom to be refused after delete")
	}
	if s.Len() != 0 {
		t.Errorf("expected no entries, got %d", s.Len())
	}
	if !s.Active("c2") || !s.Put("c2", Profile{Name: "Bo"}, Filter{}) {
		t.Error("expected other connections to be unaffected")
	}
}

func TestStore_TombstonesExpire(t *testing.T) {
	s := NewStore()
	s.Close("old")
	s.closed["old"] = time.Now().Add(-2 * TombstoneTTL)
	s.lastPrune = time.Now().Add(-2 * TombstoneTTL)

	s.Close("new")
	if !s.Active("old") {
		t.Error("expected expired tombstone to be pruned")
	}
	if s.Active("new") {
		t.Error("expected fresh tombstone to remain")
	}
}
