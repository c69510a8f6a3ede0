package clock_client

import (
	"context"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
)

func testRegistry(t *testing.T) *alarmRegistry {
	l := lane.NewTestingLane(context.Background())
	return newAlarmRegistry(l)
}

func TestRegistryAddGet(t *testing.T) {
	ar := testRegistry(t)
	armed := time.Unix(1700000000, 500)

	ar.add(Alarm{Id: 1, Tag: "stopClient", FireAfter: 10 * time.Second, ArmedAt: armed})

	a, exists := ar.get(1)
	if !exists {
		t.Fatal("alarm 1 missing")
	}
	if a.Tag != "stopClient" || a.FireAfter != 10*time.Second || !a.ArmedAt.Equal(armed) {
		t.Errorf("unexpected record %+v", a)
	}

	if _, exists = ar.get(2); exists {
		t.Error("alarm 2 should not exist")
	}
	if ar.size() != 1 {
		t.Errorf("size %d", ar.size())
	}
}

func TestRegistryFiredIsOneShot(t *testing.T) {
	ar := testRegistry(t)
	ar.add(Alarm{Id: 7, Tag: "once"})

	a, known := ar.fired(7)
	if !known || a.Id != 7 || a.Tag != "once" {
		t.Fatalf("unexpected fired result %+v %v", a, known)
	}

	if _, known = ar.fired(7); known {
		t.Error("alarm fired twice")
	}
	if len(ar.byTag("once")) != 0 {
		t.Error("tag index not cleaned up")
	}
	if ar.size() != 0 {
		t.Errorf("size %d", ar.size())
	}
}

func TestRegistryByTag(t *testing.T) {
	ar := testRegistry(t)
	ar.add(Alarm{Id: 1, Tag: "a"})
	ar.add(Alarm{Id: 2, Tag: "b"})
	ar.add(Alarm{Id: 3, Tag: "a"})
	ar.add(Alarm{Id: 4, Tag: ""})
	ar.add(Alarm{Id: 5, Tag: "path/with/slashes"})

	as := ar.byTag("a")
	if len(as) != 2 || as[0].Id != 1 || as[1].Id != 3 {
		t.Fatalf("unexpected tag a alarms %+v", as)
	}

	if as = ar.byTag(""); len(as) != 1 || as[0].Id != 4 {
		t.Fatalf("unexpected empty tag alarms %+v", as)
	}

	if as = ar.byTag("path/with/slashes"); len(as) != 1 || as[0].Id != 5 {
		t.Fatalf("unexpected slash tag alarms %+v", as)
	}

	ar.remove(1)
	if as = ar.byTag("a"); len(as) != 1 || as[0].Id != 3 {
		t.Fatalf("unexpected tag a alarms after remove %+v", as)
	}
}

func TestRegistryAllSorted(t *testing.T) {
	ar := testRegistry(t)
	for _, id := range []AlarmId{12, 3, 100, 1} {
		ar.add(Alarm{Id: id, Tag: "x"})
	}

	all := ar.all()
	if len(all) != 4 {
		t.Fatalf("expected 4 alarms, got %d", len(all))
	}
	for i, id := range []AlarmId{1, 3, 12, 100} {
		if all[i].Id != id {
			t.Errorf("position %d: expected %d, got %d", i, id, all[i].Id)
		}
	}
}

func TestRegistryReplaceDuplicate(t *testing.T) {
	ar := testRegistry(t)
	ar.add(Alarm{Id: 1, Tag: "old"})
	ar.add(Alarm{Id: 1, Tag: "new"})

	if ar.size() != 1 {
		t.Fatalf("size %d", ar.size())
	}
	if len(ar.byTag("old")) != 0 {
		t.Error("old tag still indexed")
	}
	if a, _ := ar.get(1); a.Tag != "new" {
		t.Errorf("tag %q", a.Tag)
	}
}

func TestRegistryClear(t *testing.T) {
	ar := testRegistry(t)
	ar.add(Alarm{Id: 1, Tag: "a"})
	ar.add(Alarm{Id: 2, Tag: "a"})
	ar.clear()

	if ar.size() != 0 || len(ar.all()) != 0 || len(ar.byTag("a")) != 0 {
		t.Error("registry not empty after clear")
	}
}
