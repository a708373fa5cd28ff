package scheduler_test

import (
	"testing"
	"time"

	"github.com/quartermaster-dev/quartermaster/internal/testutil"
	"github.com/quartermaster-dev/quartermaster/pkg/allocator"
	"github.com/quartermaster-dev/quartermaster/pkg/scheduler"
	"github.com/quartermaster-dev/quartermaster/pkg/store"

	_ "github.com/quartermaster-dev/quartermaster/pkg/communicator"
	_ "github.com/quartermaster-dev/quartermaster/pkg/driver/usbip"
)

const (
	reservationMax = 10 * time.Minute
	checkinTimeout = 5 * time.Minute
)

func reserve(t *testing.T, st *store.Store, name string, at time.Time) {
	t.Helper()
	ctx := testutil.Context(t)
	testutil.FreezeTime(t, at)
	resource, err := st.ResourceByName(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if err := allocator.Make(ctx, st, resource, "alice", "soak test"); err != nil {
		t.Fatal(err)
	}
}

func reserved(t *testing.T, st *store.Store, name string) bool {
	t.Helper()
	resource, err := st.ResourceByName(testutil.Context(t), name)
	if err != nil {
		t.Fatal(err)
	}
	return resource.InUse()
}

func TestUpdateReservationsCheckinTimeout(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reserve(t, st, catalog.Resource.Name, t0)

	// Two minutes in the reservation is healthy.
	testutil.FreezeTime(t, t0.Add(2*time.Minute))
	if err := scheduler.UpdateReservations(ctx, st, reservationMax, checkinTimeout); err != nil {
		t.Fatal(err)
	}
	if !reserved(t, st, catalog.Resource.Name) {
		t.Fatal("healthy reservation was released")
	}

	// Six minutes without a check-in is over the timeout.
	testutil.FreezeTime(t, t0.Add(6*time.Minute))
	if err := scheduler.UpdateReservations(ctx, st, reservationMax, checkinTimeout); err != nil {
		t.Fatal(err)
	}
	if reserved(t, st, catalog.Resource.Name) {
		t.Error("reservation should lapse when the client stops checking in")
	}
}

func TestUpdateReservationsHardMaximum(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reserve(t, st, catalog.Resource.Name, t0)

	// A diligent client checks in at nine minutes.
	testutil.FreezeTime(t, t0.Add(9*time.Minute))
	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	if err := allocator.CheckIn(ctx, st, resource); err != nil {
		t.Fatal(err)
	}

	// Check-ins do not extend the reservation past the hard maximum.
	testutil.FreezeTime(t, t0.Add(11*time.Minute))
	if err := scheduler.UpdateReservations(ctx, st, reservationMax, checkinTimeout); err != nil {
		t.Fatal(err)
	}
	if reserved(t, st, catalog.Resource.Name) {
		t.Error("reservation outlived the hard maximum")
	}
}

func TestSchedulerAddRejectsBadSchedule(t *testing.T) {
	s := scheduler.New(nil)
	if err := s.Add("broken", "not a cron line", nil); err == nil {
		t.Error("expected a parse error")
	}
}
