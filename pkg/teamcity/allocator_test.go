package teamcity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quartermaster-dev/quartermaster/internal/testutil"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/store"

	_ "github.com/quartermaster-dev/quartermaster/pkg/communicator"
	_ "github.com/quartermaster-dev/quartermaster/pkg/driver/usbip"
)

// fakeTC is a minimal TeamCity server: a build queue, one build, and one
// shared resource quota property.
type fakeTC struct {
	queue      string
	buildState string

	quota     string
	quotaPuts []string
}

func (f *fakeTC) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/rest/2018.1/buildQueue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.queue)) //nolint:errcheck
	})
	mux.HandleFunc("/app/rest/2018.1/builds/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": f.buildState}) //nolint:errcheck
	})
	mux.HandleFunc("/shared/properties/quota", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var prop struct {
				Value string `json:"value"`
			}
			json.NewDecoder(r.Body).Decode(&prop) //nolint:errcheck
			f.quota = prop.Value
			f.quotaPuts = append(f.quotaPuts, prop.Value)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "quota", "value": f.quota}) //nolint:errcheck
	})
	return mux
}

func setup(t *testing.T, tc *fakeTC) (*store.Store, *testutil.Catalog, *model.TeamCityPool, *Allocator) {
	t.Helper()
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	testutil.FreezeTime(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	server := httptest.NewServer(tc.handler())
	t.Cleanup(server.Close)

	tcPool := &model.TeamCityPool{
		Name:              "ANDROID_BENCH",
		PoolName:          catalog.Pool.Name,
		SharedResourceURL: server.URL + "/shared",
	}
	if err := st.CreateTeamCityPool(testutil.Context(t), tcPool); err != nil {
		t.Fatal(err)
	}

	client := NewClient(server.URL, "qm", "secret")
	return st, catalog, tcPool, NewAllocator(st, client, "teamcity")
}

func TestMakeReservation(t *testing.T) {
	tc := &fakeTC{quota: "1"}
	st, catalog, tcPool, a := setup(t, tc)
	ctx := testutil.Context(t)

	if err := a.MakeReservation(ctx, tcPool, 600999); err != nil {
		t.Fatal(err)
	}

	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	if resource.User == nil || *resource.User != "teamcity" {
		t.Fatalf("resource not reserved for the CI user: %+v", resource)
	}
	if resource.UsedFor != "Teamcity_ID=600999" {
		t.Errorf("used_for = %q", resource.UsedFor)
	}
	if len(tc.quotaPuts) != 1 || tc.quotaPuts[0] != "2" {
		t.Errorf("quota should have been bumped to 2, puts=%v", tc.quotaPuts)
	}
}

func TestMakeReservationIsIdempotent(t *testing.T) {
	tc := &fakeTC{quota: "1"}
	st, catalog, tcPool, a := setup(t, tc)
	ctx := testutil.Context(t)

	if err := a.MakeReservation(ctx, tcPool, 600999); err != nil {
		t.Fatal(err)
	}
	if err := a.MakeReservation(ctx, tcPool, 600999); err != nil {
		t.Fatal(err)
	}

	if len(tc.quotaPuts) != 1 {
		t.Errorf("second call for the same build must not touch the quota, puts=%v", tc.quotaPuts)
	}
	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	if resource.UsedFor != "Teamcity_ID=600999" {
		t.Errorf("reservation changed: %q", resource.UsedFor)
	}
}

func TestMakeReservationNoFreeResource(t *testing.T) {
	tc := &fakeTC{quota: "1"}
	st, catalog, tcPool, a := setup(t, tc)
	ctx := testutil.Context(t)

	if err := a.MakeReservation(ctx, tcPool, 1); err != nil {
		t.Fatal(err)
	}
	// The pool is exhausted; a second build waits without erroring.
	if err := a.MakeReservation(ctx, tcPool, 2); err != nil {
		t.Fatal(err)
	}
	if len(tc.quotaPuts) != 1 {
		t.Errorf("no reservation means no quota change, puts=%v", tc.quotaPuts)
	}

	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	if resource.UsedFor != "Teamcity_ID=1" {
		t.Errorf("first build lost its reservation: %q", resource.UsedFor)
	}
}

func TestReleaseReservation(t *testing.T) {
	tests := []struct {
		name     string
		quota    string
		wantPuts []string
	}{
		{"decrement", "2", []string{"1"}},
		{"already zero", "0", nil},
		{"negative reset", "-1", []string{"0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &fakeTC{quota: tt.quota}
			st, catalog, tcPool, a := setup(t, tc)
			ctx := testutil.Context(t)

			if err := a.MakeReservation(ctx, tcPool, 600999); err != nil {
				t.Fatal(err)
			}
			tc.quota = tt.quota // MakeReservation bumped it, reset the scenario
			tc.quotaPuts = nil

			resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
			if err := a.ReleaseReservation(ctx, tcPool, resource); err != nil {
				t.Fatal(err)
			}

			if len(tc.quotaPuts) != len(tt.wantPuts) {
				t.Fatalf("puts = %v, want %v", tc.quotaPuts, tt.wantPuts)
			}
			for i := range tt.wantPuts {
				if tc.quotaPuts[i] != tt.wantPuts[i] {
					t.Errorf("puts = %v, want %v", tc.quotaPuts, tt.wantPuts)
				}
			}
			reloaded, _ := st.ResourceByName(ctx, catalog.Resource.Name)
			if reloaded.InUse() {
				t.Error("resource should always be released locally")
			}
		})
	}
}

func TestManageReservationsReleasesFinishedBuilds(t *testing.T) {
	tc := &fakeTC{quota: "1", buildState: "running"}
	st, catalog, tcPool, a := setup(t, tc)
	ctx := testutil.Context(t)

	if err := a.MakeReservation(ctx, tcPool, 600999); err != nil {
		t.Fatal(err)
	}
	if err := a.ManageReservations(ctx); err != nil {
		t.Fatal(err)
	}
	if resource, _ := st.ResourceByName(ctx, catalog.Resource.Name); !resource.InUse() {
		t.Fatal("running build lost its reservation")
	}

	tc.buildState = "finished"
	if err := a.ManageReservations(ctx); err != nil {
		t.Fatal(err)
	}
	if resource, _ := st.ResourceByName(ctx, catalog.Resource.Name); resource.InUse() {
		t.Error("finished build should have been released")
	}
}

func TestMonitorQueue(t *testing.T) {
	tc := &fakeTC{quota: "0", buildState: "running"}
	tc.queue = `{"build":[
		{"id":600999,"waitReason":"` + BlockedJobPrefix + `ANDROID_BENCH"},
		{"id":600100,"waitReason":"` + BlockedJobPrefix + `UNMAPPED_RESOURCE"},
		{"id":600200,"waitReason":"Build queue was paused"}
	]}`
	st, catalog, _, a := setup(t, tc)
	ctx := testutil.Context(t)

	if err := a.MonitorQueue(ctx); err != nil {
		t.Fatal(err)
	}

	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	if resource.UsedFor != "Teamcity_ID=600999" {
		t.Errorf("blocked build on the mapped resource should win the reservation, got %q", resource.UsedFor)
	}
}

func TestBlockedBuilds(t *testing.T) {
	tc := &fakeTC{
		queue: `{"build":[
			{"id":1,"waitReason":"` + BlockedJobPrefix + `POOL_A"},
			{"id":2,"waitReason":"Some other reason"},
			{"id":3}
		]}`,
	}
	server := httptest.NewServer(tc.handler())
	defer server.Close()

	client := NewClient(server.URL, "qm", "secret")
	blocked, err := client.BlockedBuilds(testutil.Context(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != 1 {
		t.Fatalf("blocked = %+v", blocked)
	}
	if name := blocked[0].SharedResourceName(); name != "POOL_A" {
		t.Errorf("shared resource name = %q", name)
	}
}

func TestUsedForRoundTrip(t *testing.T) {
	if got := UsedFor(42); got != "Teamcity_ID=42" {
		t.Errorf("UsedFor = %q", got)
	}
	id, ok := BuildID("Teamcity_ID=42")
	if !ok || id != 42 {
		t.Errorf("BuildID = %d, %t", id, ok)
	}
	if _, ok := BuildID("interactive session"); ok {
		t.Error("non-CI used_for should not parse")
	}
	if !strings.HasPrefix(UsedFor(1), "Teamcity_ID=") {
		t.Error("prefix drifted")
	}
}
