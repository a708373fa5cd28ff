package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/quartermaster-dev/quartermaster/internal/testutil"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/util"

	_ "github.com/quartermaster-dev/quartermaster/pkg/communicator"
	_ "github.com/quartermaster-dev/quartermaster/pkg/driver/usbip"
)

func TestResourceByName(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)

	resource, err := st.ResourceByName(ctx, catalog.Resource.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(resource.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(resource.Devices))
	}
	for _, device := range resource.Devices {
		if device.Host.Address != catalog.Host.Address {
			t.Errorf("device %s host not loaded", device.Name)
		}
		if device.Resource == nil || device.Resource.Name != resource.Name {
			t.Errorf("device %s resource back-reference not set", device.Name)
		}
	}

	if _, err := st.ResourceByName(ctx, "no-such"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFreeResources(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)

	free, err := st.FreeResources(ctx, catalog.Pool.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 1 {
		t.Fatalf("expected the seeded resource to be free, got %d", len(free))
	}

	// A reserved resource is not free.
	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	user := "alice"
	now := time.Now()
	resource.User = &user
	resource.LastReserved = &now
	resource.LastCheckIn = &now
	if err := st.SaveResource(ctx, resource); err != nil {
		t.Fatal(err)
	}
	if free, _ = st.FreeResources(ctx, catalog.Pool.Name); len(free) != 0 {
		t.Errorf("reserved resource listed as free")
	}

	// Nor after release with a device offline.
	resource.User = nil
	resource.LastCheckIn = nil
	if err := st.SaveResource(ctx, resource); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveDeviceOnline(ctx, catalog.Devices[0], false); err != nil {
		t.Fatal(err)
	}
	if free, _ = st.FreeResources(ctx, catalog.Pool.Name); len(free) != 0 {
		t.Errorf("resource with an offline device listed as free")
	}

	// Nor when disabled.
	if err := st.SaveDeviceOnline(ctx, catalog.Devices[0], true); err != nil {
		t.Fatal(err)
	}
	if err := st.SetResourceEnabled(ctx, catalog.Resource.Name, false); err != nil {
		t.Fatal(err)
	}
	if free, _ = st.FreeResources(ctx, catalog.Pool.Name); len(free) != 0 {
		t.Errorf("disabled resource listed as free")
	}
}

func TestResourcesUsedFor(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)

	resource, _ := st.ResourceByName(ctx, catalog.Resource.Name)
	user := "teamcity"
	now := time.Now()
	resource.User = &user
	resource.UsedFor = "Teamcity_ID=42"
	resource.LastReserved = &now
	if err := st.SaveResource(ctx, resource); err != nil {
		t.Fatal(err)
	}

	found, err := st.ResourcesUsedFor(ctx, "Teamcity_ID=42")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Name != resource.Name {
		t.Fatalf("lookup by used_for failed: %v", found)
	}
	if missing, _ := st.ResourcesUsedFor(ctx, "Teamcity_ID=43"); len(missing) != 0 {
		t.Error("wrong build id matched")
	}
}

func TestCreateDeviceValidation(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)

	tests := []struct {
		name   string
		device model.Device
	}{
		{"unknown driver", model.Device{
			Name: "bad-1", HostID: catalog.Host.ID, Host: *catalog.Host,
			Driver: "Carrier_Pigeon", ConfigJSON: `{}`,
		}},
		{"missing bus_id", model.Device{
			Name: "bad-2", HostID: catalog.Host.ID, Host: *catalog.Host,
			Driver: "USBIP", ConfigJSON: `{}`,
		}},
		{"unknown config key", model.Device{
			Name: "bad-3", HostID: catalog.Host.ID, Host: *catalog.Host,
			Driver: "USBIP", ConfigJSON: `{"bus_id":"1-1","color":"red"}`,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := st.CreateDevice(ctx, &tt.device)
			if !errors.Is(err, util.ErrConfiguration) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestDeleteResourceDetachesDevices(t *testing.T) {
	st := testutil.NewStore(t)
	catalog := testutil.SeedCatalog(t, st)
	ctx := testutil.Context(t)

	if err := st.DeleteResource(ctx, catalog.Resource.Name); err != nil {
		t.Fatal(err)
	}
	devices, err := st.DevicesForHost(ctx, catalog.Host, "USBIP")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices should survive resource deletion, got %d", len(devices))
	}
	for _, device := range devices {
		if device.ResourceName != nil {
			t.Errorf("device %s still attached to deleted resource", device.Name)
		}
	}
}
