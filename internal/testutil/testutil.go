// Package testutil provides shared helpers for package tests: an
// in-memory store, catalog fixtures, and a scripted communicator.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
)

// NewStore returns a migrated in-memory store.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return st
}

// Context returns a test context with a deadline shorter than go test's.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// FreezeTime pins store.Now to a fixed instant and restores it afterward.
func FreezeTime(t *testing.T, at time.Time) {
	t.Helper()
	orig := store.Now
	store.Now = func() time.Time { return at }
	t.Cleanup(func() { store.Now = orig })
}

// SSHHostConfig is a host configuration blob that passes communicator
// validation. The key material is not parseable, tests that need a live
// communicator inject a fake instead.
const SSHHostConfig = `{"username":"qm","host_key":"AAAA","host_key_type":"ssh-ed25519",` +
	`"private_key":"none","private_key_type":"Ed25519"}`

// Catalog is the fixture set most tests start from.
type Catalog struct {
	Pool     *model.Pool
	Host     *model.RemoteHost
	Resource *model.Resource
	Devices  []*model.Device
}

// SeedCatalog creates a pool with one resource holding two USBIP devices
// on one SSH host.
func SeedCatalog(t *testing.T, st *store.Store) *Catalog {
	t.Helper()
	ctx := Context(t)

	pool := &model.Pool{Name: "android-ny"}
	if err := st.CreatePool(ctx, pool); err != nil {
		t.Fatalf("creating pool: %v", err)
	}

	host := &model.RemoteHost{
		Address:      "lab-host-1.example.com",
		Communicator: "SSH",
		Type:         model.HostLinuxAMD64,
		ConfigJSON:   SSHHostConfig,
	}
	if err := st.CreateHost(ctx, host); err != nil {
		t.Fatalf("creating host: %v", err)
	}

	resource := &model.Resource{
		Name:     "bench-1",
		PoolName: pool.Name,
		Enabled:  true,
	}
	if err := st.CreateResource(ctx, resource); err != nil {
		t.Fatalf("creating resource: %v", err)
	}

	var devices []*model.Device
	for _, spec := range []struct{ name, busID string }{
		{"bench-1-phone", "1-1"},
		{"bench-1-hub", "1-2"},
	} {
		device := &model.Device{
			Name:         spec.name,
			ResourceName: &resource.Name,
			HostID:       host.ID,
			Host:         *host,
			Driver:       "USBIP",
			ConfigJSON:   `{"bus_id":"` + spec.busID + `"}`,
			Online:       true,
		}
		if err := st.CreateDevice(ctx, device); err != nil {
			t.Fatalf("creating device %s: %v", spec.name, err)
		}
		devices = append(devices, device)
	}

	return &Catalog{Pool: pool, Host: host, Resource: resource, Devices: devices}
}
