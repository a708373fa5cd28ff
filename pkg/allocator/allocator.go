// Package allocator owns the reservation state machine. It is the only
// writer of the reservation fields on a Resource; drivers are invoked
// best-effort after the state change commits, and the periodic
// reconciliation repairs whatever they could not do.
package allocator

import (
	"context"
	"fmt"

	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// passwordBytes sizes the per-reservation device password.
const passwordBytes = 10

// ErrAlreadyReserved is returned by Make when the resource is held.
var ErrAlreadyReserved = fmt.Errorf("resource already reserved")

// Make reserves a free resource for user. The state change is atomic; the
// subsequent device sharing is best-effort and repaired by reconciliation
// if a host is briefly unreachable.
func Make(ctx context.Context, st *store.Store, resource *model.Resource, user, usedFor string) error {
	if resource.InUse() {
		return fmt.Errorf("%w: %s is held by %s", ErrAlreadyReserved, resource.Name, *resource.User)
	}

	now := store.Now()
	resource.User = &user
	resource.UsedFor = usedFor
	resource.UsePassword = util.RandomToken(passwordBytes)
	resource.LastReserved = &now
	resource.LastCheckIn = &now

	err := st.Transaction(func(tx *store.Store) error {
		return tx.SaveResource(ctx, resource)
	})
	if err != nil {
		return err
	}
	util.WithResource(resource.Name).Infof("Reserved for %s (%s)", user, usedFor)

	shareDevices(ctx, st, resource)
	return nil
}

// CheckIn records client liveness, pushing the check-in expiry out.
func CheckIn(ctx context.Context, st *store.Store, resource *model.Resource) error {
	now := store.Now()
	resource.LastCheckIn = &now
	return st.SaveResource(ctx, resource)
}

// Refresh is a check-in that also re-asserts sharing on every device. The
// client calls this when a device dropped off its bus.
func Refresh(ctx context.Context, st *store.Store, resource *model.Resource) error {
	if err := CheckIn(ctx, st, resource); err != nil {
		return err
	}
	for i := range resource.Devices {
		device := &resource.Devices[i]
		deviceDriver, err := plugin.DeviceDriverFor(device, st)
		if err != nil {
			return err
		}
		if err := deviceDriver.Refresh(ctx); err != nil {
			return fmt.Errorf("refreshing %s: %w", device.Name, err)
		}
	}
	return nil
}

// Release frees a resource. Devices are unshared first so a straggling
// client loses access before the resource becomes reservable again; unshare
// failures are logged, not fatal, since reconciliation retries them.
func Release(ctx context.Context, st *store.Store, resource *model.Resource) error {
	for i := range resource.Devices {
		device := &resource.Devices[i]
		deviceDriver, err := plugin.DeviceDriverFor(device, st)
		if err != nil {
			util.WithDevice(device.Name).Errorf("building driver for release: %v", err)
			continue
		}
		if err := deviceDriver.Unshare(ctx); err != nil {
			util.WithDevice(device.Name).Errorf("un-sharing on release: %v", err)
		}
	}

	user := ""
	if resource.User != nil {
		user = *resource.User
	}
	resource.User = nil
	resource.UsedFor = ""
	resource.UsePassword = ""
	resource.LastCheckIn = nil

	err := st.Transaction(func(tx *store.Store) error {
		return tx.SaveResource(ctx, resource)
	})
	if err != nil {
		return err
	}
	util.WithResource(resource.Name).Infof("Released (was held by %s)", user)
	return nil
}

func shareDevices(ctx context.Context, st *store.Store, resource *model.Resource) {
	for i := range resource.Devices {
		device := &resource.Devices[i]
		deviceDriver, err := plugin.DeviceDriverFor(device, st)
		if err != nil {
			util.WithDevice(device.Name).Errorf("building driver for share: %v", err)
			continue
		}
		if err := deviceDriver.Share(ctx); err != nil {
			util.WithDevice(device.Name).Errorf("sharing: %v", err)
		}
	}
}
