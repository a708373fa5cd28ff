package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quartermaster-dev/quartermaster/pkg/allocator"
	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Job names and schedules of the built-in maintenance jobs.
const (
	JobUpdateReservations = "update_reservations"
	JobReconcileHosts     = "reconcile_hosts"
	JobDeviceNicknames    = "check_device_nicknames"

	everyMinute      = "* * * * *"
	everyQuarterHour = "*/15 * * * *"
)

// RegisterMaintenanceJobs adds the core jobs to the scheduler.
func RegisterMaintenanceJobs(s *Scheduler, st *store.Store, reservationMax, checkinTimeout time.Duration) error {
	if err := s.Add(JobUpdateReservations, everyMinute, func(ctx context.Context) error {
		return UpdateReservations(ctx, st, reservationMax, checkinTimeout)
	}); err != nil {
		return err
	}
	if err := s.Add(JobReconcileHosts, everyMinute, func(ctx context.Context) error {
		return ReconcileHosts(ctx, st)
	}); err != nil {
		return err
	}
	return s.Add(JobDeviceNicknames, everyQuarterHour, func(ctx context.Context) error {
		return MaintainNicknames(ctx, st)
	})
}

// UpdateReservations releases reservations that passed their hard maximum
// or whose client stopped checking in. One bad resource does not stop the
// sweep.
func UpdateReservations(ctx context.Context, st *store.Store, reservationMax, checkinTimeout time.Duration) error {
	resources, err := st.ReservedResources(ctx)
	if err != nil {
		return err
	}

	now := store.Now()
	var errs *multierror.Error
	for _, resource := range resources {
		var reason string
		switch {
		case now.After(resource.ReservationExpiration(reservationMax)):
			reason = "reservation reached its maximum duration"
		case resource.LastCheckIn != nil && now.After(resource.CheckinExpiration(checkinTimeout)):
			reason = "client stopped checking in"
		default:
			continue
		}
		util.WithResource(resource.Name).Infof("Releasing, %s", reason)
		if err := allocator.Release(ctx, st, resource); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resource %s: %w", resource.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// ReconcileHosts walks every host and driver family, drives devices toward
// their intended state, and marks devices on unreachable hosts offline.
func ReconcileHosts(ctx context.Context, st *store.Store) error {
	hosts, err := st.Hosts(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, host := range hosts {
		for _, reg := range plugin.HostDriverRegistrations() {
			if !reg.SupportsHost(host) {
				continue
			}
			if err := reconcileHost(ctx, st, host, reg); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("host %s driver %s: %w",
					host.Address, reg.Identifier, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

func reconcileHost(ctx context.Context, st *store.Store, host *model.RemoteHost, reg plugin.HostDriverRegistration) error {
	devices, err := st.DevicesForHost(ctx, host, reg.Identifier)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	hostDriver, err := plugin.HostDriverFor(reg, host, st)
	if err != nil {
		return err
	}

	if !hostDriver.IsReachable(ctx) {
		util.WithHost(host.Address).Warn("Unreachable, marking its devices offline")
		var errs *multierror.Error
		for _, device := range devices {
			if !device.Online {
				continue
			}
			if err := st.SaveDeviceOnline(ctx, device, false); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}

	return hostDriver.Reconcile(ctx, devices)
}

// MaintainNicknames asks drivers that track remote nicknames to re-assert
// them. Drivers without nickname support are skipped.
func MaintainNicknames(ctx context.Context, st *store.Store) error {
	hosts, err := st.Hosts(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, host := range hosts {
		for _, reg := range plugin.HostDriverRegistrations() {
			if !reg.SupportsHost(host) {
				continue
			}
			devices, err := st.DevicesForHost(ctx, host, reg.Identifier)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if len(devices) == 0 {
				continue
			}
			hostDriver, err := plugin.HostDriverFor(reg, host, st)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			maintainer, ok := hostDriver.(driver.NicknameMaintainer)
			if !ok {
				continue
			}
			if !hostDriver.IsReachable(ctx) {
				continue
			}
			if err := maintainer.MaintainNicknames(ctx, devices); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("host %s: %w", host.Address, err))
			}
		}
	}
	return errs.ErrorOrNil()
}
