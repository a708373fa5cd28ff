package teamcity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/quartermaster-dev/quartermaster/pkg/allocator"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/scheduler"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// usedForPrefix keys CI reservations: the used_for field of a resource
// reserved for build 123 is "Teamcity_ID=123".
const usedForPrefix = "Teamcity_ID="

// UsedFor returns the used_for value for a build's reservation.
func UsedFor(buildID int64) string {
	return fmt.Sprintf("%s%d", usedForPrefix, buildID)
}

// BuildID extracts the build id from a CI reservation's used_for value.
func BuildID(usedFor string) (int64, bool) {
	if !strings.HasPrefix(usedFor, usedForPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(usedFor, usedForPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Allocator reserves and releases resources on behalf of TeamCity builds.
type Allocator struct {
	store  *store.Store
	client *Client

	// user is the local username CI reservations are booked under.
	user string
}

// NewAllocator wires the CI allocator.
func NewAllocator(st *store.Store, client *Client, user string) *Allocator {
	return &Allocator{store: st, client: client, user: user}
}

// MakeReservation reserves one free resource of the pool for a build and
// bumps the TeamCity quota. A reservation that already exists for the
// build is left alone; no free resource is not an error, the queue sweep
// retries next minute.
//
// The quota read-modify-write is not atomic against other writers. The
// exposure is one sweep interval and the monitor converges the count on
// the next pass, so the simple protocol is kept.
func (a *Allocator) MakeReservation(ctx context.Context, tcPool *model.TeamCityPool, buildID int64) error {
	usedFor := UsedFor(buildID)

	existing, err := a.store.ResourcesUsedFor(ctx, usedFor)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.User != nil && *r.User == a.user {
			return nil
		}
	}

	free, err := a.store.FreeResources(ctx, tcPool.PoolName)
	if err != nil {
		return err
	}
	if len(free) == 0 {
		util.Warnf("Could not find unused tc_name=%s resource_pool=%s resource for build %d",
			tcPool.Name, tcPool.PoolName, buildID)
		return nil
	}
	selected, err := a.store.ResourceByName(ctx, free[0].Name)
	if err != nil {
		return err
	}

	quota, prop, err := a.client.Quota(ctx, tcPool.SharedResourceURL)
	if err != nil {
		return err
	}

	util.WithResource(selected.Name).Infof("Reserving %s for build %d, new quota is %d",
		tcPool.Name, buildID, quota+1)
	if err := allocator.Make(ctx, a.store, selected, a.user, usedFor); err != nil {
		return err
	}
	if err := a.client.SetQuota(ctx, tcPool.SharedResourceURL, prop, quota+1); err != nil {
		util.Errorf("Error incrementing quota for %s, rolling back reservation for %s: %v",
			tcPool.Name, selected.Name, err)
		if relErr := allocator.Release(ctx, a.store, selected); relErr != nil {
			return multierror.Append(err, relErr)
		}
		return err
	}
	return nil
}

// ReleaseReservation releases a CI-held resource and decrements the
// TeamCity quota. A quota that already hit zero is left; a negative one,
// which TeamCity treats as infinite, is forced back to zero.
func (a *Allocator) ReleaseReservation(ctx context.Context, tcPool *model.TeamCityPool, resource *model.Resource) error {
	quota, prop, err := a.client.Quota(ctx, tcPool.SharedResourceURL)
	if err != nil {
		return err
	}
	switch {
	case quota > 0:
		util.WithResource(resource.Name).Infof("Releasing reservation of %s for %s, new quota is %d",
			tcPool.Name, resource.UsedFor, quota-1)
		if err := a.client.SetQuota(ctx, tcPool.SharedResourceURL, prop, quota-1); err != nil {
			return err
		}
	case quota < 0:
		util.Errorf("Attempting to remove TeamCity reservation from '%s' but the shared quota "+
			"is already %d, setting to 0 instead", resource.UsedFor, quota)
		if err := a.client.SetQuota(ctx, tcPool.SharedResourceURL, prop, 0); err != nil {
			return err
		}
	default:
		util.Errorf("Attempting to remove TeamCity reservation from '%s' but the shared quota "+
			"is already 0", resource.UsedFor)
	}
	return allocator.Release(ctx, a.store, resource)
}

// poolFor finds the TeamCity pool mapping of a resource's pool.
func (a *Allocator) poolFor(ctx context.Context, resource *model.Resource) (*model.TeamCityPool, error) {
	pools, err := a.store.TeamCityPools(ctx)
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		if pool.PoolName == resource.PoolName {
			return pool, nil
		}
	}
	return nil, fmt.Errorf("%w: no TeamCity pool maps pool %q", util.ErrNotFound, resource.PoolName)
}

// ReleaseForResource releases a CI reservation given only the resource,
// resolving its TeamCity pool mapping. The API's DELETE handler uses this.
func (a *Allocator) ReleaseForResource(ctx context.Context, resource *model.Resource) error {
	tcPool, err := a.poolFor(ctx, resource)
	if err != nil {
		return err
	}
	return a.ReleaseReservation(ctx, tcPool, resource)
}

// Job names and schedules of the CI jobs.
const (
	JobManageReservations = "manage_teamcity_reservations"
	JobMonitorQueue       = "monitor_teamcity_queue"
)

// RegisterJobs adds the CI sweep jobs to the scheduler.
func (a *Allocator) RegisterJobs(s *scheduler.Scheduler) error {
	if err := s.Add(JobManageReservations, "* * * * *", a.ManageReservations); err != nil {
		return err
	}
	return s.Add(JobMonitorQueue, "* * * * *", a.MonitorQueue)
}

// ManageReservations releases CI reservations whose build finished.
func (a *Allocator) ManageReservations(ctx context.Context) error {
	resources, err := a.store.ReservedResources(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, resource := range resources {
		if resource.User == nil || *resource.User != a.user {
			continue
		}
		buildID, ok := BuildID(resource.UsedFor)
		if !ok {
			util.WithResource(resource.Name).Errorf(
				"CI reservation has unparseable used_for %q", resource.UsedFor)
			continue
		}
		finished, err := a.client.BuildFinished(ctx, buildID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !finished {
			continue
		}
		util.WithResource(resource.Name).Infof(
			"TeamCity job %d completed, removing reservation", buildID)
		if err := a.ReleaseForResource(ctx, resource); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// MonitorQueue reserves resources for builds queued on a mapped shared
// resource.
func (a *Allocator) MonitorQueue(ctx context.Context) error {
	blocked, err := a.client.BlockedBuilds(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, build := range blocked {
		tcPool, err := a.store.TeamCityPoolByName(ctx, build.SharedResourceName())
		if errors.Is(err, util.ErrNotFound) {
			continue // queue entries for unmapped resources are not ours
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		util.Infof("TeamCity job %d waiting for %s, trying to add reservation", build.ID, tcPool.Name)
		if err := a.MakeReservation(ctx, tcPool, build.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
