// Package store persists the catalog and reservation state in SQLite
// through GORM. All reservation mutations go through Transaction so the
// allocator's invariants hold under concurrent API calls.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Store wraps the database handle. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&model.Pool{},
		&model.Resource{},
		&model.RemoteHost{},
		&model.Device{},
		&model.TeamCityPool{},
	)
}

// Transaction runs fn inside a database transaction. The allocator uses
// this to keep reservation writes atomic.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func notFound(err error, wrapped error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", util.ErrNotFound, wrapped)
	}
	return err
}

// ResourceByName loads one resource with its pool and devices. Device
// resources are back-filled so Device.InUse works without a second query.
func (s *Store) ResourceByName(ctx context.Context, name string) (*model.Resource, error) {
	var resource model.Resource
	err := s.db.WithContext(ctx).
		Preload("Pool").
		Preload("Devices").
		Preload("Devices.Host").
		First(&resource, "name = ?", name).Error
	if err != nil {
		return nil, notFound(err, fmt.Errorf("resource %q", name))
	}
	for i := range resource.Devices {
		resource.Devices[i].Resource = &resource
	}
	return &resource, nil
}

// SaveResource persists reservation state changes on a resource row.
func (s *Store) SaveResource(ctx context.Context, resource *model.Resource) error {
	return s.db.WithContext(ctx).
		Model(&model.Resource{}).
		Where("name = ?", resource.Name).
		Select("User", "UsedFor", "UsePassword", "LastReserved", "LastCheckIn").
		Updates(map[string]interface{}{
			"user":          resource.User,
			"used_for":      resource.UsedFor,
			"use_password":  resource.UsePassword,
			"last_reserved": resource.LastReserved,
			"last_check_in": resource.LastCheckIn,
		}).Error
}

// SaveDeviceOnline records the observed online state of a device. This is
// the reconciler's only write path.
func (s *Store) SaveDeviceOnline(ctx context.Context, device *model.Device, online bool) error {
	err := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("name = ?", device.Name).
		Update("online", online).Error
	if err != nil {
		return err
	}
	device.Online = online
	return nil
}

// FreeResources returns the reservable resources of a pool: enabled, not
// reserved, and with every device online.
func (s *Store) FreeResources(ctx context.Context, poolName string) ([]*model.Resource, error) {
	var resources []*model.Resource
	err := s.db.WithContext(ctx).
		Preload("Devices").
		Where("pool_name = ? AND enabled = ? AND user IS NULL", poolName, true).
		Order("name").
		Find(&resources).Error
	if err != nil {
		return nil, err
	}
	online := resources[:0]
	for _, r := range resources {
		if r.IsOnline() {
			online = append(online, r)
		}
	}
	return online, nil
}

// ReservedResources returns every resource currently held by a user, with
// devices loaded for expiry processing.
func (s *Store) ReservedResources(ctx context.Context) ([]*model.Resource, error) {
	var resources []*model.Resource
	err := s.db.WithContext(ctx).
		Preload("Devices").
		Preload("Devices.Host").
		Where("user IS NOT NULL").
		Order("name").
		Find(&resources).Error
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		for i := range r.Devices {
			r.Devices[i].Resource = r
		}
	}
	return resources, nil
}

// ResourcesUsedFor returns reservations whose used_for field matches
// exactly. The CI integration keys its reservations this way.
func (s *Store) ResourcesUsedFor(ctx context.Context, usedFor string) ([]*model.Resource, error) {
	var resources []*model.Resource
	err := s.db.WithContext(ctx).
		Preload("Devices").
		Preload("Devices.Host").
		Where("user IS NOT NULL AND used_for = ?", usedFor).
		Find(&resources).Error
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		for i := range r.Devices {
			r.Devices[i].Resource = r
		}
	}
	return resources, nil
}

// Hosts returns every remote host in the catalog.
func (s *Store) Hosts(ctx context.Context) ([]*model.RemoteHost, error) {
	var hosts []*model.RemoteHost
	err := s.db.WithContext(ctx).Order("address").Find(&hosts).Error
	return hosts, err
}

// HostByAddress loads one remote host.
func (s *Store) HostByAddress(ctx context.Context, address string) (*model.RemoteHost, error) {
	var host model.RemoteHost
	err := s.db.WithContext(ctx).First(&host, "address = ?", address).Error
	if err != nil {
		return nil, notFound(err, fmt.Errorf("host %q", address))
	}
	return &host, nil
}

// DevicesForHost returns the devices of one driver family on one host, with
// host and owning resource loaded so reconciliation can evaluate InUse.
func (s *Store) DevicesForHost(ctx context.Context, host *model.RemoteHost, driverID string) ([]*model.Device, error) {
	var devices []*model.Device
	err := s.db.WithContext(ctx).
		Preload("Resource").
		Where("host_id = ? AND driver = ?", host.ID, driverID).
		Order("name").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		d.Host = *host
	}
	return devices, nil
}

// TeamCityPools returns every TeamCity pool mapping.
func (s *Store) TeamCityPools(ctx context.Context) ([]*model.TeamCityPool, error) {
	var pools []*model.TeamCityPool
	err := s.db.WithContext(ctx).Order("name").Find(&pools).Error
	return pools, err
}

// TeamCityPoolByName loads one TeamCity pool mapping.
func (s *Store) TeamCityPoolByName(ctx context.Context, name string) (*model.TeamCityPool, error) {
	var pool model.TeamCityPool
	err := s.db.WithContext(ctx).First(&pool, "name = ?", name).Error
	if err != nil {
		return nil, notFound(err, fmt.Errorf("teamcity pool %q", name))
	}
	return &pool, nil
}

// CreatePool adds a pool.
func (s *Store) CreatePool(ctx context.Context, pool *model.Pool) error {
	return s.db.WithContext(ctx).Create(pool).Error
}

// Pools returns every pool.
func (s *Store) Pools(ctx context.Context) ([]*model.Pool, error) {
	var pools []*model.Pool
	err := s.db.WithContext(ctx).Order("name").Find(&pools).Error
	return pools, err
}

// CreateResource adds a resource to the catalog.
func (s *Store) CreateResource(ctx context.Context, resource *model.Resource) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

// CreateHost validates and adds a remote host. Validation happens here,
// on write, so reconciliation never sees a host its communicator cannot
// parse.
func (s *Store) CreateHost(ctx context.Context, host *model.RemoteHost) error {
	if messages := plugin.ValidateHostConfig(host); len(messages) > 0 {
		return util.NewConfigurationError(host.Address, messages...)
	}
	return s.db.WithContext(ctx).Create(host).Error
}

// CreateDevice validates and adds a device. The device's Host must be
// loaded so driver support can be checked.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if messages := plugin.ValidateDeviceConfig(device); len(messages) > 0 {
		return util.NewConfigurationError(device.Name, messages...)
	}
	return s.db.WithContext(ctx).Create(device).Error
}

// CreateTeamCityPool adds a TeamCity pool mapping.
func (s *Store) CreateTeamCityPool(ctx context.Context, pool *model.TeamCityPool) error {
	return s.db.WithContext(ctx).Create(pool).Error
}

// SetResourceEnabled flips the admin enable bit.
func (s *Store) SetResourceEnabled(ctx context.Context, name string, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&model.Resource{}).
		Where("name = ?", name).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: resource %q", util.ErrNotFound, name)
	}
	return nil
}

// DeleteResource removes a resource and detaches its devices.
func (s *Store) DeleteResource(ctx context.Context, name string) error {
	return s.Transaction(func(tx *Store) error {
		err := tx.db.WithContext(ctx).
			Model(&model.Device{}).
			Where("resource_name = ?", name).
			Update("resource_name", nil).Error
		if err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Delete(&model.Resource{}, "name = ?", name).Error
	})
}

// DeleteDevice removes a device from the catalog.
func (s *Store) DeleteDevice(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&model.Device{}, "name = ?", name).Error
}

// Now is the single clock used for reservation timestamps, overridable in
// tests.
var Now = time.Now
