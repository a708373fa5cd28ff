// Package model defines the Quartermaster catalog: pools of resources,
// the remote hosts that devices are attached to, and the devices
// themselves. Reservation state lives on the Resource row and is only
// mutated by the allocator; Device.Online is only mutated by the
// reconciler.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// HostType identifies the operating system family of a RemoteHost.
// Drivers declare which host types they can manage.
type HostType string

const (
	HostDarwin     HostType = "Darwin"
	HostLinuxAMD64 HostType = "Linux_AMD64"
	HostWindows    HostType = "Windows"
)

// KnownHostTypes lists every host type the server accepts on write.
var KnownHostTypes = []HostType{HostDarwin, HostLinuxAMD64, HostWindows}

// Pool is a named collection of interchangeable Resources.
type Pool struct {
	Name string `gorm:"primaryKey"`
}

func (p Pool) String() string {
	return p.Name
}

// Resource is the unit of reservation: a logical group of devices treated
// as a single unit, held by at most one user at a time.
type Resource struct {
	Name        string `gorm:"primaryKey"`
	PoolName    string `gorm:"index;not null"`
	Pool        Pool   `gorm:"foreignKey:PoolName;references:Name"`
	Description string
	Enabled     bool `gorm:"default:true"`

	// Reservation state. User is nil exactly when the resource is free.
	User         *string
	UsedFor      string
	UsePassword  string
	LastReserved *time.Time
	LastCheckIn  *time.Time

	Devices []Device `gorm:"foreignKey:ResourceName;references:Name"`
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s / %s", r.PoolName, r.Name)
}

// InUse reports whether the resource is currently reserved.
func (r *Resource) InUse() bool {
	return r.User != nil
}

// IsOnline reports whether every device of the resource was online at the
// last reconciliation. Requires Devices to be loaded.
func (r *Resource) IsOnline() bool {
	for _, d := range r.Devices {
		if !d.Online {
			return false
		}
	}
	return true
}

// ReservationExpiration is the hard end of the reservation regardless of
// check-ins. Only meaningful while InUse.
func (r *Resource) ReservationExpiration(max time.Duration) time.Time {
	return r.LastReserved.Add(max)
}

// CheckinExpiration is when the reservation lapses for lack of check-ins.
// Only meaningful while InUse.
func (r *Resource) CheckinExpiration(timeout time.Duration) time.Time {
	return r.LastCheckIn.Add(timeout)
}

// RemoteHost is a machine with devices physically attached, reachable
// through a Communicator. ConfigJSON is an opaque blob consumed by the
// communicator (e.g. SSH keys and username).
type RemoteHost struct {
	ID           uint   `gorm:"primaryKey"`
	Address      string `gorm:"uniqueIndex;not null"`
	Communicator string `gorm:"not null"`
	Type         HostType
	ConfigJSON   string

	Devices []Device `gorm:"foreignKey:HostID"`
}

func (h *RemoteHost) String() string {
	return fmt.Sprintf("%s:%s", h.Communicator, h.Address)
}

// Config decodes the communicator configuration blob.
func (h *RemoteHost) Config() (map[string]string, error) {
	config := map[string]string{}
	if h.ConfigJSON == "" {
		return config, nil
	}
	if err := json.Unmarshal([]byte(h.ConfigJSON), &config); err != nil {
		return nil, fmt.Errorf("host %s config: %w", h.Address, err)
	}
	return config, nil
}

// SetConfig encodes the communicator configuration blob.
func (h *RemoteHost) SetConfig(config map[string]string) error {
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	h.ConfigJSON = string(data)
	return nil
}

// Device is a single USB endpoint on a RemoteHost managed by one driver.
// ConfigJSON is driver-specific (bus_id for USB/IP, device_address for
// VirtualHere).
type Device struct {
	Name         string  `gorm:"primaryKey"`
	ResourceName *string `gorm:"index"`
	Resource     *Resource
	HostID       uint `gorm:"index;not null"`
	Host         RemoteHost
	Driver       string `gorm:"not null"`
	ConfigJSON   string
	Online       bool `gorm:"default:true"`
}

func (d *Device) String() string {
	if d.Resource != nil {
		return fmt.Sprintf("%s / %s", d.Resource, d.Name)
	}
	return d.Name
}

// Config decodes the driver configuration blob.
func (d *Device) Config() (map[string]string, error) {
	config := map[string]string{}
	if d.ConfigJSON == "" {
		return config, nil
	}
	if err := json.Unmarshal([]byte(d.ConfigJSON), &config); err != nil {
		return nil, fmt.Errorf("device %s config: %w", d.Name, err)
	}
	return config, nil
}

// SetConfig encodes the driver configuration blob.
func (d *Device) SetConfig(config map[string]string) error {
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	d.ConfigJSON = string(data)
	return nil
}

// ConfigValue returns one key of the driver configuration, or "" if absent.
func (d *Device) ConfigValue(key string) string {
	config, err := d.Config()
	if err != nil {
		return ""
	}
	return config[key]
}

// InUse reports whether the owning resource is reserved. Requires Resource
// to be loaded; devices without a resource are never in use.
func (d *Device) InUse() bool {
	return d.Resource != nil && d.Resource.InUse()
}

// TeamCityPool maps a TeamCity shared-resource name to a local Pool.
// SharedResourceURL points at the TeamCity shared resource whose quota
// property mirrors the number of reservations held on its behalf.
type TeamCityPool struct {
	Name              string `gorm:"primaryKey"`
	PoolName          string `gorm:"index;not null"`
	Pool              Pool   `gorm:"foreignKey:PoolName;references:Name"`
	SharedResourceURL string
}
