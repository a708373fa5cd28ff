// Package plugin is the explicit registry of driver and communicator
// implementations. Implementations register themselves from init(), the
// server looks them up by identifier; there is no runtime discovery.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
)

// CommunicatorRegistration describes one communicator implementation.
type CommunicatorRegistration struct {
	Identifier string

	// ConfigKeys are the required keys of RemoteHost.ConfigJSON.
	ConfigKeys []string

	New func(host *model.RemoteHost) (driver.Communicator, error)
}

// HostDriverRegistration describes one host-driver family and its paired
// device driver. The pairing is declared here rather than by mutating
// driver types after definition.
type HostDriverRegistration struct {
	Identifier             string
	SupportedCommunicators []string
	SupportedHostTypes     []model.HostType

	// DeviceConfigKeys are the required keys of Device.ConfigJSON.
	DeviceConfigKeys []string

	NewHostDriver func(host *model.RemoteHost, comm driver.Communicator, store driver.DeviceStore) driver.HostDriver

	// NewDeviceDriver builds the per-device driver backed by an already
	// constructed host driver for the device's host.
	NewDeviceDriver func(device *model.Device, host driver.HostDriver) driver.DeviceDriver
}

// SupportsHost reports whether this driver family can manage devices on
// the given host.
func (r HostDriverRegistration) SupportsHost(host *model.RemoteHost) bool {
	commOK := false
	for _, c := range r.SupportedCommunicators {
		if c == host.Communicator {
			commOK = true
			break
		}
	}
	if !commOK {
		return false
	}
	for _, t := range r.SupportedHostTypes {
		if t == host.Type {
			return true
		}
	}
	return false
}

// LocalDriverRegistration describes one client-side driver.
type LocalDriverRegistration struct {
	Identifier string
	New        func(config map[string]string) driver.LocalDriver
}

var (
	mu            sync.RWMutex
	communicators = map[string]CommunicatorRegistration{}
	hostDrivers   = map[string]HostDriverRegistration{}
	localDrivers  = map[string]LocalDriverRegistration{}
)

// RegisterCommunicator adds a communicator implementation. Duplicate
// identifiers panic: they indicate two plugins claiming the same name.
func RegisterCommunicator(reg CommunicatorRegistration) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := communicators[reg.Identifier]; dup {
		panic(fmt.Sprintf("plugin: communicator %q registered twice", reg.Identifier))
	}
	communicators[reg.Identifier] = reg
}

// RegisterHostDriver adds a host-driver family.
func RegisterHostDriver(reg HostDriverRegistration) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := hostDrivers[reg.Identifier]; dup {
		panic(fmt.Sprintf("plugin: host driver %q registered twice", reg.Identifier))
	}
	hostDrivers[reg.Identifier] = reg
}

// RegisterLocalDriver adds a client-side driver.
func RegisterLocalDriver(reg LocalDriverRegistration) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := localDrivers[reg.Identifier]; dup {
		panic(fmt.Sprintf("plugin: local driver %q registered twice", reg.Identifier))
	}
	localDrivers[reg.Identifier] = reg
}

// Communicator builds the communicator configured for the host.
func Communicator(host *model.RemoteHost) (driver.Communicator, error) {
	mu.RLock()
	reg, ok := communicators[host.Communicator]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no communicator registered for %q", host.Communicator)
	}
	return reg.New(host)
}

// CommunicatorRegistrationFor looks up a communicator registration.
func CommunicatorRegistrationFor(identifier string) (CommunicatorRegistration, bool) {
	mu.RLock()
	defer mu.RUnlock()
	reg, ok := communicators[identifier]
	return reg, ok
}

// HostDriverRegistrationFor looks up a host-driver family.
func HostDriverRegistrationFor(identifier string) (HostDriverRegistration, bool) {
	mu.RLock()
	defer mu.RUnlock()
	reg, ok := hostDrivers[identifier]
	return reg, ok
}

// HostDriverRegistrations returns every registered family, ordered by
// identifier for deterministic sweeps.
func HostDriverRegistrations() []HostDriverRegistration {
	mu.RLock()
	defer mu.RUnlock()
	regs := make([]HostDriverRegistration, 0, len(hostDrivers))
	for _, reg := range hostDrivers {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Identifier < regs[j].Identifier })
	return regs
}

// LocalDriver builds the client-side driver for a device configuration.
func LocalDriver(identifier string, config map[string]string) (driver.LocalDriver, error) {
	mu.RLock()
	reg, ok := localDrivers[identifier]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no driver found to support %q", identifier)
	}
	return reg.New(config), nil
}

// HostDriverFor builds the host driver managing the given host for one
// family, wiring up the host's communicator.
func HostDriverFor(reg HostDriverRegistration, host *model.RemoteHost, store driver.DeviceStore) (driver.HostDriver, error) {
	comm, err := Communicator(host)
	if err != nil {
		return nil, err
	}
	return reg.NewHostDriver(host, comm, store), nil
}

// DeviceDriverFor builds the device driver for one device, constructing
// the communicator and host driver it delegates to. The device's Host must
// be loaded.
func DeviceDriverFor(device *model.Device, store driver.DeviceStore) (driver.DeviceDriver, error) {
	reg, ok := HostDriverRegistrationFor(device.Driver)
	if !ok {
		return nil, fmt.Errorf("driver for %s is %q but was not found", device.Name, device.Driver)
	}
	hostDriver, err := HostDriverFor(reg, &device.Host, store)
	if err != nil {
		return nil, err
	}
	return reg.NewDeviceDriver(device, hostDriver), nil
}

// ValidateDeviceConfig checks a device row on write: the driver exists,
// it supports the device's host, and the config blob carries exactly the
// keys the driver declares.
func ValidateDeviceConfig(device *model.Device) []string {
	reg, ok := HostDriverRegistrationFor(device.Driver)
	if !ok {
		return []string{fmt.Sprintf("unknown driver '%s'", device.Driver)}
	}
	var errors []string
	if device.Host.Address != "" && !reg.SupportsHost(&device.Host) {
		errors = append(errors, fmt.Sprintf(
			"driver '%s' does not support host %s (communicator %s, type %s)",
			device.Driver, device.Host.Address, device.Host.Communicator, device.Host.Type))
	}
	config, err := device.Config()
	if err != nil {
		return append(errors, fmt.Sprintf("invalid JSON: %v", err))
	}
	return append(errors, driver.ValidateConfigKeys(config, reg.DeviceConfigKeys)...)
}

// ValidateHostConfig checks a remote-host row on write against its
// communicator's declared configuration keys.
func ValidateHostConfig(host *model.RemoteHost) []string {
	reg, ok := CommunicatorRegistrationFor(host.Communicator)
	if !ok {
		return []string{fmt.Sprintf("unknown communicator '%s'", host.Communicator)}
	}
	typeOK := false
	for _, t := range model.KnownHostTypes {
		if host.Type == t {
			typeOK = true
			break
		}
	}
	var errors []string
	if !typeOK {
		errors = append(errors, fmt.Sprintf("unknown host type '%s'", host.Type))
	}
	config, err := host.Config()
	if err != nil {
		return append(errors, fmt.Sprintf("invalid JSON: %v", err))
	}
	return append(errors, driver.ValidateConfigKeys(config, reg.ConfigKeys)...)
}
