// Package usbip drives devices exported with the Linux usbip toolchain.
// The host side binds and unbinds devices to the usbip-host kernel driver
// over the host's communicator; the client side attaches them with the
// local usbip binary.
package usbip

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Identifier is the registry name of the USB/IP driver family.
const Identifier = "USBIP"

// Well-known fragments of usbip error output on the remote host.
const (
	noRemoteDevices     = "usbip: info: no exportable devices found on "
	usbipdNotRunning    = "error: could not connect to localhost:3240"
	missingKernelModule = "error: unable to bind device on "
)

// usbipDriverPath is where the kernel lists devices bound to usbip-host.
const usbipDriverPath = "/sys/bus/usb/drivers/usbip-host/"

func init() {
	plugin.RegisterHostDriver(plugin.HostDriverRegistration{
		Identifier:             Identifier,
		SupportedCommunicators: []string{"SSH"},
		SupportedHostTypes:     []model.HostType{model.HostLinuxAMD64},
		DeviceConfigKeys:       []string{"bus_id"},
		NewHostDriver: func(host *model.RemoteHost, comm driver.Communicator, store driver.DeviceStore) driver.HostDriver {
			return &HostDriver{host: host, comm: comm, store: store}
		},
		NewDeviceDriver: func(device *model.Device, host driver.HostDriver) driver.DeviceDriver {
			return &DeviceDriver{device: device, host: host.(*HostDriver)}
		},
	})
}

// DeviceDetails describes one device attached to the remote host as
// reported by `usbip list -l`.
type DeviceDetails struct {
	BusID     string
	VendorID  string
	ProductID string
	Vendor    string
	Product   string
}

// HostDriver manages all USB/IP devices on one remote host.
type HostDriver struct {
	host  *model.RemoteHost
	comm  driver.Communicator
	store driver.DeviceStore
}

func (h *HostDriver) Identifier() string {
	return Identifier
}

func (h *HostDriver) Host() *model.RemoteHost {
	return h.host
}

func (h *HostDriver) IsReachable(ctx context.Context) bool {
	return h.comm.IsReachable(ctx)
}

// execute runs a command on the host, mapping transport failures and
// well-known usbip errors.
func (h *HostDriver) execute(ctx context.Context, command string) (driver.CommandResponse, error) {
	response, err := h.comm.Execute(ctx, command)
	if err != nil {
		return response, &util.HostConnectionError{Host: h.host.Address, Err: err}
	}
	if response.ReturnCode != 0 {
		cmdErr := &util.HostCommandError{
			Host:    h.host.Address,
			Command: command,
			Code:    response.ReturnCode,
			Stderr:  strings.TrimSpace(response.Stderr),
		}
		switch {
		case strings.Contains(response.Stderr, usbipdNotRunning):
			cmdErr.Hint = fmt.Sprintf("usbipd is not running on %s", h.host.Address)
		case strings.Contains(response.Stderr, missingKernelModule):
			cmdErr.Hint = fmt.Sprintf("kernel modules might not be loaded on %s, try `sudo modprobe usbip_host`", h.host.Address)
		}
		util.WithHost(h.host.Address).Error(cmdErr.Error())
		return response, cmdErr
	}
	return response, nil
}

// DeviceList parses `usbip list -l` output into attached devices keyed by
// bus id. The output groups devices with a leading " - " separator:
//
//	 - busid 1-1 (0403:6015)
//	   Future Technology Devices International, Ltd : Bridge(I2C/SPI/UART/FIFO) (0403:6015)
//
// A host without exportable devices yields an empty map.
func (h *HostDriver) DeviceList(ctx context.Context) (map[string]DeviceDetails, error) {
	response, err := h.execute(ctx, "usbip list -l")
	if err != nil {
		if isNoRemoteDevices(err) {
			return map[string]DeviceDetails{}, nil
		}
		return nil, err
	}
	return parseDeviceList(response.Stdout), nil
}

func isNoRemoteDevices(err error) bool {
	var cmdErr *util.HostCommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, noRemoteDevices)
}

func parseDeviceList(stdout string) map[string]DeviceDetails {
	devices := map[string]DeviceDetails{}
	groups := strings.Split(stdout, " - ")
	// The first group is empty, the separator leads every entry.
	for _, group := range groups[1:] {
		fields := strings.Fields(group)
		if len(fields) < 3 {
			continue
		}
		busID := fields[1]
		ids := strings.SplitN(strings.Trim(fields[2], "()\n"), ":", 2)
		if len(ids) != 2 {
			continue
		}
		details := DeviceDetails{BusID: busID, VendorID: ids[0], ProductID: ids[1]}

		lines := strings.Split(group, "\n")
		if len(lines) > 1 {
			parts := strings.SplitN(strings.TrimSpace(lines[1]), " : ", 2)
			if len(parts) == 2 {
				details.Vendor = parts[0]
				// The product string repeats the id pair at the end.
				product := parts[1]
				if idx := strings.LastIndex(product, " ("); idx > 0 {
					product = product[:idx]
				}
				details.Product = product
			}
		}
		devices[busID] = details
	}
	return devices
}

// SharedBusIDs lists the bus ids currently bound to the usbip-host kernel
// driver, i.e. the exported devices.
func (h *HostDriver) SharedBusIDs(ctx context.Context) (map[string]bool, error) {
	response, err := h.execute(ctx, "ls -1 "+usbipDriverPath)
	if err != nil {
		return nil, err
	}
	shared := map[string]bool{}
	for _, line := range strings.Split(response.Stdout, "\n") {
		// Bus ids start with a digit; everything else in the directory is
		// driver plumbing (bind, unbind, module, ...).
		if line != "" && line[0] >= '0' && line[0] <= '9' {
			shared[line] = true
		}
	}
	return shared, nil
}

// Reconcile drives each device toward its intended state: exported iff its
// resource is reserved. Observed online state is persisted. Per-device
// failures are collected so one bad device does not stall the rest.
func (h *HostDriver) Reconcile(ctx context.Context, devices []*model.Device) error {
	shared, err := h.SharedBusIDs(ctx)
	if err != nil {
		return err
	}
	attached, err := h.DeviceList(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, device := range devices {
		busID := device.ConfigValue("bus_id")
		actualShared := shared[busID]
		_, actualOnline := attached[busID]

		if device.InUse() != actualShared {
			util.WithDevice(device.Name).Errorf(
				"device state does not match expected state: shared=%t expected=%t",
				actualShared, device.InUse())
			deviceDriver := &DeviceDriver{device: device, host: h}
			var opErr error
			if device.InUse() {
				opErr = deviceDriver.Share(ctx)
			} else {
				opErr = deviceDriver.Unshare(ctx)
			}
			if opErr != nil {
				errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, opErr))
			}
		}

		if device.Online != actualOnline {
			if err := h.store.SaveDeviceOnline(ctx, device, actualOnline); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

// DeviceDriver operates on one USB/IP device through its host driver.
type DeviceDriver struct {
	device *model.Device
	host   *HostDriver
}

func (d *DeviceDriver) busID() string {
	return d.device.ConfigValue("bus_id")
}

// IsShared reports whether the device is bound to the usbip-host driver.
func (d *DeviceDriver) IsShared(ctx context.Context) (bool, error) {
	shared, err := d.host.SharedBusIDs(ctx)
	if err != nil {
		return false, err
	}
	return shared[d.busID()], nil
}

// IsOnline reports whether the device is attached to the remote host.
func (d *DeviceDriver) IsOnline(ctx context.Context) (bool, error) {
	devices, err := d.host.DeviceList(ctx)
	if err != nil {
		return false, err
	}
	_, ok := devices[d.busID()]
	return ok, nil
}

// Share exports the device. No-op when already shared.
func (d *DeviceDriver) Share(ctx context.Context) error {
	shared, err := d.IsShared(ctx)
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	util.WithDevice(d.device.Name).Info("Sharing")
	return d.startSharing(ctx)
}

// Unshare stops exporting the device. No-op when not shared.
func (d *DeviceDriver) Unshare(ctx context.Context) error {
	shared, err := d.IsShared(ctx)
	if err != nil {
		return err
	}
	if !shared {
		return nil
	}
	util.WithDevice(d.device.Name).Info("Un-sharing")
	_, err = d.host.execute(ctx, fmt.Sprintf("sudo usbip unbind -b %s", d.busID()))
	return err
}

// Refresh re-asserts sharing after possible remote state loss.
func (d *DeviceDriver) Refresh(ctx context.Context) error {
	return d.startSharing(ctx)
}

func (d *DeviceDriver) startSharing(ctx context.Context) error {
	shared, err := d.IsShared(ctx)
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	_, err = d.host.execute(ctx, fmt.Sprintf("sudo usbip bind -b %s", d.busID()))
	return err
}
