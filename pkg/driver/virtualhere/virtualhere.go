// Package virtualhere drives devices exported through a VirtualHere
// client running on the remote host. All operations go through the
// `vhclient -t "<CMD>"` text protocol; device state is read from the
// GET CLIENT STATE XML dump.
package virtualhere

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Identifier is the registry name of the VirtualHere driver family.
const Identifier = "VirtualHere"

// ErrClientNotRunning indicates the VirtualHere client service is not
// running on the remote host. Callers distinguish it from ordinary command
// failures because restarting the service is the only fix.
var ErrClientNotRunning = errors.New("VirtualHere client service is not running")

// Output fragments that mean the client service is down rather than the
// command being wrong.
var clientNotRunningFragments = []string{
	"IPC client, server response open failed",
	"An existing client is not running.",
	"No response from IPC server",
}

func init() {
	plugin.RegisterHostDriver(plugin.HostDriverRegistration{
		Identifier:             Identifier,
		SupportedCommunicators: []string{"SSH"},
		SupportedHostTypes:     []model.HostType{model.HostDarwin, model.HostLinuxAMD64, model.HostWindows},
		DeviceConfigKeys:       []string{"device_address"},
		NewHostDriver: func(host *model.RemoteHost, comm driver.Communicator, store driver.DeviceStore) driver.HostDriver {
			return &HostDriver{host: host, comm: comm, store: store}
		},
		NewDeviceDriver: func(device *model.Device, host driver.HostDriver) driver.DeviceDriver {
			return &DeviceDriver{device: device, host: host.(*HostDriver)}
		},
	})
}

// DeviceInfo is the observed state of one device on the remote host's
// VirtualHere client. "Shared" here means a client somewhere is using the
// device, which is a different predicate from the resource being reserved.
type DeviceInfo struct {
	Address  string
	Nickname string
	Online   bool
	Shared   bool
}

// HostDriver manages all VirtualHere devices on one remote host.
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

// clientCmd is the VirtualHere client binary on the remote host. The host
// config may override it; otherwise it follows the platform default.
func (h *HostDriver) clientCmd() string {
	if config, err := h.host.Config(); err == nil {
		if cmd, ok := config["virtualhere_command"]; ok && cmd != "" {
			return cmd
		}
	}
	switch h.host.Type {
	case model.HostWindows:
		return "vhui64.exe"
	case model.HostDarwin:
		return "/Applications/VirtualHere.app/Contents/MacOS/VirtualHere"
	default:
		return "vhclientx86_64"
	}
}

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
			Stderr:  strings.TrimSpace(response.Stderr + response.Stdout),
		}
		util.WithHost(h.host.Address).Error(cmdErr.Error())
		return response, cmdErr
	}
	return response, nil
}

// Command issues one VirtualHere client command on the remote host. On
// Windows the invocation is wrapped so the parent shell blocks until the
// client's output has been written and can be echoed back.
func (h *HostDriver) Command(ctx context.Context, command string) (driver.CommandResponse, error) {
	var full string
	if h.host.Type == model.HostWindows {
		full = fmt.Sprintf(`start "quartermaster" /W %s -t "%s" -r "quartermaster.tmp" `+
			`& type quartermaster.tmp & del quartermaster.tmp`, h.clientCmd(), command)
	} else {
		full = fmt.Sprintf(`%s -t "%s"`, h.clientCmd(), command)
	}

	response, err := h.execute(ctx, full)
	if err != nil {
		var cmdErr *util.HostCommandError
		if errors.As(err, &cmdErr) && clientServiceNotRunning(cmdErr.Stderr) {
			return response, fmt.Errorf("%w on %s", ErrClientNotRunning, h.host.Address)
		}
		return response, err
	}
	return response, nil
}

func clientServiceNotRunning(output string) bool {
	for _, fragment := range clientNotRunningFragments {
		if strings.Contains(output, fragment) {
			return true
		}
	}
	return false
}

// clientState mirrors the parts of the GET CLIENT STATE XML we consume.
// Elements are collected at any nesting depth.
type stateData struct {
	connections []connectionElem
	devices     []deviceElem
}

type connectionElem struct {
	IP       string `xml:"ip,attr"`
	Hostname string `xml:"hostname,attr"`
}

type deviceElem struct {
	Address  string `xml:"address,attr"`
	Nickname string `xml:"nickname,attr"`
	State    string `xml:"state,attr"`
}

func parseState(raw string) (*stateData, error) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	data := &stateData{}
	for {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing VirtualHere client state: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "connection":
			var conn connectionElem
			if err := decoder.DecodeElement(&conn, &start); err != nil {
				return nil, fmt.Errorf("parsing VirtualHere connection: %w", err)
			}
			data.connections = append(data.connections, conn)
		case "device":
			var dev deviceElem
			if err := decoder.DecodeElement(&dev, &start); err != nil {
				return nil, fmt.Errorf("parsing VirtualHere device: %w", err)
			}
			data.devices = append(data.devices, dev)
		}
	}
	return data, nil
}

func (h *HostDriver) stateData(ctx context.Context) (*stateData, error) {
	response, err := h.Command(ctx, "GET CLIENT STATE")
	if err != nil {
		return nil, err
	}
	data, err := parseState(response.Stdout)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w (xml=>>%s<<)", h.host.Address, err, response.Stdout)
	}
	return data, nil
}

// localHostname finds the hostname of the VirtualHere server on the remote
// machine itself: the connection with ip 127.0.0.1.
func localHostname(data *stateData) string {
	for _, conn := range data.connections {
		if conn.IP == "127.0.0.1" {
			return conn.Hostname
		}
	}
	return ""
}

// States returns the observed device states keyed by the server-qualified
// device address ("{hostname}.{address}"). If the client has no hub entry
// for the local server it is added once and the state re-queried; this has
// been seen on Windows after client restarts.
func (h *HostDriver) States(ctx context.Context) (map[string]DeviceInfo, error) {
	data, err := h.stateData(ctx)
	if err != nil {
		return nil, err
	}
	hostname := localHostname(data)

	if hostname == "" {
		response, err := h.Command(ctx, "MANUAL HUB ADD,127.0.0.1")
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(response.Stdout, "OK") {
			return nil, &util.DeviceCommandError{
				Device:  h.host.Address,
				Message: fmt.Sprintf("adding connection to local server failed: %q", response.Stdout),
			}
		}
		if data, err = h.stateData(ctx); err != nil {
			return nil, err
		}
		hostname = localHostname(data)
	}

	if hostname == "" {
		return nil, &util.DeviceCommandError{
			Device:  h.host.Address,
			Message: "could not find a local server connection, is this running the VirtualHere server?",
		}
	}

	devices := map[string]DeviceInfo{}
	for _, dev := range data.devices {
		address := fmt.Sprintf("%s.%s", hostname, dev.Address)
		devices[address] = DeviceInfo{
			Address:  address,
			Nickname: dev.Nickname,
			Online:   true, // listed means attached
			Shared:   dev.State != "1",
		}
	}
	return devices, nil
}

// Reconcile updates observed online state and kicks off users holding a
// device whose reservation has ended. VirtualHere shares are always
// available, so there is nothing to do for freshly reserved devices.
func (h *HostDriver) Reconcile(ctx context.Context, devices []*model.Device) error {
	states, err := h.States(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, device := range devices {
		info, seen := states[device.ConfigValue("device_address")]
		if !seen {
			if device.Online {
				if err := h.store.SaveDeviceOnline(ctx, device, false); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, err))
				}
			}
			continue
		}
		if !device.Online {
			if err := h.store.SaveDeviceOnline(ctx, device, true); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, err))
			}
		}

		if !device.InUse() && info.Shared {
			deviceDriver := &DeviceDriver{device: device, host: h}
			if err := deviceDriver.Unshare(ctx); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

// MaintainNicknames renames devices whose VirtualHere nickname drifted
// from the catalog name.
func (h *HostDriver) MaintainNicknames(ctx context.Context, devices []*model.Device) error {
	states, err := h.States(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, device := range devices {
		address := device.ConfigValue("device_address")
		info, seen := states[address]
		if !seen || info.Nickname == device.Name {
			continue
		}
		util.WithDevice(device.Name).Errorf(
			"device nickname is incorrect: nickname is %q but should be %q", info.Nickname, device.Name)
		if _, err := h.Command(ctx, fmt.Sprintf("DEVICE RENAME,%s,%s", address, device.Name)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %s: %w", device.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// DeviceDriver operates on one VirtualHere device through its host driver.
type DeviceDriver struct {
	device *model.Device
	host   *HostDriver
}

func (d *DeviceDriver) address() string {
	return d.device.ConfigValue("device_address")
}

// IsShared reports whether any client is using the device.
func (d *DeviceDriver) IsShared(ctx context.Context) (bool, error) {
	states, err := d.host.States(ctx)
	if err != nil {
		return false, err
	}
	info, ok := states[d.address()]
	if !ok {
		return false, &util.DeviceNotFoundError{Device: d.address(), Host: d.host.host.Address}
	}
	return info.Shared, nil
}

// IsOnline reports whether the device is visible on the remote host.
func (d *DeviceDriver) IsOnline(ctx context.Context) (bool, error) {
	states, err := d.host.States(ctx)
	if err != nil {
		return false, err
	}
	_, ok := states[d.address()]
	return ok, nil
}

// Share is a no-op: VirtualHere shares are always available, access is
// controlled by the device password when enabled.
func (d *DeviceDriver) Share(ctx context.Context) error {
	return nil
}

// Unshare kicks off whoever is using the device. No-op when unused.
func (d *DeviceDriver) Unshare(ctx context.Context) error {
	shared, err := d.IsShared(ctx)
	if err != nil {
		return err
	}
	if !shared {
		return nil
	}
	util.WithDevice(d.device.Name).Info("Un-sharing")
	_, err = d.host.Command(ctx, fmt.Sprintf("STOP USING,%s", d.address()))
	return err
}

// Refresh has nothing to re-assert: shares are always available.
func (d *DeviceDriver) Refresh(ctx context.Context) error {
	return nil
}

// Nickname returns the device's current VirtualHere nickname.
func (d *DeviceDriver) Nickname(ctx context.Context) (string, error) {
	states, err := d.host.States(ctx)
	if err != nil {
		return "", err
	}
	info, ok := states[d.address()]
	if !ok {
		return "", &util.DeviceNotFoundError{Device: d.address(), Host: d.host.host.Address}
	}
	return info.Nickname, nil
}

// SetNickname renames the device on the remote client to the catalog name.
func (d *DeviceDriver) SetNickname(ctx context.Context) error {
	_, err := d.host.Command(ctx, fmt.Sprintf("DEVICE RENAME,%s,%s", d.address(), d.device.Name))
	return err
}
