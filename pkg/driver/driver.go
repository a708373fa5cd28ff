// Package driver defines the contracts between the Quartermaster server,
// its remote-host plugins, and the client-side local drivers. Concrete
// implementations live in subpackages and register themselves with
// pkg/plugin at process start.
package driver

import (
	"context"
	"fmt"

	"github.com/quartermaster-dev/quartermaster/pkg/model"
)

// CommandResponse is the result of one shell command on a remote host.
type CommandResponse struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Communicator executes shell commands on one remote host. Implementations
// own their transport; a failure to reach the host at all is reported as a
// util.CommunicatorError, a non-zero exit is a normal CommandResponse.
type Communicator interface {
	Execute(ctx context.Context, command string) (CommandResponse, error)
	IsReachable(ctx context.Context) bool
}

// DeviceStore is the narrow persistence surface host drivers need while
// reconciling: recording the observed online state of a device. The
// reconciler is the only writer of Device.Online.
type DeviceStore interface {
	SaveDeviceOnline(ctx context.Context, device *model.Device, online bool) error
}

// HostDriver manages all devices of one technology on one remote host.
// Batching status queries per host keeps reconciliation to a handful of
// remote commands regardless of device count.
type HostDriver interface {
	Identifier() string
	Host() *model.RemoteHost

	// IsReachable probes the host's communicator.
	IsReachable(ctx context.Context) bool

	// Reconcile drives the given devices toward their intended state:
	// shared iff reserved, and persists observed online flags.
	Reconcile(ctx context.Context, devices []*model.Device) error
}

// NicknameMaintainer is implemented by host drivers whose remote software
// tracks a per-device nickname that should mirror the device name.
type NicknameMaintainer interface {
	MaintainNicknames(ctx context.Context, devices []*model.Device) error
}

// DeviceDriver operates on a single device through its host driver.
// Share and Unshare are idempotent; Refresh unconditionally re-asserts
// sharing after possible network or remote state loss.
type DeviceDriver interface {
	IsOnline(ctx context.Context) (bool, error)
	IsShared(ctx context.Context) (bool, error)
	Share(ctx context.Context) error
	Unshare(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// PasswordProtected is implemented by device drivers that gate access to
// the device on a secret.
type PasswordProtected interface {
	// PasswordString returns the secret clients must present, or false if
	// the device needs no password.
	PasswordString() (string, bool)
	CheckPassword(password []byte) bool
}

// LocalDriver attaches a remote device to the client machine's OS.
// Connect is called periodically and must be a no-op when already
// connected; Disconnect likewise when not connected.
type LocalDriver interface {
	// PreflightCheck verifies OS and toolchain prerequisites before any
	// device work starts. Returns a util.LocalDriverError on failure.
	PreflightCheck() error

	// AsyncInit runs one-shot setup (e.g. attaching the VirtualHere hub).
	AsyncInit(ctx context.Context) error

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected(ctx context.Context) (bool, error)

	// SetupInformation describes how to install the missing prerequisites.
	SetupInformation() string
}

// ValidateConfigKeys checks a device or host configuration blob against the
// keys its driver declares: every required key present, no unknown keys.
func ValidateConfigKeys(config map[string]string, required []string) []string {
	var errors []string
	known := make(map[string]bool, len(required))
	for _, key := range required {
		known[key] = true
	}
	for key := range config {
		if !known[key] {
			errors = append(errors, fmt.Sprintf("Unsupported attribute, '%s'", key))
		}
	}
	for _, key := range required {
		if _, ok := config[key]; !ok {
			errors = append(errors, fmt.Sprintf("Value for '%s' is needed", key))
		}
	}
	return errors
}
