package localdriver

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

func init() {
	plugin.RegisterLocalDriver(plugin.LocalDriverRegistration{
		Identifier: "VirtualHere",
		New: func(config map[string]string) driver.LocalDriver {
			return &VirtualHere{config: config}
		},
	})
}

// okMatcher recognises success responses of the vhclient text protocol.
var okMatcher = regexp.MustCompile(`(?m)^OK$`)

// macAppFragment is the process path fragment of the macOS client.
const macAppFragment = "VirtualHere.app/Contents/MacOS/VirtualHere"

// serviceStartWait gives the client service time to come up after launch.
var serviceStartWait = 2 * time.Second

// VirtualHere connects devices through a locally running VirtualHere
// client. macOS and Linux are supported.
type VirtualHere struct {
	config map[string]string
	vh     string
}

// linuxClientName is the platform-specific client binary, e.g.
// vhclientx86_64.
func linuxClientName() string {
	machine := map[string]string{
		"amd64": "x86_64",
		"arm64": "aarch64",
		"arm":   "armhf",
		"386":   "i386",
	}[runtime.GOARCH]
	if machine == "" {
		machine = runtime.GOARCH
	}
	return "vhclient" + machine
}

// PreflightCheck confirms the VirtualHere client is installed and its
// service is running, starting it when possible.
func (v *VirtualHere) PreflightCheck() error {
	switch runtime.GOOS {
	case "darwin":
		return v.setupMacClient()
	case "linux":
		return v.setupLinuxClient()
	default:
		return util.NewLocalDriverError(util.UnsupportedPlatform,
			"Unsupported platform %s", runtime.GOOS)
	}
}

// macFindVH finds the running macOS client's binary path via pgrep, or ""
// when it is not running.
func macFindVH() string {
	output, err := exec.Command("pgrep", "-lf", macAppFragment).Output()
	if err != nil {
		return ""
	}
	// Output lines look like "18643 /Applications/VirtualHere.app/...".
	for _, line := range strings.Split(string(output), "\n") {
		if idx := strings.Index(line, " "); idx > 0 && strings.Contains(line, macAppFragment) {
			path := line[idx+1:]
			if end := strings.Index(path, macAppFragment); end >= 0 {
				return path[:end+len(macAppFragment)]
			}
		}
	}
	return ""
}

func (v *VirtualHere) setupMacClient() error {
	if path := macFindVH(); path != "" {
		v.vh = path
		return nil
	}
	fmt.Println("Starting VirtualHere")
	if err := exec.Command("open", "-ga", "VirtualHere").Run(); err != nil {
		return util.NewLocalDriverError(util.CommandError,
			"Looks like VirtualHere might not be installed or runnable")
	}
	time.Sleep(serviceStartWait)
	if path := macFindVH(); path != "" {
		v.vh = path
		return nil
	}
	return util.NewLocalDriverError(util.CommandError,
		"VirtualHere client did not start")
}

func (v *VirtualHere) setupLinuxClient() error {
	if _, err := exec.LookPath("sudo"); err != nil {
		return util.NewLocalDriverError(util.CommandNotFound,
			"sudo is needed and was not found in path")
	}
	vhclient, err := exec.LookPath(linuxClientName())
	if err != nil {
		return util.NewLocalDriverError(util.CommandNotFound,
			"%s is needed and was not found in path. %s", linuxClientName(), v.SetupInformation())
	}
	v.vh = vhclient

	// pgrep failing means the client service is not running yet.
	if err := exec.Command("pgrep", linuxClientName()).Run(); err != nil {
		fmt.Printf("Starting VirtualHere client service, if this failed you may need to start it "+
			"manually by running `sudo %s -n`\n", vhclient)
		if err := exec.Command("sudo", vhclient, "-n").Run(); err != nil {
			return util.NewLocalDriverError(util.CommandError,
				"starting VirtualHere client service: %v", err)
		}
		time.Sleep(serviceStartWait)
	}
	return nil
}

func (v *VirtualHere) run(ctx context.Context, command string) (string, error) {
	vh := v.vh
	if vh == "" {
		return "", util.NewLocalDriverError(util.CommandNotFound,
			"VirtualHere client path is not known, was PreflightCheck run?")
	}
	return runCommand(ctx, vh, "-t", command)
}

// AsyncInit connects the client to the hub serving this device's host.
// An already listed hub is left alone.
func (v *VirtualHere) AsyncInit(ctx context.Context) error {
	hubs, err := v.run(ctx, "MANUAL HUB LIST")
	if err != nil {
		return err
	}
	for _, hub := range strings.Split(hubs, "\n") {
		if strings.HasPrefix(hub, v.config["host_address"]) {
			return nil
		}
	}
	output, err := v.run(ctx, "MANUAL HUB ADD,"+v.config["host_address"])
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(output) {
		return util.NewLocalDriverError(util.CommandError,
			"VirtualHere did not return 'OK' when connecting hub '%s', instead I got '%s'",
			v.config["host_address"], output)
	}
	return nil
}

// Connect takes the device into use on this machine.
func (v *VirtualHere) Connect(ctx context.Context) error {
	output, err := v.run(ctx, "USE,"+v.config["device_address"])
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(output) {
		return util.NewLocalDriverError(util.CommandError,
			"VirtualHere did not return 'OK' when connecting device, instead I got '%s'", output)
	}
	return nil
}

// Disconnect releases the device.
func (v *VirtualHere) Disconnect(ctx context.Context) error {
	output, err := v.run(ctx, "STOP USING,"+v.config["device_address"])
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(output) {
		return util.NewLocalDriverError(util.CommandError,
			"VirtualHere did not return 'OK' when disconnecting device, instead I got '%s'", output)
	}
	return nil
}

// Connected reports whether anyone, including us, holds the device. The
// reservation guarantees the only possible user is this client.
func (v *VirtualHere) Connected(ctx context.Context) (bool, error) {
	output, err := v.run(ctx, "DEVICE INFO,"+v.config["device_address"])
	if err != nil {
		return false, err
	}
	return !strings.Contains(output, "IN USE BY: NO ONE"), nil
}

// SetupInformation points at the client download.
func (v *VirtualHere) SetupInformation() string {
	return "To use these Virtual here resources you must have the VirtualHere client installed and running. " +
		"You can download the client at https://virtualhere.com/usb_client_software"
}
