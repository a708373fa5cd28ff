package localdriver

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

func init() {
	plugin.RegisterLocalDriver(plugin.LocalDriverRegistration{
		Identifier: "USBIP",
		New: func(config map[string]string) driver.LocalDriver {
			return &USBIP{config: config}
		},
	})
}

// USBIP attaches a remote USB/IP export to the local machine with the
// usbip command line tool. Linux only.
type USBIP struct {
	config map[string]string
	usbip  string
}

// PreflightCheck verifies we are on Linux and usbip is installed.
func (u *USBIP) PreflightCheck() error {
	if runtime.GOOS != "linux" {
		return util.NewLocalDriverError(util.UnsupportedPlatform,
			"Unsupported OS, 'usbip' is only available on Linux")
	}
	path, err := exec.LookPath("usbip")
	if err != nil {
		return util.NewLocalDriverError(util.CommandNotFound,
			"usbip was not found in PATH. %s", u.SetupInformation())
	}
	u.usbip = path
	return nil
}

// AsyncInit has no one-shot setup for USB/IP.
func (u *USBIP) AsyncInit(ctx context.Context) error {
	return nil
}

func (u *USBIP) run(ctx context.Context, args ...string) (string, error) {
	usbip := u.usbip
	if usbip == "" {
		usbip = "usbip"
	}
	return runCommand(ctx, "sudo", append([]string{usbip}, args...)...)
}

// Connect attaches the device. The attach claims a local vhci port that
// port discovery finds again later.
func (u *USBIP) Connect(ctx context.Context) error {
	_, err := u.run(ctx, "attach", "-r", u.config["host_address"], "-b", u.config["bus_id"])
	if err != nil {
		return fmt.Errorf("attaching %s %s: %w", u.config["host_address"], u.config["bus_id"], err)
	}
	return nil
}

// port finds the local vhci port the device is imported on, or -1 when it
// is not attached. `usbip port` output groups ports like:
//
//	Port 00: <Port in Use> at Low Speed(1.5Mbps)
//	       unknown vendor : unknown product (1c4f:0002)
//	       2-1 -> usbip://10.3.40.43:3240/1-11
//	           -> remote bus/dev 001/008
func (u *USBIP) port(ctx context.Context) (int, error) {
	output, err := u.run(ctx, "port")
	if err != nil {
		return -1, err
	}
	return parsePort(output, u.config["bus_id"])
}

func parsePort(output, busID string) (int, error) {
	// Skip the first group, it is just the header.
	for _, group := range strings.Split(output, "\nPort ")[1:] {
		if !strings.Contains(group, "/"+busID+"\n") {
			continue
		}
		portStr := strings.SplitN(group, ":", 2)[0]
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			return -1, util.NewLocalDriverError(util.CommandError,
				"unparseable port in usbip output: %q", portStr)
		}
		return port, nil
	}
	return -1, nil
}

// Connected reports whether the device is attached locally.
func (u *USBIP) Connected(ctx context.Context) (bool, error) {
	port, err := u.port(ctx)
	if err != nil {
		return false, err
	}
	return port >= 0, nil
}

// Disconnect detaches the device from its vhci port. An already detached
// device is not an error.
func (u *USBIP) Disconnect(ctx context.Context) error {
	port, err := u.port(ctx)
	if err != nil {
		return err
	}
	if port < 0 {
		fmt.Printf("Could not find port for bus_id '%s', maybe device is already disconnected\n",
			u.config["bus_id"])
		return nil
	}
	_, err = u.run(ctx, "detach", "-p", strconv.Itoa(port))
	return err
}

// SetupInformation describes the one-time host setup.
func (u *USBIP) SetupInformation() string {
	return `Linux is the only supported platform for USBIP. To use these devices on a Debian/Ubuntu based host
you need to do the following setup once

 # As root
 apt-get install linux-tools-generic
 modprobe vhci-hcd
 echo 'vhci-hcd' >> /etc/modules # To load the 'vhci-hcd' module on boot in the future`
}
