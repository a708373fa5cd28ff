package usbip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/quartermaster-dev/quartermaster/internal/testutil"
	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

const listOutput = ` - busid 1-1 (0403:6015)
   Future Technology Devices International, Ltd : Bridge(I2C/SPI/UART/FIFO) (0403:6015)

 - busid 1-2 (05c6:901d)
   Qualcomm, Inc : Android (05c6:901d)
`

func TestParseDeviceList(t *testing.T) {
	devices := parseDeviceList(listOutput)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}

	ftdi, ok := devices["1-1"]
	if !ok {
		t.Fatal("bus id 1-1 missing")
	}
	if ftdi.VendorID != "0403" || ftdi.ProductID != "6015" {
		t.Errorf("wrong ids: %q:%q", ftdi.VendorID, ftdi.ProductID)
	}
	if ftdi.Vendor != "Future Technology Devices International, Ltd" {
		t.Errorf("wrong vendor: %q", ftdi.Vendor)
	}
	if ftdi.Product != "Bridge(I2C/SPI/UART/FIFO)" {
		t.Errorf("wrong product: %q", ftdi.Product)
	}
}

func TestParseDeviceListEmpty(t *testing.T) {
	if devices := parseDeviceList(""); len(devices) != 0 {
		t.Errorf("expected no devices, got %v", devices)
	}
}

type saveRecorder struct {
	saves map[string]bool
}

func newSaveRecorder() *saveRecorder {
	return &saveRecorder{saves: map[string]bool{}}
}

func (s *saveRecorder) SaveDeviceOnline(ctx context.Context, device *model.Device, online bool) error {
	s.saves[device.Name] = online
	device.Online = online
	return nil
}

func newHostDriver(comm driver.Communicator, store driver.DeviceStore) *HostDriver {
	return &HostDriver{
		host: &model.RemoteHost{
			Address:      "lab-host-1",
			Communicator: "SSH",
			Type:         model.HostLinuxAMD64,
		},
		comm:  comm,
		store: store,
	}
}

func testDevice(name, busID string, reserved, online bool) *model.Device {
	device := &model.Device{
		Name:       name,
		Driver:     Identifier,
		ConfigJSON: fmt.Sprintf(`{"bus_id":%q}`, busID),
		Online:     online,
	}
	resource := &model.Resource{Name: "bench-1"}
	if reserved {
		user := "alice"
		resource.User = &user
	}
	device.Resource = resource
	return device
}

func TestDeviceListNoRemoteDevices(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("usbip list -l", driver.CommandResponse{
		ReturnCode: 1,
		Stderr:     noRemoteDevices + "localhost",
	})
	h := newHostDriver(comm, newSaveRecorder())

	devices, err := h.DeviceList(context.Background())
	if err != nil {
		t.Fatalf("expected empty list, got error: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices, got %v", devices)
	}
}

func TestSharedBusIDs(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("ls -1", driver.CommandResponse{Stdout: "1-1\nbind\nmodule\nunbind\n"})
	h := newHostDriver(comm, newSaveRecorder())

	shared, err := h.SharedBusIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !shared["1-1"] {
		t.Error("1-1 should be shared")
	}
	if len(shared) != 1 {
		t.Errorf("driver plumbing leaked into bus ids: %v", shared)
	}
}

func TestReconcileSharesReservedDevice(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("usbip list -l", driver.CommandResponse{Stdout: listOutput})
	comm.Script("ls -1", driver.CommandResponse{Stdout: "bind\nunbind\n"})
	store := newSaveRecorder()
	h := newHostDriver(comm, store)

	device := testDevice("bench-1-phone", "1-1", true, true)
	if err := h.Reconcile(context.Background(), []*model.Device{device}); err != nil {
		t.Fatal(err)
	}

	binds := comm.CommandsMatching("usbip bind -b 1-1")
	if len(binds) != 1 {
		t.Errorf("expected one bind, got %v", comm.Commands())
	}
}

func TestReconcileUnsharesFreeDevice(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("usbip list -l", driver.CommandResponse{Stdout: listOutput})
	comm.Script("ls -1", driver.CommandResponse{Stdout: "1-1\nbind\nunbind\n"})
	store := newSaveRecorder()
	h := newHostDriver(comm, store)

	device := testDevice("bench-1-phone", "1-1", false, true)
	if err := h.Reconcile(context.Background(), []*model.Device{device}); err != nil {
		t.Fatal(err)
	}

	unbinds := comm.CommandsMatching("usbip unbind -b 1-1")
	if len(unbinds) != 1 {
		t.Errorf("expected one unbind, got %v", comm.Commands())
	}
}

func TestReconcilePersistsOnlineState(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("usbip list -l", driver.CommandResponse{Stdout: listOutput})
	comm.Script("ls -1", driver.CommandResponse{Stdout: ""})
	store := newSaveRecorder()
	h := newHostDriver(comm, store)

	// 1-9 is not attached anymore, 1-1 still is.
	missing := testDevice("bench-1-hub", "1-9", false, true)
	present := testDevice("bench-1-phone", "1-1", false, false)
	if err := h.Reconcile(context.Background(), []*model.Device{missing, present}); err != nil {
		t.Fatal(err)
	}

	if online, ok := store.saves["bench-1-hub"]; !ok || online {
		t.Errorf("bench-1-hub should have been saved offline, saves=%v", store.saves)
	}
	if online, ok := store.saves["bench-1-phone"]; !ok || !online {
		t.Errorf("bench-1-phone should have been saved online, saves=%v", store.saves)
	}
}

func TestShareIsIdempotent(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("ls -1", driver.CommandResponse{Stdout: "1-1\n"})
	h := newHostDriver(comm, newSaveRecorder())

	d := &DeviceDriver{device: testDevice("bench-1-phone", "1-1", true, true), host: h}
	if err := d.Share(context.Background()); err != nil {
		t.Fatal(err)
	}
	if binds := comm.CommandsMatching("bind"); len(binds) != 0 {
		t.Errorf("already shared device should not be re-bound, got %v", binds)
	}
}

func TestUnshareIsIdempotent(t *testing.T) {
	comm := testutil.NewFakeCommunicator()
	comm.Script("ls -1", driver.CommandResponse{Stdout: ""})
	h := newHostDriver(comm, newSaveRecorder())

	d := &DeviceDriver{device: testDevice("bench-1-phone", "1-1", false, true), host: h}
	if err := d.Unshare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if unbinds := comm.CommandsMatching("unbind"); len(unbinds) != 0 {
		t.Errorf("unshared device should not be unbound again, got %v", unbinds)
	}
}

func TestErrorHints(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		hint   string
	}{
		{"usbipd down", usbipdNotRunning, "usbipd is not running"},
		{"module missing", missingKernelModule, "kernel modules might not be loaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comm := testutil.NewFakeCommunicator()
			comm.Script("ls -1", driver.CommandResponse{ReturnCode: 1, Stderr: tt.stderr})
			h := newHostDriver(comm, newSaveRecorder())

			_, err := h.SharedBusIDs(context.Background())
			var cmdErr *util.HostCommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("expected HostCommandError, got %v", err)
			}
			if !strings.Contains(cmdErr.Hint, tt.hint) {
				t.Errorf("hint %q does not mention %q", cmdErr.Hint, tt.hint)
			}
			if !errors.Is(err, util.ErrHostCommand) {
				t.Error("should unwrap to ErrHostCommand")
			}
		})
	}
}
