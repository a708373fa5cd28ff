package model

import (
	"testing"
	"time"
)

func TestResourceInUse(t *testing.T) {
	r := &Resource{Name: "bench-1"}
	if r.InUse() {
		t.Error("fresh resource should be free")
	}
	user := "alice"
	r.User = &user
	if !r.InUse() {
		t.Error("resource with a user should be in use")
	}
}

func TestResourceIsOnline(t *testing.T) {
	r := &Resource{
		Devices: []Device{
			{Name: "a", Online: true},
			{Name: "b", Online: true},
		},
	}
	if !r.IsOnline() {
		t.Error("all devices online should mean resource online")
	}
	r.Devices[1].Online = false
	if r.IsOnline() {
		t.Error("one offline device should take the resource offline")
	}

	// A resource without devices has nothing offline.
	if !(&Resource{}).IsOnline() {
		t.Error("deviceless resource should count as online")
	}
}

func TestResourceExpirations(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	checkin := t0.Add(4 * time.Minute)
	r := &Resource{LastReserved: &t0, LastCheckIn: &checkin}

	if got := r.ReservationExpiration(10 * time.Minute); !got.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("reservation expiration = %v", got)
	}
	if got := r.CheckinExpiration(5 * time.Minute); !got.Equal(t0.Add(9 * time.Minute)) {
		t.Errorf("checkin expiration = %v", got)
	}
}

func TestDeviceString(t *testing.T) {
	device := &Device{Name: "bench-1-phone"}
	if device.String() != "bench-1-phone" {
		t.Errorf("detached device = %q", device.String())
	}
	device.Resource = &Resource{Name: "bench-1", PoolName: "android-ny"}
	if device.String() != "android-ny / bench-1 / bench-1-phone" {
		t.Errorf("attached device = %q", device.String())
	}
}

func TestDeviceConfigRoundTrip(t *testing.T) {
	device := &Device{Name: "d"}
	if err := device.SetConfig(map[string]string{"bus_id": "1-1"}); err != nil {
		t.Fatal(err)
	}
	config, err := device.Config()
	if err != nil {
		t.Fatal(err)
	}
	if config["bus_id"] != "1-1" {
		t.Errorf("config = %v", config)
	}
	if device.ConfigValue("bus_id") != "1-1" {
		t.Errorf("ConfigValue = %q", device.ConfigValue("bus_id"))
	}
	if device.ConfigValue("missing") != "" {
		t.Error("missing key should be empty")
	}
}

func TestDeviceConfigInvalidJSON(t *testing.T) {
	device := &Device{Name: "d", ConfigJSON: "{broken"}
	if _, err := device.Config(); err == nil {
		t.Error("expected a parse error")
	}
}

func TestDeviceInUse(t *testing.T) {
	device := &Device{Name: "d"}
	if device.InUse() {
		t.Error("detached device should not be in use")
	}
	device.Resource = &Resource{Name: "bench-1"}
	if device.InUse() {
		t.Error("device of a free resource should not be in use")
	}
	user := "alice"
	device.Resource.User = &user
	if !device.InUse() {
		t.Error("device of a held resource should be in use")
	}
}
