// Package client is the end-user runtime: it fetches a reservation,
// attaches the reserved devices locally, and keeps both alive until
// teardown.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Version is sent with every request so the server can refuse clients it
// no longer supports.
const Version = "1.0"

var startTimestamp = time.Now()

// FormattedPrint writes a user-facing progress line prefixed with the
// seconds elapsed since client start.
func FormattedPrint(format string, args ...interface{}) {
	fmt.Printf("%.1f %s\n", time.Since(startTimestamp).Seconds(), fmt.Sprintf(format, args...))
}

// HTTP talks to the Quartermaster server.
type HTTP struct {
	authToken string
	http      *http.Client
}

// NewHTTP builds the server client. disableValidation turns off TLS
// certificate checks for servers with self-signed certificates.
func NewHTTP(authToken string, disableValidation bool) *HTTP {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if disableValidation {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &HTTP{
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

func (h *HTTP) request(ctx context.Context, method, rawURL string, form url.Values) (int, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Quartermaster_client_version", Version)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if h.authToken != "" {
		req.Header.Set("Authorization", "Token "+h.authToken)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return 0, nil, &util.ClientFetchError{URL: rawURL,
			Message: fmt.Sprintf("Error trying to reach quartermaster server: %v", err)}
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, content, nil
}

// Reservation is the server's answer to a reservation request.
type Reservation struct {
	Devices        []*Device
	UsePassword    string
	ReservationURL string
}

// FetchReservation creates, or re-fetches, the reservation at url. The
// server returns the active reservation when the caller already holds it.
func (h *HTTP) FetchReservation(ctx context.Context, rawURL, message string) (*Reservation, error) {
	form := url.Values{}
	if message != "" {
		form.Set("used_for", message)
	}
	status, content, err := h.request(ctx, http.MethodPost, rawURL, form)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, &util.ClientFetchError{URL: rawURL, Status: status,
			Message: "That reservation was not found"}
	case status != http.StatusOK && status != http.StatusCreated:
		return nil, &util.ClientFetchError{URL: rawURL, Status: status,
			Message: fmt.Sprintf("Got unexpected response from server when retrieving reservation. BODY=%s", content)}
	}

	var decoded struct {
		UsePassword string              `json:"use_password"`
		Devices     []map[string]string `json:"devices"`
	}
	if err := json.Unmarshal(content, &decoded); err != nil {
		return nil, &util.ClientFetchError{URL: rawURL,
			Message: fmt.Sprintf("unparseable reservation body: %v", err)}
	}

	reservation := &Reservation{
		UsePassword:    decoded.UsePassword,
		ReservationURL: rawURL,
	}
	for _, conf := range decoded.Devices {
		device, err := NewDevice(conf)
		if err != nil {
			return nil, err
		}
		reservation.Devices = append(reservation.Devices, device)
	}
	return reservation, nil
}

// Refresh checks the reservation in. A false return means the reservation
// is gone and the client must tear down.
func (h *HTTP) Refresh(ctx context.Context, rawURL string) (bool, error) {
	status, content, err := h.request(ctx, http.MethodPatch, rawURL, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNotFound:
		return false, nil
	case http.StatusAccepted:
		return true, nil
	default:
		return false, &util.ClientFetchError{URL: rawURL, Status: status,
			Message: fmt.Sprintf("Unexpected response from server, CONTENT=%s", content)}
	}
}

// Cancel releases the reservation.
func (h *HTTP) Cancel(ctx context.Context, rawURL string) error {
	FormattedPrint("Canceling reservation for resource %s", rawURL)
	status, content, err := h.request(ctx, http.MethodDelete, rawURL, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return &util.ClientFetchError{URL: rawURL, Status: status,
			Message: fmt.Sprintf("Unexpected response when canceling reservation, CONTENT=%s", content)}
	}
	FormattedPrint("Reservation canceled successfully")
	return nil
}

// Device pairs one reserved device's configuration with its local driver.
type Device struct {
	Name   string
	Driver string
	Config map[string]string

	driver          driver.LocalDriver
	connectComplete bool
}

// NewDevice resolves the local driver for a device entry of the
// reservation body.
func NewDevice(config map[string]string) (*Device, error) {
	localDriver, err := plugin.LocalDriver(config["driver"], config)
	if err != nil {
		return nil, err
	}
	return &Device{
		Name:   config["name"],
		Driver: config["driver"],
		Config: config,
		driver: localDriver,
	}, nil
}

// AsyncInit runs the driver's one-shot setup and the first connect.
func (d *Device) AsyncInit(ctx context.Context) error {
	if err := d.driver.AsyncInit(ctx); err != nil {
		return err
	}
	return d.Connect(ctx)
}

// Connect attaches the device if it is not already attached, so the
// polling loop can call it unconditionally.
func (d *Device) Connect(ctx context.Context) error {
	connected, err := d.driver.Connected(ctx)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}
	FormattedPrint("Connecting %s", d.Name)
	if err := d.driver.Connect(ctx); err != nil {
		return err
	}
	d.connectComplete = true
	FormattedPrint("Done connecting %s", d.Name)
	return nil
}

// Disconnect detaches the device if attached.
func (d *Device) Disconnect(ctx context.Context) error {
	connected, err := d.driver.Connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		return nil
	}
	FormattedPrint("Disconnecting %s", d.Name)
	if err := d.driver.Disconnect(ctx); err != nil {
		return err
	}
	FormattedPrint("Done disconnecting %s", d.Name)
	return nil
}

// PreflightChecks runs each distinct driver's preflight once before any
// device work starts.
func PreflightChecks(reservation *Reservation) error {
	checked := map[string]bool{}
	for _, device := range reservation.Devices {
		if checked[device.Driver] {
			continue
		}
		FormattedPrint("Preflight checking %s", device.Driver)
		if err := device.driver.PreflightCheck(); err != nil {
			return err
		}
		checked[device.Driver] = true
	}
	return nil
}
