// Package util provides logging helpers and the common error types shared
// by the server, the drivers, and the client runtime.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// match on kind with errors.Is without knowing the defining driver.
var (
	ErrConfiguration  = errors.New("invalid configuration")
	ErrCommunicator   = errors.New("communicator transport failed")
	ErrHostConnection = errors.New("connection to remote host failed")
	ErrHostCommand    = errors.New("remote command failed")
	ErrDeviceNotFound = errors.New("device not found on remote host")
	ErrDeviceCommand  = errors.New("device command failed")
	ErrCI             = errors.New("CI server request failed")
	ErrClientFetch    = errors.New("reservation fetch failed")
	ErrLocalDriver    = errors.New("local driver failed")
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyLocked  = errors.New("job already locked")
)

// ConfigurationError reports invalid stored configuration for a device or
// host. It is surfaced at admin write time, never during reconciliation.
type ConfigurationError struct {
	Subject string
	Errors  []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration of %s: %s", e.Subject, e.Errors[0])
	}
	return fmt.Sprintf("configuration of %s:\n  - %s", e.Subject, strings.Join(e.Errors, "\n  - "))
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a configuration error from messages
func NewConfigurationError(subject string, messages ...string) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Errors: messages}
}

// CommunicatorError represents a transport failure talking to a remote host.
type CommunicatorError struct {
	Host string
	Err  error
}

func (e *CommunicatorError) Error() string {
	return fmt.Sprintf("communicator error on %s: %v", e.Host, e.Err)
}

func (e *CommunicatorError) Unwrap() error {
	return ErrCommunicator
}

// HostConnectionError is a CommunicatorError as seen by driver callers:
// the remote host could not be reached at all.
type HostConnectionError struct {
	Host string
	Err  error
}

func (e *HostConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to host %s: %v", e.Host, e.Err)
}

func (e *HostConnectionError) Unwrap() error {
	return ErrHostConnection
}

// HostCommandError means the command executed on the remote host but
// returned non-zero. Stderr carries an excerpt of the remote error output;
// Hint, when set, is the mapped explanation of a well-known failure.
type HostCommandError struct {
	Host    string
	Command string
	Code    int
	Stderr  string
	Hint    string
}

func (e *HostCommandError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("command failed on %s: %s (command=%q rc=%d)",
			e.Host, e.Hint, e.Command, e.Code)
	}
	return fmt.Sprintf("command failed on %s: command=%q rc=%d stderr=%q",
		e.Host, e.Command, e.Code, e.Stderr)
}

func (e *HostCommandError) Unwrap() error {
	return ErrHostCommand
}

// DeviceNotFoundError indicates a driver was queried for a device that is
// absent on the remote host.
type DeviceNotFoundError struct {
	Device string
	Host   string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %s not found on %s", e.Device, e.Host)
}

func (e *DeviceNotFoundError) Unwrap() error {
	return ErrDeviceNotFound
}

// DeviceCommandError indicates a share/unshare/rename operation failed.
type DeviceCommandError struct {
	Device  string
	Message string
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("device %s: %s", e.Device, e.Message)
}

func (e *DeviceCommandError) Unwrap() error {
	return ErrDeviceCommand
}

// CIError tracks a failed request against the external CI server,
// including the response body for postmortems.
type CIError struct {
	Status int
	Body   string
}

func (e *CIError) Error() string {
	return fmt.Sprintf("unexpected response from CI server: rc=%d body=%s", e.Status, e.Body)
}

func (e *CIError) Unwrap() error {
	return ErrCI
}

// ClientFetchError indicates the reservation URL was unreachable or the
// server answered outside 2xx.
type ClientFetchError struct {
	URL     string
	Status  int
	Message string
}

func (e *ClientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching reservation %s: HTTP %d %s", e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("fetching reservation %s: %s", e.URL, e.Message)
}

func (e *ClientFetchError) Unwrap() error {
	return ErrClientFetch
}

// Local driver error kinds. All unwrap to ErrLocalDriver; the Kind field
// distinguishes preflight failures from runtime command failures.
type LocalDriverErrorKind string

const (
	UnsupportedPlatform LocalDriverErrorKind = "unsupported platform"
	CommandNotFound     LocalDriverErrorKind = "command not found"
	CommandError        LocalDriverErrorKind = "command error"
)

// LocalDriverError is raised by client-side drivers during preflight,
// attach, or detach.
type LocalDriverError struct {
	Kind    LocalDriverErrorKind
	Message string
}

func (e *LocalDriverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LocalDriverError) Unwrap() error {
	return ErrLocalDriver
}

// NewLocalDriverError creates a local driver error
func NewLocalDriverError(kind LocalDriverErrorKind, format string, args ...interface{}) *LocalDriverError {
	return &LocalDriverError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
