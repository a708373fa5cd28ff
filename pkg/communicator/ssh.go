// Package communicator implements transports for running commands on
// remote hosts. The only current implementation is SSH.
package communicator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/plugin"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Identifier is the registry name of the SSH communicator.
const Identifier = "SSH"

// Required keys of RemoteHost.ConfigJSON for SSH hosts.
var configKeys = []string{"username", "host_key", "host_key_type", "private_key", "private_key_type"}

// Declared private key formats. x/crypto/ssh detects the actual format
// while parsing; the declared type is validated so that admin typos are
// caught on write rather than at connect time.
var privateKeyTypes = map[string]bool{
	"DSS":     true,
	"RSA":     true,
	"ECDSA":   true,
	"Ed25519": true,
}

// Timeouts bound SSH connects and remote command execution. They are set
// once at startup from the server configuration.
type Timeouts struct {
	Connect time.Duration
	Exec    time.Duration
}

var defaultTimeouts = Timeouts{Connect: 10 * time.Second, Exec: 30 * time.Second}

// SetDefaultTimeouts configures the timeouts used by communicators built
// through the plugin registry. Call before serving.
func SetDefaultTimeouts(t Timeouts) {
	defaultTimeouts = t
}

func init() {
	plugin.RegisterCommunicator(plugin.CommunicatorRegistration{
		Identifier: Identifier,
		ConfigKeys: configKeys,
		New: func(host *model.RemoteHost) (driver.Communicator, error) {
			return NewSSH(host, defaultTimeouts)
		},
	})
}

// SSH executes commands on a remote host over SSH. A client is built per
// call; the server's public key is pinned from the host configuration
// rather than trusted on first use.
type SSH struct {
	host     *model.RemoteHost
	username string
	hostKey  ssh.PublicKey
	signer   ssh.Signer
	timeouts Timeouts
}

// NewSSH builds an SSH communicator for the host, parsing and validating
// the stored keys up front.
func NewSSH(host *model.RemoteHost, timeouts Timeouts) (*SSH, error) {
	config, err := host.Config()
	if err != nil {
		return nil, err
	}

	hostKey, err := parseHostKey(config["host_key"], config["host_key_type"])
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", host.Address, err)
	}

	if !privateKeyTypes[config["private_key_type"]] {
		return nil, fmt.Errorf("host %s: unable to handle key of type %q",
			host.Address, config["private_key_type"])
	}
	signer, err := ssh.ParsePrivateKey([]byte(config["private_key"]))
	if err != nil {
		return nil, fmt.Errorf("host %s: parsing private key: %w", host.Address, err)
	}

	return &SSH{
		host:     host,
		username: config["username"],
		hostKey:  hostKey,
		signer:   signer,
		timeouts: timeouts,
	}, nil
}

// parseHostKey decodes a base64 public key as stored in the host config
// (the key blob of a known_hosts entry) and checks the declared type.
func parseHostKey(encoded, keyType string) (ssh.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding host key: %w", err)
	}
	key, err := ssh.ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	if keyType != "" && key.Type() != keyType {
		return nil, fmt.Errorf("host key is %q but %q was declared", key.Type(), keyType)
	}
	return key, nil
}

func (s *SSH) addr() string {
	if strings.Contains(s.host.Address, ":") {
		return s.host.Address
	}
	return s.host.Address + ":22"
}

func (s *SSH) dial() (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            s.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.FixedHostKey(s.hostKey),
		Timeout:         s.timeouts.Connect,
	}
	return ssh.Dial("tcp", s.addr(), config)
}

// Execute runs one command on the remote host and captures exit code,
// stdout and stderr. A non-zero exit is a normal response; transport
// failures return a CommunicatorError.
func (s *SSH) Execute(ctx context.Context, command string) (driver.CommandResponse, error) {
	client, err := s.dial()
	if err != nil {
		return driver.CommandResponse{}, &util.CommunicatorError{Host: s.host.Address, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return driver.CommandResponse{}, &util.CommunicatorError{Host: s.host.Address, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(s.timeouts.Exec)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		return driver.CommandResponse{}, &util.CommunicatorError{Host: s.host.Address, Err: ctx.Err()}
	case <-timer.C:
		session.Close()
		return driver.CommandResponse{}, &util.CommunicatorError{
			Host: s.host.Address,
			Err:  fmt.Errorf("command %q timed out after %s", command, s.timeouts.Exec),
		}
	}

	response := driver.CommandResponse{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			response.ReturnCode = exitErr.ExitStatus()
			if response.ReturnCode != 0 {
				util.WithHost(s.host.Address).Debugf("rc=%d command=%s stdout=%s stderr=%s",
					response.ReturnCode, command, response.Stdout, response.Stderr)
			}
			return response, nil
		}
		return driver.CommandResponse{}, &util.CommunicatorError{Host: s.host.Address, Err: err}
	}
	return response, nil
}

// IsReachable runs a cheap liveness probe appropriate to the host platform.
func (s *SSH) IsReachable(ctx context.Context) bool {
	probe := "true"
	if s.host.Type == model.HostWindows {
		probe = "date /t"
	}
	response, err := s.Execute(ctx, probe)
	if err != nil {
		return false
	}
	return response.ReturnCode == 0
}
