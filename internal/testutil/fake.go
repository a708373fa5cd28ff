package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/quartermaster-dev/quartermaster/pkg/driver"
)

// FakeCommunicator serves scripted responses keyed by command prefix and
// records every executed command in order.
type FakeCommunicator struct {
	mu        sync.Mutex
	responses map[string]driver.CommandResponse
	commands  []string

	// Unreachable makes IsReachable report false.
	Unreachable bool
}

// NewFakeCommunicator builds an empty fake. Commands without a scripted
// response succeed with empty output.
func NewFakeCommunicator() *FakeCommunicator {
	return &FakeCommunicator{responses: map[string]driver.CommandResponse{}}
}

// Script sets the response for commands starting with prefix.
func (f *FakeCommunicator) Script(prefix string, response driver.CommandResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = response
}

// Execute serves the scripted response and records the command.
func (f *FakeCommunicator) Execute(ctx context.Context, command string) (driver.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	for prefix, response := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return response, nil
		}
	}
	return driver.CommandResponse{}, nil
}

// IsReachable reports the scripted reachability.
func (f *FakeCommunicator) IsReachable(ctx context.Context) bool {
	return !f.Unreachable
}

// Commands returns the executed commands in order.
func (f *FakeCommunicator) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CommandsMatching returns executed commands containing substr.
func (f *FakeCommunicator) CommandsMatching(substr string) []string {
	var matched []string
	for _, command := range f.Commands() {
		if strings.Contains(command, substr) {
			matched = append(matched, command)
		}
	}
	return matched
}

// Reset clears the recorded commands.
func (f *FakeCommunicator) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}
