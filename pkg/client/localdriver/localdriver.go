// Package localdriver implements the client-side drivers that attach
// reserved devices to the local machine. Drivers register with pkg/plugin
// under the same identifiers as their server-side counterparts.
package localdriver

import (
	"context"
	"os/exec"
	"strings"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// runCommand executes a local command and returns combined output. Non-zero
// exits become a CommandError carrying the output.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return string(output), util.NewLocalDriverError(util.CommandError,
				"command=%s %s rc!=0 output=%q", name, strings.Join(args, " "), string(output))
		}
		return string(output), util.NewLocalDriverError(util.CommandError,
			"running %s: %v", name, err)
	}
	return string(output), nil
}
