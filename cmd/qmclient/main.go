// Quartermaster client - attaches reserved USB devices to this machine
// and keeps the reservation alive until the terminal is closed, the
// reservation expires, or another process sends a teardown command.
//
//	qmclient [flags] <reservation-url>
//	qmclient --stop_client
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/quartermaster-dev/quartermaster/pkg/client"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
	"github.com/quartermaster-dev/quartermaster/pkg/version"

	// Register the client-side drivers.
	_ "github.com/quartermaster-dev/quartermaster/pkg/client/localdriver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("qmclient", flag.ExitOnError)
	listenIP := flags.String("listen_ip", "127.0.0.1", "Where to listen for local commands")
	listenPort := flags.Int("listen_port", 4242, "What port to listen for local commands")
	debug := flags.Bool("debug", false, "Enable debugging output")
	authToken := flags.String("auth_token", "", "Quartermaster server authentication token, only needed "+
		"when the reservation URL does not include a use credential")
	message := flags.String("reservation_message", "", "Message displayed with reservation")
	devicePolling := flags.Int("device_polling", 5,
		"How many seconds to wait between checks to ensure devices are connected")
	reservationPolling := flags.Int("reservation_polling", 60,
		"How many seconds to wait between checks to ensure resource reservation is still active")
	disableValidation := flags.Bool("disable_validation", false, "Disable TLS validation of server certificates")
	stopClient := flags.Bool("stop_client", false, "Stop the running Quartermaster client, "+
		"uses the --listen_* arguments if present")
	promptToken := flags.Bool("prompt_token", false, "Prompt for the authentication token instead of "+
		"passing it on the command line")
	showVersion := flags.Bool("version", false, "Print the client version and exit")
	flags.Parse(args) //nolint:errcheck

	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}

	if *debug {
		util.SetLogLevel("debug") //nolint:errcheck
	}

	if *stopClient {
		if flags.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "--stop_client does not take a reservation URL")
			return 1
		}
		if err := client.StopClient(*listenIP, *listenPort); err != nil {
			client.FormattedPrint("%v", err)
			return 1
		}
		return 0
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qmclient [flags] <reservation-url>")
		flags.PrintDefaults()
		return 1
	}
	reservationURL := flags.Arg(0)

	token := *authToken
	if *promptToken {
		var err error
		token, err = readToken()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	reservationMessage := *message
	if reservationMessage == "" {
		if detected, ok := client.DetectProperties()["reservation_message"]; ok {
			reservationMessage = detected
		}
	}

	ctx, stop := signalContext()
	defer stop()

	runtime := client.NewRuntime(client.Options{
		ReservationURL:     reservationURL,
		AuthToken:          token,
		Message:            reservationMessage,
		DevicePolling:      time.Duration(*devicePolling) * time.Second,
		ReservationPolling: time.Duration(*reservationPolling) * time.Second,
		DisableValidation:  *disableValidation,
		ListenIP:           *listenIP,
		ListenPort:         *listenPort,
	})
	return runtime.Run(ctx)
}

// signalContext cancels on the signals that should trigger a clean
// teardown, including SIGHUP from a closed terminal.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

// readToken prompts for the auth token without echo so it stays out of
// shell history and terminal scrollback.
func readToken() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("--prompt_token needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Auth token: ")
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return string(token), nil
}
