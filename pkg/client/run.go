package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Teardown protocol of the local command listener.
const (
	TeardownCommand = "teardown"
	TeardownAck     = "Teardown started"
)

// Lease refresh retry policy. Transient server trouble is retried before
// giving the reservation up for lost.
const RefreshRetryLimit = 3

var refreshRetrySleep = 10 * time.Second

// Options configures one client run.
type Options struct {
	ReservationURL     string
	AuthToken          string
	Message            string
	DevicePolling      time.Duration
	ReservationPolling time.Duration
	DisableValidation  bool
	ListenIP           string
	ListenPort         int
}

// Runtime drives the three client loops against one reservation.
type Runtime struct {
	http        *HTTP
	opts        Options
	reservation *Reservation

	teardownOnce sync.Once
	teardown     chan struct{}

	mu         sync.Mutex
	errorCount int
}

// NewRuntime builds a runtime. The reservation is fetched in Run.
func NewRuntime(opts Options) *Runtime {
	return &Runtime{
		http:     NewHTTP(opts.AuthToken, opts.DisableValidation),
		opts:     opts,
		teardown: make(chan struct{}),
	}
}

// Teardown triggers a clean shutdown. Safe to call from any goroutine and
// any number of times.
func (r *Runtime) Teardown() {
	r.teardownOnce.Do(func() { close(r.teardown) })
}

func (r *Runtime) countError() {
	r.mu.Lock()
	r.errorCount++
	r.mu.Unlock()
}

// Run fetches the reservation, attaches devices, and blocks until
// teardown. The returned exit code is the number of disconnect failures,
// or 1 when setup never completed.
func (r *Runtime) Run(ctx context.Context) int {
	reservation, err := r.http.FetchReservation(ctx, r.opts.ReservationURL, r.opts.Message)
	if err != nil {
		FormattedPrint("%v", err)
		return 1
	}
	r.reservation = reservation
	FormattedPrint("Reservation active for resource %s", reservation.ReservationURL)

	if err := PreflightChecks(reservation); err != nil {
		FormattedPrint("%v", err)
		r.cancelReservation(ctx)
		return 1
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); r.deviceLoop(loopCtx) }()
	go func() { defer wg.Done(); r.leaseLoop(loopCtx) }()
	go func() { defer wg.Done(); r.commandLoop(loopCtx) }()

	select {
	case <-r.teardown:
	case <-ctx.Done():
	}
	cancelLoops()
	wg.Wait()

	r.disconnectDevices(context.Background())
	r.cancelReservation(context.Background())
	FormattedPrint("Cleanup done")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCount
}

// deviceLoop attaches every device, then re-asserts the attachments on
// the polling interval. A device failure triggers teardown rather than
// leaving a half-attached reservation running.
func (r *Runtime) deviceLoop(ctx context.Context) {
	for _, device := range r.reservation.Devices {
		if err := device.AsyncInit(ctx); err != nil {
			FormattedPrint("Error setting up %s: %v", device.Name, err)
			r.Teardown()
			return
		}
	}
	FormattedPrint("Setup complete, keep this terminal open to keep your reservation active")

	ticker := time.NewTicker(r.opts.DevicePolling)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, device := range r.reservation.Devices {
			if err := device.Connect(ctx); err != nil {
				FormattedPrint("Error reconnecting %s: %v", device.Name, err)
				r.Teardown()
				return
			}
		}
	}
}

// leaseLoop checks the reservation in on the polling interval. Transport
// errors are retried; an expired reservation or an unreachable server
// triggers teardown.
func (r *Runtime) leaseLoop(ctx context.Context) {
	for {
		alive, err := r.refreshWithRetries(ctx)
		if err != nil {
			util.Errorf("Failed to reach Quartermaster server after %d tries. Triggering teardown",
				RefreshRetryLimit)
			r.Teardown()
			return
		}
		if !alive {
			FormattedPrint("Reservation expired, triggering teardown")
			r.Teardown()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.ReservationPolling):
		}
	}
}

func (r *Runtime) refreshWithRetries(ctx context.Context) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < RefreshRetryLimit; attempt++ {
		alive, err := r.http.Refresh(ctx, r.reservation.ReservationURL)
		if err == nil {
			return alive, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(refreshRetrySleep):
		}
	}
	return false, lastErr
}

// commandLoop accepts teardown commands on the local TCP port so other
// processes, and --stop_client, can shut this client down.
func (r *Runtime) commandLoop(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", r.opts.ListenIP, r.opts.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		FormattedPrint("Exception when trying to start command listener: %v", err)
		r.Teardown()
		return
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	util.Debugf("Listening on %s for commands", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return // listener closed on ctx cancel
		}
		r.handleCommand(conn)
	}
}

func (r *Runtime) handleCommand(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 100)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	data := string(buf[:n])
	util.Debugf("Command received, %q", data)
	if strings.HasPrefix(data, TeardownCommand+"\r") || strings.HasPrefix(data, TeardownCommand+"\n") {
		conn.Write([]byte(TeardownAck)) //nolint:errcheck
		FormattedPrint(TeardownAck)
		r.Teardown()
	}
}

// disconnectDevices detaches devices sequentially. Devices that never
// finished connecting are skipped; a failure on one device does not stop
// the others, but each counts toward the exit code.
func (r *Runtime) disconnectDevices(ctx context.Context) {
	for _, device := range r.reservation.Devices {
		if !device.connectComplete {
			FormattedPrint("Skipping disconnecting %s as it never completed connecting", device.Name)
			continue
		}
		if err := device.Disconnect(ctx); err != nil {
			r.countError()
			FormattedPrint("Got the following exception when trying to disconnect %s: %v", device.Name, err)
		}
	}
}

func (r *Runtime) cancelReservation(ctx context.Context) {
	if r.reservation == nil {
		return
	}
	FormattedPrint("Canceling reservation for resource %s, please wait", r.reservation.ReservationURL)
	if err := r.http.Cancel(ctx, r.reservation.ReservationURL); err != nil {
		FormattedPrint("We got an exception while trying to cancel our reservation: %v", err)
	}
}

// StopClient connects to a running client's command port and asks it to
// tear down.
func StopClient(listenIP string, listenPort int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", listenIP, listenPort), 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(TeardownCommand + "\r")); err != nil {
		return err
	}
	buf := make([]byte, 100)
	n, _ := conn.Read(buf)
	response := string(buf[:n])
	FormattedPrint("%s", response)
	if response != TeardownAck {
		return fmt.Errorf("unexpected response from client at %s:%d", listenIP, listenPort)
	}
	return nil
}
