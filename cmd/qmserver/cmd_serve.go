package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quartermaster-dev/quartermaster/pkg/api"
	"github.com/quartermaster-dev/quartermaster/pkg/communicator"
	"github.com/quartermaster-dev/quartermaster/pkg/scheduler"
	"github.com/quartermaster-dev/quartermaster/pkg/teamcity"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and maintenance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore()
		if err != nil {
			return err
		}

		communicator.SetDefaultTimeouts(communicator.Timeouts{
			Connect: cfg.SSH.ConnectTimeout(),
			Exec:    cfg.SSH.ExecTimeout(),
		})

		var locker *scheduler.Locker
		if cfg.Redis != "" {
			locker = scheduler.NewLocker(cfg.Redis, 5*time.Minute)
			defer locker.Close()
		}
		sched := scheduler.New(locker)
		if err := scheduler.RegisterMaintenanceJobs(sched, st,
			cfg.Reservation.Max(), cfg.Reservation.CheckinTimeout()); err != nil {
			return err
		}

		var tc *teamcity.Allocator
		if cfg.TeamCity.Enabled {
			client := teamcity.NewClient(cfg.TeamCity.Host, cfg.TeamCity.Username, cfg.TeamCity.Password)
			tc = teamcity.NewAllocator(st, client, cfg.TeamCity.ReservationUser)
			if err := tc.RegisterJobs(sched); err != nil {
				return err
			}
		}

		sched.Start(ctx)

		server := api.New(st, cfg.BaseURL, cfg.Reservation.Max(), cfg.AuthTokens, tc)
		httpServer := &http.Server{Addr: cfg.Listen, Handler: server.Handler()}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		util.Infof("Listening on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		sched.Wait()
		return nil
	},
}
