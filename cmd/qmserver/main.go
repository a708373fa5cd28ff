// Quartermaster server - brokers exclusive reservations of USB devices
// attached to remote hosts.
//
//	qmserver serve            # run the API and maintenance jobs
//	qmserver migrate          # create or update the database schema
//	qmserver admin <verb>     # catalog administration
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quartermaster-dev/quartermaster/pkg/config"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
	"github.com/quartermaster-dev/quartermaster/pkg/version"

	// Register the built-in communicator and host drivers.
	_ "github.com/quartermaster-dev/quartermaster/pkg/communicator"
	_ "github.com/quartermaster-dev/quartermaster/pkg/driver/usbip"
	_ "github.com/quartermaster-dev/quartermaster/pkg/driver/virtualhere"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "qmserver",
	Short:             "Quartermaster reservation server",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Quartermaster brokers time-bounded exclusive reservations of USB
devices attached to remote hosts. The server tracks the catalog, enforces
reservation lifetimes, and drives the remote sharing software.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		return util.SetLogLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "quartermaster.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	// The version command must not require a config file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

// openStore opens the configured database.
func openStore() (*store.Store, error) {
	return store.Open(cfg.Database)
}
