package main

import (
	"github.com/spf13/cobra"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Migrate(); err != nil {
			return err
		}
		util.Infof("Database %s migrated", cfg.Database)
		return nil
	},
}
