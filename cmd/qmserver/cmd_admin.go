package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quartermaster-dev/quartermaster/pkg/allocator"
	"github.com/quartermaster-dev/quartermaster/pkg/cli"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Catalog administration",
}

var (
	resourceDescription string
	hostCommunicator    string
	hostType            string
	configJSON          string
	configFile          string
	deviceResource      string
)

func init() {
	addResourceCmd.Flags().StringVar(&resourceDescription, "description", "", "Resource description")

	addHostCmd.Flags().StringVar(&hostCommunicator, "communicator", "SSH", "Communicator identifier")
	addHostCmd.Flags().StringVar(&hostType, "type", string(model.HostLinuxAMD64), "Host type")
	addHostCmd.Flags().StringVar(&configJSON, "config", "", "Communicator configuration as JSON")
	addHostCmd.Flags().StringVar(&configFile, "config-file", "", "File with communicator configuration JSON")

	addDeviceCmd.Flags().StringVar(&deviceResource, "resource", "", "Resource the device belongs to")
	addDeviceCmd.Flags().StringVar(&configJSON, "config", "", "Driver configuration as JSON")

	adminCmd.AddCommand(addPoolCmd, addResourceCmd, addHostCmd, addDeviceCmd,
		addTeamCityPoolCmd, enableCmd, disableCmd, releaseCmd, listResourcesCmd)
}

// loadConfigBlob resolves the --config / --config-file pair into the JSON
// blob stored on the row.
func loadConfigBlob() (string, error) {
	if configJSON != "" && configFile != "" {
		return "", fmt.Errorf("--config and --config-file are mutually exclusive")
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return configJSON, nil
}

var addPoolCmd = &cobra.Command{
	Use:   "add-pool <name>",
	Short: "Add a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		return st.CreatePool(context.Background(), &model.Pool{Name: args[0]})
	},
}

var addResourceCmd = &cobra.Command{
	Use:   "add-resource <pool> <name>",
	Short: "Add a resource to a pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		return st.CreateResource(context.Background(), &model.Resource{
			PoolName:    args[0],
			Name:        args[1],
			Description: resourceDescription,
			Enabled:     true,
		})
	},
}

var addHostCmd = &cobra.Command{
	Use:   "add-host <address>",
	Short: "Add a remote host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		blob, err := loadConfigBlob()
		if err != nil {
			return err
		}
		return st.CreateHost(context.Background(), &model.RemoteHost{
			Address:      args[0],
			Communicator: hostCommunicator,
			Type:         model.HostType(hostType),
			ConfigJSON:   blob,
		})
	},
}

var addDeviceCmd = &cobra.Command{
	Use:   "add-device <name> <host-address> <driver>",
	Short: "Add a device on a host",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		ctx := context.Background()
		host, err := st.HostByAddress(ctx, args[1])
		if err != nil {
			return err
		}
		device := &model.Device{
			Name:       args[0],
			HostID:     host.ID,
			Host:       *host,
			Driver:     args[2],
			ConfigJSON: configJSON,
			Online:     true,
		}
		if deviceResource != "" {
			device.ResourceName = &deviceResource
		}
		return st.CreateDevice(ctx, device)
	},
}

var addTeamCityPoolCmd = &cobra.Command{
	Use:   "add-teamcity-pool <name> <pool> <shared-resource-url>",
	Short: "Map a TeamCity shared resource to a pool",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		return st.CreateTeamCityPool(context.Background(), &model.TeamCityPool{
			Name:              args[0],
			PoolName:          args[1],
			SharedResourceURL: args[2],
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <resource>",
	Short: "Allow new reservations of a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <resource>",
	Short: "Block new reservations of a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

func setEnabled(name string, enabled bool) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	return st.SetResourceEnabled(context.Background(), name, enabled)
}

var releaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Force-release a reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		ctx := context.Background()
		resource, err := st.ResourceByName(ctx, args[0])
		if err != nil {
			return err
		}
		if !resource.InUse() {
			fmt.Printf("%s is not reserved\n", resource.Name)
			return nil
		}
		return allocator.Release(ctx, st, resource)
	},
}

var listResourcesCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources and their reservation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		return listResources(st)
	},
}

func listResources(st *store.Store) error {
	ctx := context.Background()
	pools, err := st.Pools(ctx)
	if err != nil {
		return err
	}

	table := cli.NewTable("POOL", "RESOURCE", "STATE", "USER", "USED FOR")
	for _, pool := range pools {
		free, err := st.FreeResources(ctx, pool.Name)
		if err != nil {
			return err
		}
		for _, r := range free {
			table.Row(pool.Name, r.Name, cli.Green("free"), "", "")
		}
	}
	reserved, err := st.ReservedResources(ctx)
	if err != nil {
		return err
	}
	for _, r := range reserved {
		state := cli.Yellow("reserved")
		if !r.Enabled {
			state = cli.Red("disabled")
		}
		table.Row(r.PoolName, r.Name, state, *r.User, cli.Dim(r.UsedFor))
	}
	table.Flush()
	return nil
}
