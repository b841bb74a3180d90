package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/devices"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage the device lookup table",
	}
	cmd.AddCommand(newDevicesUpsertCmd(), newDevicesGetCmd())
	return cmd
}

func openDeviceStore(configPath string) (*devices.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return devices.OpenSQLite(cfg.Devices.DatabasePath)
}

func newDevicesUpsertCmd() *cobra.Command {
	var (
		configPath string
		d          devices.Device
	)

	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Insert or update a device and its entity id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if d.ID <= 0 {
				return fmt.Errorf("--id must be positive")
			}
			store, err := openDeviceStore(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Upsert(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device %d -> %q\n", d.ID, d.EntityID)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().Int64Var(&d.ID, "id", 0, "device id")
	cmd.Flags().StringVar(&d.Name, "name", "", "device name")
	cmd.Flags().StringVar(&d.EntityID, "entity-id", "", "entity id used to route device logs")
	return cmd
}

func newDevicesGetCmd() *cobra.Command {
	var (
		configPath string
		id         int64
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDeviceStore(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			d, err := store.Lookup(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", d.ID, d.Name, d.EntityID)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().Int64Var(&id, "id", 0, "device id")
	return cmd
}
