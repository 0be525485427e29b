package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pushdaemon/pushd/pkg/identity"
	"github.com/pushdaemon/pushd/pkg/types"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this machine's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the machine id, name, and branch suffix",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identity.New("")
		if err != nil {
			return err
		}
		id, err := store.Identity()
		if err != nil {
			return err
		}
		fmt.Printf("machine id:   %s\n", id.MachineID)
		fmt.Printf("machine name: %s\n", id.MachineName)
		fmt.Printf("suffix:       %s\n", types.MachineSuffix(id.MachineID))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the daemon's configuration",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective merged configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd)
	configCmd.AddCommand(configDumpCmd)
}
