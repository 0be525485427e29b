package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pushdaemon/pushd/pkg/registry"
	"github.com/pushdaemon/pushd/pkg/remoteurl"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the local project registry",
}

func openRegistry() (*registry.Registry, error) {
	return registry.New("")
}

var projectRegisterCmd = &cobra.Command{
	Use:   "register <remote-url> <local-path>",
	Short: "Map a remote repository to a local checkout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		remote := remoteurl.Normalize(args[0])
		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		isNew, err := reg.Register(remote, path)
		if err != nil {
			return err
		}
		if isNew {
			fmt.Printf("registered %s -> %s\n", remote, path)
		} else {
			fmt.Printf("updated %s -> %s\n", remote, path)
		}
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		entries, err := reg.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no projects registered")
			return nil
		}
		defaultRemote, _, _, err := reg.GetDefault()
		if err != nil {
			return err
		}
		for _, e := range entries {
			marker := " "
			if e.Remote == defaultRemote {
				marker = "*"
			}
			fmt.Printf("%s %s -> %s\n", marker, e.Remote, e.LocalPath)
		}
		return nil
	},
}

var projectUnregisterCmd = &cobra.Command{
	Use:   "unregister <remote-url>",
	Short: "Remove a project from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		remote := remoteurl.Normalize(args[0])
		if err := reg.Unregister(remote); err != nil {
			return err
		}
		fmt.Printf("unregistered %s\n", remote)
		return nil
	},
}

var projectRenameCmd = &cobra.Command{
	Use:   "rename <old-remote-url> <new-remote-url>",
	Short: "Change a project's remote key, keeping its local path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		oldRemote := remoteurl.Normalize(args[0])
		newRemote := remoteurl.Normalize(args[1])
		if err := reg.Rename(oldRemote, newRemote); err != nil {
			return err
		}
		fmt.Printf("renamed %s -> %s\n", oldRemote, newRemote)
		return nil
	},
}

var projectDefaultCmd = &cobra.Command{
	Use:   "default [remote-url]",
	Short: "Show or set the default project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			remote, path, ok, err := reg.GetDefault()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no default project set")
				return nil
			}
			fmt.Printf("%s -> %s\n", remote, path)
			return nil
		}
		remote := remoteurl.Normalize(args[0])
		if err := reg.SetDefault(remote); err != nil {
			return err
		}
		fmt.Printf("default project set to %s\n", remote)
		return nil
	},
}

var projectValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report registry entries whose local paths are missing or not git checkouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		invalid, err := reg.Validate()
		if err != nil {
			return err
		}
		if len(invalid) == 0 {
			fmt.Println("all registered projects are valid")
			return nil
		}
		for _, e := range invalid {
			fmt.Printf("%s: %s\n", e.Remote, e.Reason)
		}
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectRegisterCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectUnregisterCmd)
	projectCmd.AddCommand(projectRenameCmd)
	projectCmd.AddCommand(projectDefaultCmd)
	projectCmd.AddCommand(projectValidateCmd)
}
