package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/persistence"
)

// A very simple CLI tool for the administration of quickretro boards.

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quickretro-admin",
		Short: "administer quickretro boards directly against the durable store",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list all boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			persister, err := openPersister()
			if err != nil {
				return err
			}
			defer persister.Close()
			snaps, err := persister.ListBoards()
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				b := snap.Board
				fmt.Printf("%s\t%q\tteam=%q owner=%s messages=%d created=%s\n",
					b.Id, b.Name, b.Team, b.Owner, len(snap.Messages),
					time.Unix(b.CreatedAtUtc, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "show <board-id>",
		Short: "dump one board snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			persister, err := openPersister()
			if err != nil {
				return err
			}
			defer persister.Close()
			snap, err := persister.GetBoard(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete <board-id>",
		Short: "delete a board from the durable store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			persister, err := openPersister()
			if err != nil {
				return err
			}
			defer persister.Close()
			return persister.DeleteBoard(args[0])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}

func openPersister() (persistence.Persister, error) {
	cfg, err := config.ReadConfiguration(configPath, config.GetFlagSet())
	if err != nil {
		return nil, err
	}
	return persistence.NewPersister(cfg)
}
