package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	core "github.com/aethercore/execution-core/core"
	"github.com/aethercore/execution-core/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "aethercore"}
	rootCmd.AddCommand(genesisCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(snapshotCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openLedgerFromFlags(storePath, genesisPath string) (*core.Ledger, error) {
	accounts, err := loadGenesis(genesisPath)
	if err != nil {
		return nil, err
	}
	return core.NewLedger(core.LedgerConfig{
		StorePath:       storePath,
		FeeSchedule:     core.DefaultFeeSchedule(),
		GenesisAccounts: accounts,
	})
}

func genesisCmd() *cobra.Command {
	var storePath, genesisPath string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "bootstrap a fresh ledger store from a genesis file",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedgerFromFlags(storePath, genesisPath)
			if err != nil {
				return err
			}
			defer l.Close()
			fmt.Printf("bootstrapped store at %s, state root %s, height %d\n", storePath, l.StateRoot(), l.Height())
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "path to the ledger store")
	cmd.Flags().StringVar(&genesisPath, "genesis", "", "path to a genesis accounts JSON file")
	cmd.MarkFlagRequired("store")
	return cmd
}

func runCmd() *cobra.Command {
	var storePath, cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "open the ledger store and report its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				if _, err := config.Load(cfgPath); err != nil {
					return err
				}
			}
			l, err := core.NewLedger(core.LedgerConfig{
				StorePath:   storePath,
				FeeSchedule: core.DefaultFeeSchedule(),
			})
			if err != nil {
				return err
			}
			defer l.Close()
			fmt.Printf("state root %s, height %d\n", l.StateRoot(), l.Height())
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "path to the ledger store")
	cmd.Flags().StringVar(&cfgPath, "config", "", "environment name to load via pkg/config")
	cmd.MarkFlagRequired("store")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot"}
	cmd.AddCommand(snapshotExportCmd())
	cmd.AddCommand(snapshotImportCmd())
	return cmd
}

func snapshotExportCmd() *cobra.Command {
	var storePath, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export a compressed snapshot of the ledger state",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := core.NewLedger(core.LedgerConfig{StorePath: storePath, FeeSchedule: core.DefaultFeeSchedule()})
			if err != nil {
				return err
			}
			defer l.Close()

			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := core.ExportSnapshot(l, f); err != nil {
				return err
			}
			fmt.Printf("exported snapshot to %s at height %d\n", outPath, l.Height())
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "path to the ledger store")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the snapshot to")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("out")
	return cmd
}

func snapshotImportCmd() *cobra.Command {
	var storePath, inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "import a compressed snapshot into a fresh ledger store",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := core.NewLedger(core.LedgerConfig{StorePath: storePath, FeeSchedule: core.DefaultFeeSchedule()})
			if err != nil {
				return err
			}
			defer l.Close()

			f, err := os.Open(inPath)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := core.ImportSnapshot(l, f); err != nil {
				return err
			}
			fmt.Printf("imported snapshot into %s, state root %s, height %d\n", storePath, l.StateRoot(), l.Height())
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "path to the ledger store")
	cmd.Flags().StringVar(&inPath, "in", "", "path to read the snapshot from")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("in")
	return cmd
}
