// gatekeeperctl is the operator CLI: validate and hash rule tables and
// configs before activation, verify audit chains, and control the kill
// switch signal file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/suhlabs/gatekeeper/internal/audit"
	"github.com/suhlabs/gatekeeper/internal/config"
	"github.com/suhlabs/gatekeeper/internal/killswitch"
	"github.com/suhlabs/gatekeeper/internal/rules"
)

func main() {
	root := &cobra.Command{
		Use:           "gatekeeperctl",
		Short:         "Operator tooling for the gatekeeper governance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(rulesCmd(), configCmd(), auditCmd(), haltCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Rule table operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and compile a rule table, reporting any errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := rules.LoadFile(args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("ok: version %s, %d rules, hash %s\n", snap.Version(), snap.Len(), snap.Hash())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Print the content hash to register for integrity checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(config.Hash(raw))
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Runtime config operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a config file on top of the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, hash, err := config.Load(args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("ok: version %s, hash %s\n", cfg.Version, hash)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Print the content hash to register for integrity checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(config.Hash(raw))
			return nil
		},
	})

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <file>",
		Short: "Verify the hash chain of one day's audit file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := audit.VerifyFile(args[0])
			if err != nil {
				return fmt.Errorf("chain valid for %d records, then: %w", n, err)
			}
			fmt.Printf("ok: %d records, chain intact\n", n)
			return nil
		},
	})

	return cmd
}

func haltCmd() *cobra.Command {
	var (
		file   string
		agents []string
	)

	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Kill switch signal file operations",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "halt.json", "signal file path")

	set := &cobra.Command{
		Use:   "set",
		Short: "Halt globally, or halt specific agents with --agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			global := len(agents) == 0
			if err := killswitch.WriteSignalFile(file, global, agents); err != nil {
				return err
			}
			if global {
				fmt.Println("global halt set")
			} else {
				fmt.Printf("halted %d agent(s)\n", len(agents))
			}
			return nil
		},
	}
	set.Flags().StringSliceVar(&agents, "agent", nil, "agent IDs to halt (repeatable)")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear all halts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := killswitch.WriteSignalFile(file, false, nil); err != nil {
				return err
			}
			fmt.Println("halts cleared")
			return nil
		},
	}

	cmd.AddCommand(set, clear)
	return cmd
}
