package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Administrative actions on stored identities",
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <identity-id>",
	Short: "Clear the lockout of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGate(cmd, func(s *stack) error {
			if err := s.gate.AdminUnlock(cmd.Context(), args[0], "cli"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
			return nil
		})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <identity-id>",
	Short: "Refuse all logins and sessions of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <identity-id>",
	Short: "Re-enable a deactivated identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

func setActive(cmd *cobra.Command, id string, active bool) error {
	return withGate(cmd, func(s *stack) error {
		if err := s.gate.SetActive(cmd.Context(), id, active); err != nil {
			return err
		}
		state := "deactivated"
		if active {
			state = "activated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, id)
		return nil
	})
}

// withGate loads the config for cmd, builds the stack, runs fn and closes
// the stack.
func withGate(cmd *cobra.Command, fn func(*stack) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg, cfg.NewLogger())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func init() {
	rootCmd.AddCommand(identityCmd)
	for _, c := range []*cobra.Command{unlockCmd, deactivateCmd, activateCmd} {
		addStorageFlags(c)
		identityCmd.AddCommand(c)
	}
}
