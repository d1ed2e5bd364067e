package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/silversage/guard/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the stored audit trail",
}

var (
	auditIdentity string
	auditAction   string
	auditSince    time.Duration
	auditFailures bool
	auditLimit    int
	auditJSON     bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger()
		s, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		f := audit.Filter{
			IdentityRef: auditIdentity,
			Action:      audit.Action(auditAction),
			FailureOnly: auditFailures,
			Limit:       auditLimit,
		}
		if auditSince > 0 {
			f.Since = time.Now().Add(-auditSince)
		}
		events, err := audit.NewStore(s.repo, s.codec, logger).List(f)
		if err != nil {
			return err
		}
		return printEvents(cmd, events)
	},
}

func printEvents(cmd *cobra.Command, events []audit.Event) error {
	out := cmd.OutOrStdout()
	if auditJSON {
		enc := json.NewEncoder(out)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tOK\tIDENTITY\tSOURCE\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Action, e.Success, e.IdentityRef, e.Source, e.Details)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	addStorageFlags(auditListCmd)
	auditListCmd.Flags().StringVar(&auditIdentity, "identity", "", "Only events for this identity")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Only events with this action")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this, e.g. 24h")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only failed events")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Print one JSON object per line")
}
