package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/session"
	"github.com/spawner/orchestrator/internal/store"
)

func newStateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted workflow and team state",
	}
	cmd.AddCommand(newStateListCommand(root))
	cmd.AddCommand(newStateShowCommand(root))
	cmd.AddCommand(newStateCancelCommand(root))
	return cmd
}

func newStateListCommand(root *rootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active workflows and teams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store.Options())
			if err != nil {
				return err
			}
			defer st.Close()

			f := domain.ListFilter{UserID: cfg.UserID, Limit: limit}
			if all {
				f.UserID = ""
			}
			wfs, err := st.ListActiveWorkflows(cmd.Context(), f)
			if err != nil {
				return err
			}
			teams, err := st.ListActiveTeams(cmd.Context(), f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tUPDATED")
			for _, w := range wfs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", w.ID, w.Status, w.CurrentStep, w.TotalSteps, w.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			for _, t := range teams {
				fmt.Fprintf(tw, "%s\tactive\t%d messages\t%s\n", t.ID, len(t.CommunicationLog), t.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "ignore user_id and list every user's state")
	cmd.Flags().IntVar(&limit, "limit", domain.DefaultListLimit, "maximum records per kind")
	return cmd
}

func newStateShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one persisted record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store.Options())
			if err != nil {
				return err
			}
			defer st.Close()

			var rec any
			if strings.HasPrefix(args[0], "team_") {
				rec, err = st.GetTeam(cmd.Context(), args[0])
			} else {
				rec, err = st.GetWorkflow(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newStateCancelCommand(root *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-instance-id>",
		Short: "Cancel a persisted workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			rt, err := session.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			w, err := rt.ResumeWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := rt.Cancel(cmd.Context(), w.ID(), reason); err != nil {
				return err
			}
			if err := rt.Save(cmd.Context(), w.ID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", w.ID(), w.Snapshot().Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from the command line", "reason recorded on the instance")
	return cmd
}
