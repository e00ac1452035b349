package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/skill"
	"github.com/spawner/orchestrator/internal/team"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog-dir]",
		Short: "Validate the workflow and team catalog",
		Long: `Load the built-in catalog overlaid with the YAML documents in
catalog-dir (default: catalog_dir from the config) and report every invalid
record. Skill descriptors under skills_dir are parsed as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			dir := cfg.CatalogDir
			if len(args) == 1 {
				dir = args[0]
			}
			return validateCatalog(cmd.OutOrStdout(), dir, cfg.SkillsDir)
		},
	}
}

func validateCatalog(w io.Writer, catalogDir, skillsDir string) error {
	reg, err := catalog.LoadDir(catalogDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "catalog OK: %d workflows, %d teams\n", len(reg.Workflows()), len(reg.Teams()))
	if skillsDir == "" {
		return nil
	}
	skills, err := skill.LoadDir(skillsDir)
	if err != nil {
		return err
	}
	ids := skills.IDs()
	fmt.Fprintf(w, "skills OK: %d descriptors\n", len(ids))

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	var unknown []string
	seen := map[string]bool{}
	for _, wf := range reg.Workflows() {
		for _, s := range wf.Skills() {
			if !known[s] && !seen[s] {
				seen[s] = true
				unknown = append(unknown, s)
			}
		}
	}
	if len(unknown) > 0 {
		fmt.Fprintf(w, "warning: workflows reference skills without descriptors: %s\n", strings.Join(unknown, ", "))
	}
	return nil
}

func newWorkflowsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List catalog workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := catalog.LoadDir(cfg.CatalogDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTEPS")
			for _, wf := range reg.Workflows() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", wf.ID, wf.Mode, strings.Join(wf.Skills(), " → "))
			}
			return tw.Flush()
		},
	}
}

func newTeamsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "teams",
		Short: "List catalog teams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := catalog.LoadDir(cfg.CatalogDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPATTERN\tLEAD\tMEMBERS")
			for _, t := range reg.Teams() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Pattern, t.Lead, strings.Join(t.Members, ", "))
			}
			return tw.Flush()
		},
	}
}

func newMatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <phrase>...",
		Short: "Find the team triggered by a phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := catalog.LoadDir(cfg.CatalogDir)
			if err != nil {
				return err
			}
			c := team.NewComposer(reg, skill.NewMemoryRepository(), nil)
			phrase := strings.Join(args, " ")
			t, ok := c.FindTeamByTrigger(phrase)
			if !ok {
				return fmt.Errorf("no team matches %q", phrase)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, lead %s)\n", t.ID, t.Pattern, t.Lead)
			return nil
		},
	}
}
