package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/session"
)

type runOptions struct {
	team     bool
	data     []string
	dataFile string
	markers  bool
	noSave   bool
	stubs    bool
	fill     bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Dry-run a workflow to completion",
		Long: `Start a catalog workflow (or, with --team, the workflow translated
from a team) and step it until it completes, fails or is blocked. Declared
outputs are filled with placeholders and quality gates are checked against
the data bag. Events are printed as they are emitted and the final state is
saved to the configured store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			data, err := opts.initialData()
			if err != nil {
				return err
			}
			rt, err := session.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return opts.run(cmd.Context(), cmd.OutOrStdout(), rt, args[0], data)
		},
	}
	cmd.Flags().BoolVar(&opts.team, "team", false, "treat the argument as a team id")
	cmd.Flags().StringArrayVar(&opts.data, "data", nil, "initial data entry key=value (repeatable)")
	cmd.Flags().StringVar(&opts.dataFile, "data-file", "", "YAML map of initial data")
	cmd.Flags().BoolVar(&opts.markers, "markers", false, "print raw [SPAWNER_EVENT] markers instead of rendered lines")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "do not persist the final state")
	cmd.Flags().BoolVar(&opts.stubs, "stub-skills", true, "register bare descriptors for skills missing from skills_dir")
	cmd.Flags().BoolVar(&opts.fill, "placeholders", true, "record placeholder values for each step's declared outputs")
	return cmd
}

func (o *runOptions) initialData() (map[string]any, error) {
	data := map[string]any{}
	if o.dataFile != "" {
		b, err := os.ReadFile(o.dataFile)
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		if err := yaml.Unmarshal(b, &data); err != nil {
			return nil, fmt.Errorf("parse data file: %w", err)
		}
	}
	for _, kv := range o.data {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--data %q: want key=value", kv)
		}
		data[k] = v
	}
	return data, nil
}

func (o *runOptions) run(ctx context.Context, out io.Writer, rt *session.Runtime, id string, data map[string]any) error {
	if o.stubs {
		stubSkills(rt)
	}

	var (
		w   *session.Workflow
		err error
	)
	if o.team {
		w, err = rt.RunTeam(ctx, id, data)
	} else {
		w, err = rt.StartWorkflow(ctx, id, data)
	}
	if err != nil {
		return err
	}

	printed := 0
	flush := func() {
		for _, e := range rt.Bus.Since(printed) {
			if o.markers {
				fmt.Fprintln(out, events.FormatEvent(e))
			} else {
				fmt.Fprintln(out, events.Render(e))
			}
			printed++
		}
	}
	flush()

	for {
		res, err := rt.Step(ctx, w.ID())
		if err != nil {
			return err
		}
		flush()
		if res == nil || res.Status == domain.StepFailed {
			break
		}
		if res.Status == domain.StepSuccess && o.fill {
			if err := recordPlaceholders(ctx, rt, w, res.StepIndex); err != nil {
				return err
			}
		}
		if res.Status == domain.StepSkipped || w.Def.Steps[res.StepIndex].QualityGate == nil {
			continue
		}
		snap := w.Snapshot()
		gr, err := rt.Gate(ctx, w.ID(), snap.StateData, 1)
		if err != nil {
			return err
		}
		flush()
		if !gr.Passed && gr.Feedback != "" {
			fmt.Fprintln(out, gr.Feedback)
		}
		if gr.Action == domain.ActionBlock || gr.Action == domain.ActionRetry {
			// A dry run has no skill to re-run; a retry verdict ends it like a block.
			if gr.Action == domain.ActionRetry {
				if err := rt.Cancel(ctx, w.ID(), "gate requested a retry during a dry run"); err != nil {
					return err
				}
				flush()
			}
			break
		}
	}

	if !o.noSave {
		if err := rt.Save(ctx, w.ID()); err != nil {
			return err
		}
	}
	snap := w.Snapshot()
	fmt.Fprintf(out, "%s: %s\n", snap.ID, snap.Status)
	if snap.Error != "" {
		fmt.Fprintf(out, "error: %s\n", snap.Error)
	}
	fmt.Fprintln(out, rt.Summary().String())
	return nil
}

// recordPlaceholders stands in for a skill's real work: every declared
// output missing from the data bag gets a placeholder value.
func recordPlaceholders(ctx context.Context, rt *session.Runtime, w *session.Workflow, idx int) error {
	step := w.Def.Steps[idx]
	data := w.Snapshot().StateData
	out := make(map[string]any, len(step.Outputs))
	for _, k := range step.Outputs {
		if _, ok := data[k]; !ok {
			out[k] = fmt.Sprintf("placeholder:%s:%s", step.Skill, k)
		}
	}
	return rt.RecordOutputs(ctx, w.ID(), idx, out)
}

// stubSkills registers a bare descriptor for every catalog skill the
// repository cannot resolve.
func stubSkills(rt *session.Runtime) {
	known := map[string]bool{}
	for _, id := range rt.Skills.IDs() {
		known[id] = true
	}
	add := func(id string) {
		if id != "" && !known[id] {
			known[id] = true
			rt.Skills.Put(domain.SkillDescriptor{ID: id, Name: id})
		}
	}
	for _, wf := range rt.Catalog.Workflows() {
		for _, st := range wf.Steps {
			add(st.Skill)
			if st.QualityGate != nil {
				add(st.QualityGate.Validator)
			}
		}
	}
	for _, t := range rt.Catalog.Teams() {
		for _, m := range t.Members {
			add(m)
		}
	}
}
