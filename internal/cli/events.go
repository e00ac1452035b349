package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spawner/orchestrator/internal/events"
)

func newEventsCommand() *cobra.Command {
	var (
		summary bool
		strip   bool
	)
	cmd := &cobra.Command{
		Use:   "events [file]",
		Short: "Render [SPAWNER_EVENT] markers from a transcript",
		Long: `Read text containing [SPAWNER_EVENT] markers from file (or stdin),
and print each well-formed event as one rendered line. Truncated or invalid
markers are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open transcript: %w", err)
				}
				defer f.Close()
				in = f
			}
			b, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			return renderTranscript(cmd.OutOrStdout(), string(b), summary, strip)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "append the session summary")
	cmd.Flags().BoolVar(&strip, "strip", false, "print the transcript with markers removed instead")
	return cmd
}

func renderTranscript(w io.Writer, text string, summary, strip bool) error {
	if strip {
		_, err := fmt.Fprintln(w, events.StripEvents(text))
		return err
	}
	evs := events.ParseEvents(text)
	for _, e := range evs {
		fmt.Fprintln(w, events.Render(e))
	}
	if summary {
		fmt.Fprintln(w, events.Summarize(evs).String())
	}
	return nil
}
