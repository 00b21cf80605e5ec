package main

import (
	"errors"

	"github.com/spf13/cobra"
)

// runFlags carries the per-task knobs shared by run and schedule.
type runFlags struct {
	configPath      string
	title           string
	prompt          string
	successCriteria string
	mode            string
	domain          string
	profile         string
	maxTurns        int
	deepWork        bool
	interactive     bool
	resume          string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.title, "title", "", "Task title (defaults to the prompt)")
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "Task prompt (required)")
	cmd.Flags().StringVar(&f.successCriteria, "success-criteria", "", "Optional completion criteria")
	cmd.Flags().StringVar(&f.mode, "mode", "execute", "Execution mode: execute, propose, analyze")
	cmd.Flags().StringVar(&f.domain, "domain", "auto", "Task domain: code, research, general, operations, auto")
	cmd.Flags().StringVar(&f.profile, "profile", "balanced", "Budget profile: strict, balanced, aggressive, auto")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", 0, "Override the profile turn cap")
	cmd.Flags().BoolVar(&f.deepWork, "deep-work", false, "Use deep-work step timeouts")
}

func buildRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent task to completion",
		Example: `  # Run a task
  praxis run --prompt "Summarize the open incidents and list next actions"

  # Long-running code task with interactive decision prompts
  praxis run -p "Refactor the ingest pipeline" --domain code --deep-work --interactive

  # Resume a task that was interrupted mid-run
  praxis run --resume 2f1c... -p ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.prompt == "" && flags.resume == "" {
				return errors.New("--prompt is required")
			}
			return runTask(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false,
		"Pause for required decisions and read answers from stdin")
	cmd.Flags().StringVar(&flags.resume, "resume", "",
		"Task ID to resume from its last snapshot")
	return cmd
}

func buildScheduleCmd() *cobra.Command {
	flags := &runFlags{}
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a task on a cron schedule until interrupted",
		Example: `  # Every morning at 08:00
  praxis schedule --spec "0 8 * * *" --prompt "Summarize overnight alerts"

  # Every 15 minutes with a strict budget
  praxis schedule --spec "*/15 * * * *" -p "Check the deploy queue" --profile strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.prompt == "" {
				return errors.New("--prompt is required")
			}
			if spec == "" {
				return errors.New("--spec is required")
			}
			return runSchedule(cmd.Context(), flags, spec)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&spec, "spec", "", "Cron expression (five fields)")
	return cmd
}
