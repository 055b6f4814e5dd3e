package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/scribe/internal/app"
	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	"github.com/GriffinCanCode/scribe/internal/orchestrator"
	"github.com/GriffinCanCode/scribe/internal/stage"
)

var (
	sessionID   string
	language    string
	speakers    int
	knownNames  []string
	forceStages []string
	forceAll    bool
)

var processCmd = &cobra.Command{
	Use:   "process <audio>",
	Short: "Run the pipeline on a recording",
	Long: `Run the pipeline on a recording.

Stages already checkpointed for the session with unchanged parameters are
restored instead of recomputed. Ctrl-C stops the run at the next stage
boundary; resume it later with 'scribe resume <session>'.

Examples:
  scribe process session12.mp3 --session campaign-12 --names Aria,Borin
  scribe process session12.mp3 --session campaign-12 --force classification`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, err := stage.ParseList(forceStages)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		id := sessionID
		if id == "" {
			id = orchestrator.NewSessionID()
		}
		stream, err := a.Orchestrator.Process(cmd.Context(), id, orchestrator.Request{
			AudioPath:        args[0],
			Language:         language,
			ExpectedSpeakers: speakers,
			KnownNames:       knownNames,
			Force:            force,
			ForceAll:         forceAll,
		})
		if err != nil {
			return err
		}
		return follow(cmd, a, stream)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Rerun a session's stored request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		stream, err := a.Orchestrator.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return follow(cmd, a, stream)
	},
}

func init() {
	processCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (generated when empty)")
	processCmd.Flags().StringVarP(&language, "language", "l", "", "spoken language hint, e.g. en")
	processCmd.Flags().IntVar(&speakers, "speakers", 0, "expected number of speakers (0 lets diarization decide)")
	processCmd.Flags().StringSliceVar(&knownNames, "names", nil, "character names that help classification")
	processCmd.Flags().StringSliceVar(&forceStages, "force", nil, "stages to recompute even when checkpointed")
	processCmd.Flags().BoolVar(&forceAll, "force-all", false, "recompute every stage")
}

// summary is the printed outcome of a run.
type summary struct {
	SessionID  string   `json:"session_id" yaml:"session_id"`
	Status     string   `json:"status" yaml:"status"`
	OutputDir  string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Restored   []string `json:"restored,omitempty" yaml:"restored,omitempty"`
	Recomputed []string `json:"recomputed,omitempty" yaml:"recomputed,omitempty"`
	Degraded   []string `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Skipped    []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Tokens     int      `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func names(ids []stage.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func summarize(res orchestrator.Result) summary {
	s := summary{
		SessionID:  res.SessionID,
		Status:     string(res.Status),
		OutputDir:  res.OutputDir,
		Restored:   names(res.Restored),
		Recomputed: names(res.Recomputed),
		Degraded:   names(res.Degraded),
		Skipped:    names(res.Skipped),
	}
	if res.Transcript != nil {
		s.Tokens = len(res.Transcript.Tokens)
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// follow prints a run's progress to stderr and its summary to stdout.
// An interrupt cancels the run rather than killing the process.
func follow(cmd *cobra.Command, a *app.App, stream *orchestrator.Stream) error {
	sig, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sig.Done()
		a.Orchestrator.Cancel(stream.SessionID)
	}()

	p := newProgress(cmd.ErrOrStderr())
	for e := range stream.Events() {
		p.print(e)
	}
	res := stream.Wait()
	if err := printResult(cmd.OutOrStdout(), summarize(res)); err != nil {
		return err
	}
	switch res.Status {
	case checkpoint.StatusCompleted:
		return nil
	case checkpoint.StatusCancelled:
		return fmt.Errorf("run cancelled; continue with 'scribe resume %s'", res.SessionID)
	default:
		return res.Err
	}
}
