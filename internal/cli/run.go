package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/utils"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned by the run command when a stage failed.
var ErrRunFailed = errors.New("diagnostics run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the diagnostic once and print the report",
	Long: `Run every stage once against the configured devices, transport and messaging
provider. There is nobody to listen to the speaker sample, so its verdict comes
from --speaker-heard. The command exits non-zero when any stage fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if proxy, _ := cmd.Flags().GetString("proxy"); proxy != "" {
			switch proxy {
			case "off":
				cfg.Diagnostics.Proxy.Enabled = false
			case string(domain.ProxyModeDefault), string(domain.ProxyModeFixed):
				cfg.Diagnostics.Proxy.Enabled = true
				cfg.Diagnostics.Proxy.Mode = proxy
			default:
				return fmt.Errorf("unknown proxy mode %q", proxy)
			}
		}
		heard, _ := cmd.Flags().GetBool("speaker-heard")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := runOnce(ctx, a.sequencer, heard, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		printReport(cmd.OutOrStdout(), report, a.sequencerSnapshot(ctx))
		if !report.Passed {
			return ErrRunFailed
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("speaker-heard", true, "Verdict for the speaker stage")
	runCmd.Flags().String("proxy", "", "Proxy mode for this run: off, default or fixed")
}

// runOnce starts a run and follows it to the report. The speaker prompt is
// answered with heard.
func runOnce(ctx context.Context, controller ports.DiagnosticsController, heard bool, progress io.Writer) (domain.Report, error) {
	feed, cancel := controller.Subscribe()
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		return domain.Report{}, err
	}

	var (
		runID    string
		lastSeen = domain.StageIdle
		answered bool
	)
	for {
		select {
		case <-ctx.Done():
			return domain.Report{}, ctx.Err()
		case snap, ok := <-feed:
			if !ok {
				return domain.Report{}, domain.ErrClosed
			}
			if runID == "" && snap.Testing {
				runID = snap.RunID
			}
			if runID == "" || snap.RunID != runID {
				continue
			}

			if snap.CurrentStage != lastSeen && snap.CurrentStage.IsDiagnostic() {
				lastSeen = snap.CurrentStage
				fmt.Fprintf(progress, "running %s...\n", snap.CurrentStage.Label())
			}

			if rec, _ := snap.Stage(domain.StageSpeaker); snap.CurrentStage == domain.StageSpeaker && !rec.Complete && !answered {
				answered = true
				decide := controller.ResolveSpeaker
				if !heard {
					decide = controller.RejectSpeaker
				}
				if err := decide(ctx); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
					return domain.Report{}, err
				}
			}

			if snap.CurrentStage == domain.StageReport && !snap.Testing {
				return domain.NewReport(snap), nil
			}
		}
	}
}

func (a *app) sequencerSnapshot(ctx context.Context) domain.Snapshot {
	snap, err := a.sequencer.Snapshot(ctx)
	if err != nil {
		return domain.Snapshot{}
	}
	return snap
}

func printReport(w io.Writer, report domain.Report, snap domain.Snapshot) {
	result := "PASSED"
	if !report.Passed {
		result = "FAILED"
	}
	fmt.Fprintf(w, "\nRun %s %s in %s\n\n", report.RunID, result, utils.FormatDuration(report.FinishedAt.Sub(report.StartedAt)))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRESULT\tDETAIL")
	for _, rec := range report.Stages {
		status := "ok"
		switch {
		case !rec.Complete:
			status = "skipped"
		case !rec.NotError:
			status = "fail"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Label, status, stripMarkup(rec.Extra))
	}
	tw.Flush()

	if n := len(snap.Series.Bitrate); n > 0 {
		last := snap.Series.Bitrate[n-1]
		fmt.Fprintf(w, "\nLast bitrate sample: video %s, audio %s\n", kbps(last.VideoBitrate), kbps(last.AudioBitrate))
	}
	m := report.RTMMetrics
	fmt.Fprintf(w, "Messaging: %d sent, %d received, %d%% success, %dms average latency\n",
		m.MessagesSent, m.MessagesReceived, m.SuccessRate, m.AvgLatency)
}

func kbps(m domain.Metric) string {
	if !m.Valid {
		return m.String()
	}
	return utils.Kbps(m.Value * 1000)
}

var markup = strings.NewReplacer(
	"<br/><br/>", "; ",
	"<br/>", "; ",
	"</br>", "; ",
	"<strong>", "",
	"</strong>", "",
)

// stripMarkup drops the inline tags some verdicts carry for renderers.
func stripMarkup(s string) string {
	return markup.Replace(s)
}
