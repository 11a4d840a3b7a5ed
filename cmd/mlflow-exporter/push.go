package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hnakamur/ltsvlog"
	"github.com/spf13/cobra"

	"github.com/masa23/mlflow-exporter/internal/workflow"
)

const defaultPushgatewayURL = "http://localhost:9091"

func newPushCmd() *cobra.Command {
	var (
		url         string
		summaryFile string
		testOutput  string
	)
	cmd := &cobra.Command{
		Use:   "push start|end [success|failure]|custom",
		Short: "Push CI workflow metrics to a Pushgateway",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := workflow.NewPusher(url, os.LookupEnv)
			ctx := cmd.Context()
			switch args[0] {
			case "start":
				return p.PushStart(ctx)
			case "end":
				success := true
				if len(args) > 1 {
					switch args[1] {
					case "success":
					case "failure":
						success = false
					default:
						return fmt.Errorf("unknown workflow result %q, want success or failure", args[1])
					}
				}
				return p.PushEnd(ctx, success)
			case "custom":
				err := p.PushCustom(ctx, summaryFile, testOutput)
				if errors.Is(err, workflow.ErrNothingToPush) {
					ltsvlog.Logger.Info().String("msg", "no metrics to push").Log()
					return nil
				}
				return err
			}
			return fmt.Errorf("unknown action %q, want start, end or custom", args[0])
		},
	}
	if v, ok := os.LookupEnv("PUSHGATEWAY_URL"); ok && v != "" {
		url = v
	} else {
		url = defaultPushgatewayURL
	}
	cmd.Flags().StringVar(&url, "pushgateway-url", url, "Pushgateway base URL (PUSHGATEWAY_URL)")
	cmd.Flags().StringVar(&summaryFile, "summary", workflow.DefaultSummaryFile, "generation summary written by the pipeline")
	cmd.Flags().StringVar(&testOutput, "test-output", workflow.DefaultTestOutput, "captured pytest output")
	return cmd
}
