// Command energidataservice downloads the hourly emission declarations
// published on energidataservice.dk.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorentz83/eloverblik/download"
	"github.com/lorentz83/eloverblik/energidataservice"
	"github.com/lorentz83/eloverblik/period"
)

const apiURLEnv = "ENERGIDATASERVICE_API_URL"

type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func newRootCmd(stdout io.Writer, now func() time.Time) *cobra.Command {
	var mode, fromDate, toDate, output string
	cmd := &cobra.Command{
		Use:   "energidataservice -m complete|period [flags]",
		Short: "Get emissions data from energidataservice.dk",
		Long: `energidataservice saves the DeclarationEmissionHour dataset to a CSV file.

In complete mode the whole dataset is downloaded, in period mode only the days
from the from date to the to date included.

Examples:
  energidataservice -m complete
  energidataservice -m period -f 2024-01-01 -t 2024-01-31 -o data`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments %q", args)}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r *period.Range
			switch mode {
			case "complete":
				if fromDate != "" || toDate != "" {
					return usageError{errors.New("the dates are accepted only in period mode")}
				}
			case "period":
				pr, err := period.Parse(fromDate, toDate, now())
				if err != nil {
					return err
				}
				r = &pr
			default:
				return usageError{fmt.Errorf("invalid mode %q, want complete or period", mode)}
			}

			c, err := energidataservice.NewClient(os.Getenv(apiURLEnv))
			if err != nil {
				return err
			}
			path, err := download.Emissions{Client: c, Dir: output}.Fetch(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, path)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	f := cmd.Flags()
	f.StringVarP(&mode, "mode", "m", "", "mode: the complete dataset or a period (complete, period)")
	f.StringVarP(&fromDate, "fromdate", "f", "", "period start, format YYYY-MM-DD")
	f.StringVarP(&toDate, "todate", "t", "", "period end included, format YYYY-MM-DD")
	f.StringVarP(&output, "output", "o", ".", "directory of the output file")
	return cmd
}

func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "ERROR: %v\n", err)
	var (
		ue usageError
		pe *period.ValidationError
	)
	if errors.As(err, &ue) || errors.As(err, &pe) {
		return 2
	}
	return 1
}

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := exitCode(os.Stderr, newRootCmd(os.Stdout, time.Now).ExecuteContext(ctx))
	stop()
	os.Exit(code)
}
