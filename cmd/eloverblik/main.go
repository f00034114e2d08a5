// Command eloverblik lists the metering points of an eloverblik.dk account
// and downloads their usage data.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorentz83/eloverblik/credentials"
	"github.com/lorentz83/eloverblik/download"
	"github.com/lorentz83/eloverblik/eloverblik"
	"github.com/lorentz83/eloverblik/period"
	"github.com/lorentz83/eloverblik/rest"
)

const (
	tokenEnv  = "ELOVERBLIK_TOKEN"
	apiURLEnv = "ELOVERBLIK_API_URL"
)

// usageError is an invalid command line.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

type options struct {
	mode        string
	fromDate    string
	toDate      string
	meterID     string
	aggregation string
	deleteToken bool
	refreshData bool
	output      string
	format      string
	charges     bool
	configDir   string
}

// app holds what the command reads and writes, replaced in tests.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	now    func() time.Time
}

func newRootCmd(a app) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "eloverblik -m list|get [flags]",
		Short: "Get data on electricity usage from eloverblik.dk",
		Long: `eloverblik downloads the electricity usage of the meters registered on eloverblik.dk.

The refresh token is created on the eloverblik.dk portal. It is read from the
` + tokenEnv + ` environment variable or from the configuration directory. When
neither has it, it is asked on the terminal and saved for the next runs.

In get mode only the usage is saved by default, the fees, subscriptions and
tariffs of the meters are saved as well with --charges.

Examples:
  eloverblik -m list
  eloverblik -m get -f 2024-01-01 -t 2024-01-31
  eloverblik -m get -f 2024-01-01 -t 2024-01-31 -n 571313000000000001 -a Hour --format csv --charges`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments %q", args)}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), o)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	f := cmd.Flags()
	f.StringVarP(&o.mode, "mode", "m", "", "mode: list the meters or get their data (list, get)")
	f.StringVarP(&o.fromDate, "fromdate", "f", "", "get data from this date, format YYYY-MM-DD")
	f.StringVarP(&o.toDate, "todate", "t", "", "get data up to this date included, format YYYY-MM-DD")
	f.StringVarP(&o.meterID, "meterid", "n", "", "get data of this meter only")
	f.StringVarP(&o.aggregation, "aggregation", "a", "Actual", "aggregation of the data ("+strings.Join(eloverblik.Aggregations, ", ")+")")
	f.BoolVarP(&o.deleteToken, "deletetoken", "d", false, "delete the saved refresh token before starting")
	f.BoolVarP(&o.refreshData, "refreshdatatoken", "r", false, "get a new data access token instead of the cached one")
	f.StringVarP(&o.output, "output", "o", ".", "directory of the output files")
	f.StringVar(&o.format, "format", string(download.JSON), "format of the output files (json, csv)")
	f.BoolVar(&o.charges, "charges", false, "also get fees, subscriptions and tariffs of the meters")
	f.StringVar(&o.configDir, "config-dir", credentials.DefaultDir(), "directory of the saved tokens, also "+credentials.DirEnv)
	return cmd
}

func (a app) run(ctx context.Context, o options) error {
	// Everything the user typed is checked before any network call.
	if o.mode != "list" && o.mode != "get" {
		return usageError{fmt.Errorf("invalid mode %q, want list or get", o.mode)}
	}
	if !eloverblik.ValidAggregation(o.aggregation) {
		return usageError{fmt.Errorf("invalid aggregation %q, want one of %s", o.aggregation, strings.Join(eloverblik.Aggregations, ", "))}
	}
	format, err := download.ParseFormat(o.format)
	if err != nil {
		return usageError{err}
	}
	var r period.Range
	if o.mode == "get" {
		if r, err = period.Parse(o.fromDate, o.toDate, a.now()); err != nil {
			return err
		}
		if err := r.Check(eloverblik.MaxDays); err != nil {
			return err
		}
	} else if o.meterID != "" || o.fromDate != "" || o.toDate != "" {
		return usageError{errors.New("the meter id and the dates are accepted only in get mode")}
	}

	store := credentials.NewFileStore(o.configDir)
	if o.deleteToken {
		log.Println("Deleting saved tokens...")
		if err := store.Delete(credentials.RefreshTokenKey); err != nil {
			return err
		}
		if err := store.Delete(eloverblik.DataAccessTokenKey); err != nil {
			return err
		}
	}

	var opts []eloverblik.Option
	if u := os.Getenv(apiURLEnv); u != "" {
		opts = append(opts, eloverblik.WithBaseURL(u))
	}
	client, err := eloverblik.NewClient(store, opts...)
	if err != nil {
		return err
	}
	if o.refreshData {
		log.Println("Deleting cached data access token...")
		if err := client.ForgetDataAccessToken(); err != nil {
			return err
		}
	}

	tokens := credentials.Chain{
		credentials.Env(tokenEnv),
		credentials.FromStore{Store: store, Key: credentials.RefreshTokenKey},
		credentials.Prompt{Store: store, Key: credentials.RefreshTokenKey, In: a.stdin, Out: a.stdout},
	}
	refresh, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	if err := client.Authenticate(ctx, refresh); err != nil {
		if rest.IsStatus(err, http.StatusUnauthorized) {
			log.Println("The refresh token was refused, run again with -d to enter a new one")
		}
		return err
	}

	if o.mode == "list" {
		points, err := download.Lister{API: client}.List(ctx)
		if err != nil {
			return err
		}
		return download.Print(a.stdout, points)
	}

	f := download.Fetcher{
		API:         client,
		Dir:         o.output,
		Aggregation: o.aggregation,
		Format:      format,
		Charges:     o.charges,
	}
	files, err := f.Fetch(ctx, o.meterID, r)
	for _, name := range files {
		fmt.Fprintln(a.stdout, name)
	}
	return err
}

// exitCode prints the error and returns the exit status for it.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "ERROR: %v\n", err)

	var (
		ue usageError
		pe *period.ValidationError
		ce *credentials.ValidationError
	)
	if errors.As(err, &ue) || errors.As(err, &pe) || errors.As(err, &ce) {
		return 2
	}
	return 1
}

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(app{stdin: os.Stdin, stdout: os.Stdout, now: time.Now})
	code := exitCode(os.Stderr, cmd.ExecuteContext(ctx))
	stop()
	os.Exit(code)
}
