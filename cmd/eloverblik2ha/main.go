// Command eloverblik2ha imports the electricity usage from eloverblik.dk
// into the Home Assistant energy statistics.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/lorentz83/eloverblik/credentials"
	"github.com/lorentz83/eloverblik/eloverblik"
	"github.com/lorentz83/eloverblik/ha"
	"github.com/lorentz83/eloverblik/parse"
	"github.com/lorentz83/eloverblik/period"
)

func init() {
	subcommands.Register(&downloadCmd{}, "")
	subcommands.Register(&uploadCmd{}, "")
	subcommands.Register(&pipeCmd{}, "")
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
}

func main() {
	log.SetFlags(0)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	s := subcommands.Execute(ctx)
	stop()
	os.Exit(int(s))
}

// flagsFromEnv sets the unset flags from environment variables with the same name.
func flagsFromEnv(f *flag.FlagSet) {
	f.VisitAll(func(f *flag.Flag) {
		if f.Value.String() == "" {
			// In case of error we move on, the error will be raised later.
			_ = f.Value.Set(os.Getenv(f.Name))
		}
	})
}

// ensureFlagsAreSet reads the unset flags from the environment and returns
// an error if any of the required ones is still missing.
func ensureFlagsAreSet(f *flag.FlagSet, required ...string) error {
	flagsFromEnv(f)
	var missing []string
	for _, name := range required {
		if fl := f.Lookup(name); fl == nil || fl.Value.String() == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("the following flags are missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// failure prints the error and returns the exit status for it.
func failure(what string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	var (
		pe *period.ValidationError
		ce *credentials.ValidationError
	)
	if errors.As(err, &pe) || errors.As(err, &ce) || errors.Is(err, credentials.ErrNoToken) {
		return subcommands.ExitUsageError
	}
	return subcommands.ExitFailure
}

type downloadCmd struct {
	token, meterID, from, to, aggregation, configDir, apiURL string

	out io.Writer
	now func() time.Time
}

func (downloadCmd) Name() string { return "download" }

func (downloadCmd) Synopsis() string {
	return "download the electricity usage data from eloverblik.dk"
}

func (downloadCmd) Usage() string {
	return `download <flags>

The meter and the dates are required, but all the flags can be provided as
environment variables as well.
Without eloverblik_token the refresh token saved by the eloverblik command is used.
The time series is printed on standard output.

`
}

var downloadRequired = []string{"meter_id", "from_date", "to_date"}

func (c *downloadCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.token, "eloverblik_token", "", "the refresh token created on eloverblik.dk")
	fs.StringVar(&c.meterID, "meter_id", "", "the id of the metering point")
	fs.StringVar(&c.from, "from_date", "", "the first day to download, YYYY-MM-DD")
	fs.StringVar(&c.to, "to_date", "", "the last day to download included, YYYY-MM-DD")
	fs.StringVar(&c.aggregation, "aggregation", "Hour", "the aggregation, Hour or Quarter")
	fs.StringVar(&c.configDir, "config_dir", "", "the directory of the saved tokens (default "+credentials.DefaultDir()+")")
	fs.StringVar(&c.apiURL, "eloverblik_api_url", "", "the eloverblik.dk customer API (default "+eloverblik.DefaultBaseURL+")")
}

// fetch returns the time series body.
func (c *downloadCmd) fetch(ctx context.Context) ([]byte, error) {
	now := c.now
	if now == nil {
		now = time.Now
	}
	r, err := period.Parse(c.from, c.to, now())
	if err != nil {
		return nil, err
	}
	if err := r.Check(eloverblik.MaxDays); err != nil {
		return nil, err
	}

	dir := c.configDir
	if dir == "" {
		dir = credentials.DefaultDir()
	}
	store := credentials.NewFileStore(dir)
	refresh, err := credentials.Chain{
		credentials.Static(c.token),
		credentials.FromStore{Store: store, Key: credentials.RefreshTokenKey},
	}.Token(ctx)
	if err != nil {
		return nil, err
	}

	var opts []eloverblik.Option
	if c.apiURL != "" {
		opts = append(opts, eloverblik.WithBaseURL(c.apiURL))
	}
	client, err := eloverblik.NewClient(store, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(ctx, refresh); err != nil {
		return nil, err
	}
	return client.TimeSeries(ctx, c.meterID, r, c.aggregation)
}

func (c *downloadCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, downloadRequired...); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		return subcommands.ExitUsageError
	}

	data, err := c.fetch(ctx)
	if err != nil {
		return failure("Cannot download the usage data", err)
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}
	if _, err := io.Copy(out, bytes.NewReader(data)); err != nil {
		return failure("Cannot write the usage data", err)
	}
	// The body doesn't have a newline at the end.
	fmt.Fprintln(out)

	return subcommands.ExitSuccess
}

type uploadCmd struct {
	server, token, sensor string

	in io.Reader
}

func (uploadCmd) Name() string { return "upload" }

func (uploadCmd) Synopsis() string {
	return "upload the electricity usage data to Home Assistant"
}

func (uploadCmd) Usage() string {
	return `upload <flags>

All the flags are required, but can be provided as environment variables as well.
The time series downloaded by download is read from standard input.

`
}

var uploadRequired = []string{"ha_server", "ha_token", "ha_sensor"}

func (c *uploadCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "ha_server", "", "Home Assistant server name or IP and optionally the port")
	fs.StringVar(&c.token, "ha_token", "", "Home Assistant admin authentication token")
	fs.StringVar(&c.sensor, "ha_sensor", "", "Home Assistant statistic ID used to record power usage")
}

// send imports the time series and returns the number of hours sent.
func (c *uploadCmd) send(ctx context.Context, body []byte) (int, error) {
	series, err := parse.TimeSeries(body)
	if err != nil {
		return 0, err
	}
	stat, err := parse.Translate(series)
	if err != nil {
		return 0, err
	}
	stat.Metadata.StatisticID = c.sensor
	stat.Metadata.Name = c.sensor

	conn, err := ha.NewConnection(ctx, c.server, c.token)
	if err != nil {
		return 0, fmt.Errorf("cannot connect to Home Assistant: %w", err)
	}
	defer conn.Close()

	if err := conn.SendStatistics(ctx, stat); err != nil {
		return 0, err
	}
	return len(stat.Stats), nil
}

func (c *uploadCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, uploadRequired...); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		return subcommands.ExitUsageError
	}

	in := c.in
	if in == nil {
		in = os.Stdin
	}
	log.Println("Reading from stdin...")
	data, err := io.ReadAll(in)
	if err != nil {
		return failure("Cannot read data", err)
	}

	n, err := c.send(ctx, data)
	if err != nil {
		return failure("Cannot send statistics to Home Assistant", err)
	}
	log.Printf("Sent %d data points", n)
	return subcommands.ExitSuccess
}

type pipeCmd struct {
	ha  uploadCmd
	elo downloadCmd
}

func (pipeCmd) Name() string { return "pipe" }

func (pipeCmd) Synopsis() string {
	return "download from eloverblik.dk and upload to Home Assistant the electricity usage data"
}

func (pipeCmd) Usage() string {
	return `pipe <flags>

The flags are the ones of download and upload, they can be provided as
environment variables as well.
It is the equivalent of piping download and upload.

`
}

func (c *pipeCmd) SetFlags(fs *flag.FlagSet) {
	c.ha.SetFlags(fs)
	c.elo.SetFlags(fs)
}

func (c *pipeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, append(uploadRequired, downloadRequired...)...); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		return subcommands.ExitUsageError
	}

	data, err := c.elo.fetch(ctx)
	if err != nil {
		return failure("Cannot download the usage data", err)
	}
	n, err := c.ha.send(ctx, data)
	if err != nil {
		return failure("Cannot send statistics to Home Assistant", err)
	}
	log.Printf("Sent %d data points", n)
	return subcommands.ExitSuccess
}
