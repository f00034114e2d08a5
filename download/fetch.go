package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/lorentz83/eloverblik/parse"
	"github.com/lorentz83/eloverblik/period"
)

// Format is the format of the output files.
type Format string

const (
	// JSON saves the response body as it was received.
	JSON Format = "json"
	// CSV saves one row per reading.
	CSV Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case JSON, CSV:
		return f, nil
	case "":
		return JSON, nil
	}
	return "", fmt.Errorf("invalid format %q, want %s or %s", s, JSON, CSV)
}

// Fetcher saves the usage data of metering points.
type Fetcher struct {
	API API
	// Dir is the output directory.
	Dir         string
	Aggregation string
	Format      Format
	// Charges also saves the fees, subscriptions and tariffs of every meter.
	Charges bool
}

// Enumerate returns the meters to fetch: meterID if set, otherwise all the
// meters of the account in the API order.
func (f Fetcher) Enumerate(ctx context.Context, meterID string) ([]string, error) {
	if meterID != "" {
		if strings.ContainsAny(meterID, `/\`) || meterID == "." || meterID == ".." {
			return nil, fmt.Errorf("invalid meter id %q", meterID)
		}
		return []string{meterID}, nil
	}
	points, err := Lister{API: f.API}.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.New("no meters found in the account")
	}
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids, nil
}

// FanOut saves the data of every meter, stopping at the first error.
//
// It returns the files written, also on error.
func (f Fetcher) FanOut(ctx context.Context, ids []string, r period.Range) ([]string, error) {
	format := f.Format
	if format == "" {
		format = JSON
	}
	var files []string
	for _, id := range ids {
		log.Printf("Getting usage data for meter %s...", id)
		body, err := f.API.TimeSeries(ctx, id, r, f.Aggregation)
		if err != nil {
			return files, err
		}
		name := f.path(id, r, "", format)
		if err := save(name, format, body, id, parse.UsageCSV); err != nil {
			return files, err
		}
		files = append(files, name)
		log.Printf("Saved usage data for meter %s in %s", id, name)

		if !f.Charges {
			continue
		}
		log.Printf("Getting charges for meter %s...", id)
		body, err = f.API.Charges(ctx, id)
		if err != nil {
			return files, err
		}
		name = f.path(id, r, "_charges", format)
		if err := save(name, format, body, id, parse.ChargesCSV); err != nil {
			return files, err
		}
		files = append(files, name)
		log.Printf("Saved charges for meter %s in %s", id, name)
	}
	return files, nil
}

// Fetch enumerates the meters and saves their data.
func (f Fetcher) Fetch(ctx context.Context, meterID string, r period.Range) ([]string, error) {
	ids, err := f.Enumerate(ctx, meterID)
	if err != nil {
		return nil, err
	}
	return f.FanOut(ctx, ids, r)
}

func (f Fetcher) path(meterID string, r period.Range, suffix string, format Format) string {
	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s.%s", meterID, r, suffix, format))
}

func save(path string, format Format, body []byte, meterID string, toCSV func(io.Writer, string, []byte) error) error {
	return writeFile(path, func(w io.Writer) error {
		if format == CSV {
			return toCSV(w, meterID, body)
		}
		_, err := io.Copy(w, bytes.NewReader(body))
		return err
	})
}
