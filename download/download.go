// Package download implements the commands saving eloverblik.dk and
// energidataservice.dk data to local files.
package download

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/lorentz83/eloverblik/eloverblik"
	"github.com/lorentz83/eloverblik/period"
)

// API is the part of the eloverblik.dk API used here, implemented by *eloverblik.Client.
type API interface {
	MeteringPoints(ctx context.Context) ([]eloverblik.MeteringPoint, error)
	TimeSeries(ctx context.Context, meterID string, r period.Range, aggregation string) ([]byte, error)
	Charges(ctx context.Context, meterID string) ([]byte, error)
}

// StorageError is returned when an output file cannot be written.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cannot write %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// writeFile writes path atomically: the content is first written by fn to
// a temporary file in the same directory which is then renamed.
// On error nothing is left behind and the error of fn is returned as is.
func writeFile(path string, fn func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Path: path, Err: err}
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StorageError{Path: path, Err: err}
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := fn(storageWriter{path: path, w: f}); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return &StorageError{Path: path, Err: err}
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		return &StorageError{Path: path, Err: err}
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return &StorageError{Path: path, Err: err}
	}
	return nil
}

// storageWriter marks the errors of the underlying file as StorageError.
type storageWriter struct {
	path string
	w    io.Writer
}

func (s storageWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		err = &StorageError{Path: s.path, Err: err}
	}
	return n, err
}

// Lister lists the metering points of the account.
type Lister struct {
	API API
}

// List returns the metering points in the order returned by the API.
func (l Lister) List(ctx context.Context) ([]eloverblik.MeteringPoint, error) {
	log.Println("Getting list of meters...")
	points, err := l.API.MeteringPoints(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("Found %d meter(s)", len(points))
	return points, nil
}

var tableHeader = []string{"METER ID", "TYPE", "ADDRESS"}

// Print prints a table of the metering points, one per line.
func Print(w io.Writer, points []eloverblik.MeteringPoint) error {
	rows := [][]string{tableHeader}
	for _, p := range points {
		rows = append(rows, []string{p.ID, p.Type, p.Address()})
	}

	widths := make([]int, len(tableHeader))
	for _, r := range rows {
		for i, c := range r {
			if n := runewidth.StringWidth(c); n > widths[i] {
				widths[i] = n
			}
		}
	}

	for _, r := range rows {
		cells := make([]string, len(r))
		for i, c := range r {
			if i == len(r)-1 {
				cells[i] = c
				continue
			}
			cells[i] = runewidth.FillRight(c, widths[i])
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " ")); err != nil {
			return err
		}
	}
	return nil
}
