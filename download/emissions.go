package download

import (
	"context"
	"encoding/csv"
	"io"
	"log"
	"path/filepath"

	"github.com/lorentz83/eloverblik/energidataservice"
	"github.com/lorentz83/eloverblik/period"
)

const emissionsFile = "energidataservice_declarationemissionhour.csv"

// Emissions saves the hourly emission declarations of energidataservice.dk.
type Emissions struct {
	Client *energidataservice.Client
	// Dir is the output directory.
	Dir string
}

// Path returns the file written by Fetch for the range, nil meaning the complete dataset.
func (e Emissions) Path(r *period.Range) string {
	dir := e.Dir
	if dir == "" {
		dir = "."
	}
	name := emissionsFile
	if r != nil {
		name = r.String() + "-" + name
	}
	return filepath.Join(dir, name)
}

// Fetch saves the records in the range, or all the records if r is nil, to a CSV file.
//
// The file is written only when every page has been downloaded.
func (e Emissions) Fetch(ctx context.Context, r *period.Range) (string, error) {
	path := e.Path(r)
	if r == nil {
		log.Println("Getting the complete emission dataset...")
	} else {
		log.Printf("Getting emissions from %s to %s...", r.From, r.To)
	}

	rows := 0
	err := writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(energidataservice.EmissionColumns); err != nil {
			return err
		}
		q := energidataservice.Query{Range: r}
		err := e.Client.Each(ctx, energidataservice.DeclarationEmissionHour, q, func(p *energidataservice.Page) error {
			log.Printf("Got %d of %d records", rows+len(p.Records), p.Total)
			row := make([]string, len(energidataservice.EmissionColumns))
			for _, rec := range p.Records {
				for i, c := range energidataservice.EmissionColumns {
					row[i] = rec.Field(c)
				}
				if err := cw.Write(row); err != nil {
					return err
				}
				rows++
			}
			return nil
		})
		if err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", err
	}
	log.Printf("Saved %d records in %s", rows, path)
	return path, nil
}
