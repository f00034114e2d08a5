// Package energidataservice implements a client for the public datasets of energidataservice.dk.
package energidataservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/lorentz83/eloverblik/period"
	"github.com/lorentz83/eloverblik/rest"
)

const (
	// DefaultBaseURL is the root of the dataset API.
	DefaultBaseURL = "https://api.energidataservice.dk/dataset/"

	// DeclarationEmissionHour is the hourly emission declaration dataset.
	DeclarationEmissionHour = "DeclarationEmissionHour"

	// PageSize is the number of records requested per page.
	PageSize = 5000

	userAgent = "eloverblik-go"
)

// EmissionColumns are the fields of a DeclarationEmissionHour record, in output order.
var EmissionColumns = []string{
	"HourUTC",
	"HourDK",
	"PriceArea",
	"FuelAllocationMethod",
	"Edition",
	"CO2originPerkWh",
	"CO2PerkWh",
	"SO2PerkWh",
	"NOxPerkWh",
	"NMvocPerkWh",
	"CH4PerkWh",
	"COPerkWh",
	"N2OPerkWh",
	"ParticlesPerkWh",
	"CoalFlyAshPerkWh",
	"CoalSlagPerkWh",
	"DesulpPerkWh",
	"FuelGasWastePerkWh",
	"BioashPerkWh",
	"WasteSlagPerkWh",
	"RadioactiveWastePerkWh",
}

// numbers keeps the numbers as json.Number, so they can be written back
// with the exact text the API sent.
var numbers = sonic.Config{UseNumber: true}.Froze()

// Record is a dataset row.
type Record map[string]any

// Field returns the textual value of a field, empty when missing or null.
func (r Record) Field(name string) string {
	switch v := r[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Page is a page of a dataset.
type Page struct {
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Dataset string   `json:"dataset"`
	Records []Record `json:"records"`
}

// Client reads energidataservice.dk datasets. No authentication is required.
type Client struct {
	rc      *rest.Client
	baseURL string
}

// NewClient returns a new Client, baseURL defaults to DefaultBaseURL when empty.
func NewClient(baseURL string, opts ...rest.Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	rc, err := rest.NewClient(userAgent, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc, baseURL: baseURL}, nil
}

// Query selects the records of a page.
type Query struct {
	// Range, if not nil, limits the records to the days in the range (Danish time).
	Range  *period.Range
	Offset int
	Limit  int
}

func (q Query) params() url.Values {
	limit := q.Limit
	if limit <= 0 {
		limit = PageSize
	}
	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	v.Set("sort", "HourUTC ASC")
	v.Set("timezone", "dk")
	if q.Range != nil {
		v.Set("start", q.Range.From.String()+"T00:00")
		v.Set("end", q.Range.EndExclusive().String()+"T00:00")
	}
	return v
}

// Page returns one page of the dataset.
func (c *Client) Page(ctx context.Context, dataset string, q Query) (*Page, error) {
	rsp, err := c.rc.Do(ctx, rest.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + dataset,
		Params: q.params(),
	})
	if err != nil {
		return nil, err
	}
	var p Page
	if err := numbers.Unmarshal(rsp.Body, &p); err != nil {
		return nil, fmt.Errorf("cannot parse %s page: %w", dataset, err)
	}
	return &p, nil
}

// Each calls fn for every page of the dataset, until all the records have been read.
func (c *Client) Each(ctx context.Context, dataset string, q Query, fn func(*Page) error) error {
	for {
		p, err := c.Page(ctx, dataset, q)
		if err != nil {
			return err
		}
		if len(p.Records) == 0 {
			return nil
		}
		if err := fn(p); err != nil {
			return err
		}
		q.Offset += len(p.Records)
		if q.Offset >= p.Total {
			return nil
		}
	}
}
