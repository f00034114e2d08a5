// Package parse implements a parser for the documents returned by the
// eloverblik.dk time series and charges endpoints.
package parse

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/lorentz83/eloverblik/ha"
)

var (
	// UsageHeader is the header of the CSV written by UsageCSV.
	UsageHeader = []string{"meter_id", "resolution", "timestart_utc", "timeend_utc", "point_position", "point_out_quantity", "point_out_quality"}
	// ChargesHeader is the header of the CSV written by ChargesCSV.
	ChargesHeader = []string{"meter_id", "chargetype", "name", "description", "owner", "validfromdate", "validtodate", "periodtype", "position", "price", "quantity"}
)

// text is a JSON scalar kept as it was written in the document.
// The API is not consistent on quoting numbers.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	default:
		*t = text(b)
	}
	return nil
}

type timeSeriesResponse struct {
	Result []struct {
		Document struct {
			TimeSeries []struct {
				MRID   string `json:"mRID"`
				Unit   string `json:"measurement_Unit.name"`
				Period []struct {
					Resolution   string `json:"resolution"`
					TimeInterval struct {
						Start string `json:"start"`
						End   string `json:"end"`
					} `json:"timeInterval"`
					Point []struct {
						Position text `json:"position"`
						Quantity text `json:"out_Quantity.quantity"`
						Quality  text `json:"out_Quantity.quality"`
					} `json:"Point"`
				} `json:"Period"`
			} `json:"TimeSeries"`
		} `json:"MyEnergyData_MarketDocument"`
	} `json:"result"`
}

// Series are the readings of a metering point.
type Series struct {
	MeterID string
	Unit    string
	Points  []Point
}

// Point is a single reading.
type Point struct {
	Resolution  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Position    int
	// Start is the beginning of the interval measured by this point.
	Start    time.Time
	Quantity string
	Quality  string
}

// Value returns the quantity as a number.
func (p Point) Value() (float64, error) {
	return strconv.ParseFloat(p.Quantity, 64)
}

// step returns the start of the interval at the given 1-based position.
func step(resolution string) (func(start time.Time, position int) time.Time, error) {
	fixed := func(d time.Duration) func(time.Time, int) time.Time {
		return func(s time.Time, p int) time.Time { return s.Add(time.Duration(p-1) * d) }
	}
	switch resolution {
	case "PT15M":
		return fixed(15 * time.Minute), nil
	case "PT1H":
		return fixed(time.Hour), nil
	case "P1D":
		return func(s time.Time, p int) time.Time { return s.AddDate(0, 0, p-1) }, nil
	case "P1M":
		return func(s time.Time, p int) time.Time { return s.AddDate(0, p-1, 0) }, nil
	case "P1Y":
		return func(s time.Time, p int) time.Time { return s.AddDate(p-1, 0, 0) }, nil
	}
	return nil, fmt.Errorf("unknown resolution %q", resolution)
}

// TimeSeries parses the body returned by the time series endpoint.
//
// There is a Series for every time series in the document, points are
// in document order.
func TimeSeries(body []byte) ([]Series, error) {
	var rsp timeSeriesResponse
	if err := sonic.Unmarshal(body, &rsp); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}

	var ret []Series
	for _, res := range rsp.Result {
		for _, ts := range res.Document.TimeSeries {
			s := Series{MeterID: ts.MRID, Unit: ts.Unit}
			for _, p := range ts.Period {
				start, err := time.Parse(time.RFC3339, p.TimeInterval.Start)
				if err != nil {
					return nil, fmt.Errorf("invalid format: meter %s: %w", ts.MRID, err)
				}
				end, err := time.Parse(time.RFC3339, p.TimeInterval.End)
				if err != nil {
					return nil, fmt.Errorf("invalid format: meter %s: %w", ts.MRID, err)
				}
				at, err := step(p.Resolution)
				if err != nil {
					return nil, fmt.Errorf("invalid format: meter %s: %w", ts.MRID, err)
				}
				for _, pt := range p.Point {
					pos, err := strconv.Atoi(string(pt.Position))
					if err != nil || pos < 1 {
						return nil, fmt.Errorf("invalid format: meter %s: invalid position %q", ts.MRID, pt.Position)
					}
					s.Points = append(s.Points, Point{
						Resolution:  p.Resolution,
						PeriodStart: start,
						PeriodEnd:   end,
						Position:    pos,
						Start:       at(start, pos),
						Quantity:    string(pt.Quantity),
						Quality:     string(pt.Quality),
					})
				}
			}
			ret = append(ret, s)
		}
	}
	return ret, nil
}

// UsageCSV converts a time series body to CSV, one row per point.
func UsageCSV(w io.Writer, meterID string, body []byte) error {
	series, err := TimeSeries(body)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(UsageHeader); err != nil {
		return err
	}
	for _, s := range series {
		id := s.MeterID
		if id == "" {
			id = meterID
		}
		for _, p := range s.Points {
			err := cw.Write([]string{
				id,
				p.Resolution,
				p.PeriodStart.UTC().Format(time.RFC3339),
				p.PeriodEnd.UTC().Format(time.RFC3339),
				strconv.Itoa(p.Position),
				p.Quantity,
				p.Quality,
			})
			if err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

type charge struct {
	Name          text `json:"name"`
	Description   text `json:"description"`
	Owner         text `json:"owner"`
	ValidFromDate text `json:"validFromDate"`
	ValidToDate   text `json:"validToDate"`
	PeriodType    text `json:"periodType"`
	Price         text `json:"price"`
	Quantity      text `json:"quantity"`
	Prices        []struct {
		Position text `json:"position"`
		Price    text `json:"price"`
	} `json:"prices"`
}

func (c charge) row(meterID, chargeType string) []string {
	return []string{meterID, chargeType, string(c.Name), string(c.Description), string(c.Owner),
		string(c.ValidFromDate), string(c.ValidToDate), string(c.PeriodType), "", string(c.Price), string(c.Quantity)}
}

type chargesResponse struct {
	Result []struct {
		ID     string `json:"id"`
		Result *struct {
			MeteringPointID string   `json:"meteringPointId"`
			Fees            []charge `json:"fees"`
			Subscriptions   []charge `json:"subscriptions"`
			Tariffs         []charge `json:"tariffs"`
		} `json:"result"`
	} `json:"result"`
}

// ChargesCSV converts a charges body to CSV.
//
// Fees and subscriptions are one row each, tariffs have a row for each
// price position and no quantity.
func ChargesCSV(w io.Writer, meterID string, body []byte) error {
	var rsp chargesResponse
	if err := sonic.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("invalid format: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ChargesHeader); err != nil {
		return err
	}
	for _, res := range rsp.Result {
		if res.Result == nil {
			continue
		}
		id := res.Result.MeteringPointID
		if id == "" {
			id = meterID
		}
		var rows [][]string
		for _, c := range res.Result.Fees {
			rows = append(rows, c.row(id, "fee"))
		}
		for _, c := range res.Result.Subscriptions {
			rows = append(rows, c.row(id, "subscription"))
		}
		for _, c := range res.Result.Tariffs {
			for _, p := range c.Prices {
				r := c.row(id, "tariff")
				r[8], r[9], r[10] = string(p.Position), string(p.Price), ""
				rows = append(rows, r)
			}
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Translate translates the readings of a single meter into Home Assistant statistics.
//
// Home Assistant wants kWh every hour: readings with a finer resolution
// are summed into their hour. Hours without readings are skipped.
func Translate(series []Series) (ha.Statistics, error) {
	ret := ha.Statistics{
		Metadata: ha.StatisticMetadata{
			HasSum:            true,
			UnitOfMeasurement: "kWh",
		},
	}

	var points []Point
	meter := ""
	for _, s := range series {
		if meter != "" && s.MeterID != meter {
			return ret, fmt.Errorf("multiple meters found (%q and %q)", meter, s.MeterID)
		}
		meter = s.MeterID
		if !strings.EqualFold(s.Unit, "kwh") {
			return ret, fmt.Errorf("meter %s: unit is %q, want KWH", s.MeterID, s.Unit)
		}
		points = append(points, s.Points...)
	}
	if len(points) == 0 {
		return ret, errors.New("not enough data")
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })

	var (
		sum  float64
		hour time.Time
		last time.Time
	)
	for i, p := range points {
		if p.Resolution != "PT1H" && p.Resolution != "PT15M" {
			return ret, fmt.Errorf("point %d: resolution %s is coarser than one hour", i, p.Resolution)
		}
		if !last.IsZero() && !p.Start.After(last) {
			return ret, fmt.Errorf("point %d: duplicated reading at %v", i, p.Start)
		}
		last = p.Start

		v, err := p.Value()
		if err != nil {
			return ret, fmt.Errorf("point %d: invalid quantity: %w", i, err)
		}
		sum += v

		h := p.Start.UTC().Truncate(time.Hour)
		if n := len(ret.Stats); n > 0 && h.Equal(hour) {
			ret.Stats[n-1].State += v
			ret.Stats[n-1].Sum = sum
			continue
		}
		hour = h
		ret.Stats = append(ret.Stats, ha.StatisticValue{
			Start: h,
			State: v,
			Sum:   sum,
		})
	}
	return ret, nil
}
