package download_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/lorentz83/eloverblik/credentials"
	"github.com/lorentz83/eloverblik/download"
	"github.com/lorentz83/eloverblik/eloverblik"
	"github.com/lorentz83/eloverblik/eloverblik/eloverbliktest"
	"github.com/lorentz83/eloverblik/energidataservice"
	"github.com/lorentz83/eloverblik/period"
	"github.com/lorentz83/eloverblik/rest"
)

var today = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func authenticated(t *testing.T, srv *eloverbliktest.Server) *eloverblik.Client {
	t.Helper()
	c, err := eloverblik.NewClient(credentials.NewMemoryStore(), eloverblik.WithBaseURL(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), "refresh"))
	return c
}

func january(t *testing.T) period.Range {
	t.Helper()
	r, err := period.Parse("2024-01-01", "2024-01-31", today)
	require.NoError(t, err)
	return r
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var ret []string
	for _, e := range entries {
		ret = append(ret, e.Name())
	}
	return ret
}

func TestList_KeepsOrder(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	srv.Meters = []eloverblik.MeteringPoint{
		{ID: "571313000000000001", Type: "E17", StreetName: "Søndergade", BuildingNumber: "1", Postcode: "8000", CityName: "Aarhus C"},
		{ID: "571313000000000002", Type: "E18"},
	}

	got, err := download.Lister{API: authenticated(t, srv)}.List(context.Background())
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if diff := cmp.Diff(srv.Meters, got); diff != "" {
		t.Errorf("List() diff (-want +got): %s", diff)
	}

	var sb strings.Builder
	require.NoError(t, download.Print(&sb, got))
	want := `METER ID            TYPE  ADDRESS
571313000000000001  E17   Søndergade 1, 8000 Aarhus C
571313000000000002  E18
`
	if diff := cmp.Diff(want, sb.String()); diff != "" {
		t.Errorf("Print() diff (-want +got): %s", diff)
	}
}

func TestList_APIError(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	c := authenticated(t, srv)
	srv.Fail["meteringpoints/"] = http.StatusServiceUnavailable

	_, err := download.Lister{API: c}.List(context.Background())
	if !rest.IsStatus(err, http.StatusServiceUnavailable) {
		t.Errorf("List() error = %v, want status 503", err)
	}
}

func TestFetch_SingleMeter(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	body := eloverbliktest.TimeSeriesDocument("572318191105164509", time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC), "PT1H", "1.5")
	srv.TimeSeries["572318191105164509"] = body
	c := authenticated(t, srv)
	dir := t.TempDir()

	f := download.Fetcher{API: c, Dir: dir, Aggregation: "Hour"}
	files, err := f.Fetch(context.Background(), "572318191105164509", january(t))
	if err != nil {
		t.Fatalf("Fetch() unexpected error: %v", err)
	}

	want := filepath.Join(dir, "572318191105164509_2024-01-01_2024-01-31.json")
	if diff := cmp.Diff([]string{want}, files); diff != "" {
		t.Errorf("Fetch() files diff (-want +got): %s", diff)
	}
	if diff := cmp.Diff([]string{"572318191105164509_2024-01-01_2024-01-31.json"}, listFiles(t, dir)); diff != "" {
		t.Errorf("Fetch() directory content diff (-want +got): %s", diff)
	}
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	if string(got) != string(body) {
		t.Errorf("Fetch() saved %s, want %s", got, body)
	}

	wantReqs := []string{"GET isalive", "GET token", "POST meterdata/gettimeseries/2024-01-01/2024-02-01/Hour"}
	if diff := cmp.Diff(wantReqs, srv.Paths()); diff != "" {
		t.Errorf("Fetch() requests diff (-want +got): %s", diff)
	}
	reqs := srv.Requests()
	if diff := cmp.Diff([]string{"572318191105164509"}, reqs[len(reqs)-1].Meters); diff != "" {
		t.Errorf("Fetch() requested meters diff (-want +got): %s", diff)
	}
}

func TestFetch_AllMeters(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	srv.Meters = []eloverblik.MeteringPoint{{ID: "2"}, {ID: "1"}}
	c := authenticated(t, srv)
	dir := t.TempDir()

	f := download.Fetcher{API: c, Dir: dir}
	ids, err := f.Enumerate(context.Background(), "")
	if err != nil {
		t.Fatalf("Enumerate() unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"2", "1"}, ids); diff != "" {
		t.Errorf("Enumerate() diff (-want +got): %s", diff)
	}

	files, err := f.FanOut(context.Background(), ids, january(t))
	if err != nil {
		t.Fatalf("FanOut() unexpected error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "2_2024-01-01_2024-01-31.json"),
		filepath.Join(dir, "1_2024-01-01_2024-01-31.json"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("FanOut() files diff (-want +got): %s", diff)
	}

	wantReqs := []string{
		"GET isalive",
		"GET token",
		"GET meteringpoints/meteringpoints",
		"POST meterdata/gettimeseries/2024-01-01/2024-02-01/Actual",
		"POST meterdata/gettimeseries/2024-01-01/2024-02-01/Actual",
	}
	if diff := cmp.Diff(wantReqs, srv.Paths()); diff != "" {
		t.Errorf("requests diff (-want +got): %s", diff)
	}
	reqs := srv.Requests()
	if got := [][]string{reqs[3].Meters, reqs[4].Meters}; !cmp.Equal([][]string{{"2"}, {"1"}}, got) {
		t.Errorf("FanOut() requested meters %v, want [[2] [1]]", got)
	}
}

func TestFetch_NoMeters(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	dir := t.TempDir()
	f := download.Fetcher{API: authenticated(t, srv), Dir: dir}
	if _, err := f.Fetch(context.Background(), "", january(t)); err == nil {
		t.Errorf("Fetch() without meters want error")
	}
	if got := listFiles(t, dir); len(got) != 0 {
		t.Errorf("Fetch() without meters wrote %v", got)
	}
}

func TestFetch_CSVWithCharges(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	dir := t.TempDir()
	f := download.Fetcher{API: authenticated(t, srv), Dir: dir, Format: download.CSV, Charges: true}

	files, err := f.Fetch(context.Background(), "123", january(t))
	if err != nil {
		t.Fatalf("Fetch() unexpected error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "123_2024-01-01_2024-01-31.csv"),
		filepath.Join(dir, "123_2024-01-01_2024-01-31_charges.csv"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("Fetch() files diff (-want +got): %s", diff)
	}

	usage, err := os.ReadFile(files[0])
	require.NoError(t, err)
	wantUsage := `meter_id,resolution,timestart_utc,timeend_utc,point_position,point_out_quantity,point_out_quality
123,PT1H,2024-01-01T23:00:00Z,2024-01-02T01:00:00Z,1,0.5,A04
123,PT1H,2024-01-01T23:00:00Z,2024-01-02T01:00:00Z,2,0.25,A04
`
	if diff := cmp.Diff(wantUsage, string(usage)); diff != "" {
		t.Errorf("usage CSV diff (-want +got): %s", diff)
	}

	charges, err := os.ReadFile(files[1])
	require.NoError(t, err)
	if got := strings.Count(string(charges), "\n"); got != 5 {
		t.Errorf("charges CSV has %d lines, want 5:\n%s", got, charges)
	}
}

func TestFetch_Unauthorized(t *testing.T) {
	for _, path := range []string{"meterdata/", "meteringpoints/meteringpoint/getcharges"} {
		t.Run(path, func(t *testing.T) {
			srv := eloverbliktest.NewServer(t, "refresh", "data")
			c := authenticated(t, srv)
			srv.Fail[path] = http.StatusUnauthorized
			dir := t.TempDir()

			f := download.Fetcher{API: c, Dir: dir, Charges: true}
			files, err := f.Fetch(context.Background(), "123", january(t))

			var ae *rest.APIError
			if !errors.As(err, &ae) || ae.StatusCode != http.StatusUnauthorized {
				t.Fatalf("Fetch() error = %v, want api error 401", err)
			}
			// Only complete files are left: the usage one when charges failed.
			if diff := cmp.Diff(files, prefixed(dir, listFiles(t, dir))); diff != "" {
				t.Errorf("Fetch() returned files different from the directory content (-returned +dir): %s", diff)
			}
			for _, name := range listFiles(t, dir) {
				if strings.Contains(name, "charges") || strings.HasPrefix(name, ".") {
					t.Errorf("Fetch() left partial file %s", name)
				}
			}
		})
	}
}

func prefixed(dir string, names []string) []string {
	var ret []string
	for _, n := range names {
		ret = append(ret, filepath.Join(dir, n))
	}
	return ret
}

func TestFetch_InvalidMeterID(t *testing.T) {
	f := download.Fetcher{Dir: t.TempDir()}
	if _, err := f.Enumerate(context.Background(), "../etc"); err == nil {
		t.Errorf("Enumerate() with a path want error")
	}
}

func TestFetch_StorageError(t *testing.T) {
	srv := eloverbliktest.NewServer(t, "refresh", "data")
	// A file where the output directory should be.
	dir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(dir, nil, 0o644))

	f := download.Fetcher{API: authenticated(t, srv), Dir: dir}
	_, err := f.Fetch(context.Background(), "123", january(t))
	var se *download.StorageError
	if !errors.As(err, &se) {
		t.Errorf("Fetch() error = %v, want *StorageError", err)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]download.Format{"": download.JSON, "json": download.JSON, "csv": download.CSV} {
		got, err := download.ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := download.ParseFormat("xml"); err == nil {
		t.Errorf("ParseFormat(xml) want error")
	}
}

func fakeEmissions(t *testing.T, status int, requests *int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		if status != http.StatusOK {
			http.Error(w, "unauthorized", status)
			return
		}
		if r.URL.Query().Get("offset") != "0" {
			fmt.Fprint(w, `{"total":2,"records":[]}`)
			return
		}
		fmt.Fprint(w, `{"total":2,"limit":5000,"dataset":"DeclarationEmissionHour","records":[
{"HourUTC":"2024-01-01T00:00:00","HourDK":"2024-01-01T01:00:00","PriceArea":"DK1","FuelAllocationMethod":"125%","Edition":"Production","CO2PerkWh":120.100,"SO2PerkWh":0.000123},
{"HourUTC":"2024-01-01T01:00:00","HourDK":"2024-01-01T02:00:00","PriceArea":"DK1","FuelAllocationMethod":"125%","Edition":"Production","CO2PerkWh":99,"SO2PerkWh":null}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestEmissions(t *testing.T) {
	var requests int
	c, err := energidataservice.NewClient(fakeEmissions(t, http.StatusOK, &requests))
	require.NoError(t, err)
	dir := t.TempDir()
	r, err := period.Parse("2024-01-01", "2024-01-01", today)
	require.NoError(t, err)

	e := download.Emissions{Client: c, Dir: dir}
	path, err := e.Fetch(context.Background(), &r)
	if err != nil {
		t.Fatalf("Fetch() unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "2024-01-01_2024-01-01-energidataservice_declarationemissionhour.csv"); path != want {
		t.Errorf("Fetch() path = %s, want %s", path, want)
	}
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Fetch() wrote %d lines, want 3:\n%s", len(lines), got)
	}
	if want := strings.Join(energidataservice.EmissionColumns, ","); lines[0] != want {
		t.Errorf("Fetch() header = %s, want %s", lines[0], want)
	}
	if want := "2024-01-01T00:00:00,2024-01-01T01:00:00,DK1,125%,Production,,120.100,0.000123,,,,,,,,,,,,,"; lines[1] != want {
		t.Errorf("Fetch() first row = %s, want %s", lines[1], want)
	}
	if requests != 1 {
		t.Errorf("Fetch() made %d requests, want 1", requests)
	}

	if got := e.Path(nil); got != filepath.Join(dir, "energidataservice_declarationemissionhour.csv") {
		t.Errorf("Path(nil) = %s", got)
	}
}

func TestEmissions_Unauthorized(t *testing.T) {
	var requests int
	c, err := energidataservice.NewClient(fakeEmissions(t, http.StatusUnauthorized, &requests))
	require.NoError(t, err)
	dir := t.TempDir()

	_, err = download.Emissions{Client: c, Dir: dir}.Fetch(context.Background(), nil)
	if !rest.IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("Fetch() error = %v, want status 401", err)
	}
	if got := listFiles(t, dir); len(got) != 0 {
		t.Errorf("Fetch() left files %v", got)
	}
}
