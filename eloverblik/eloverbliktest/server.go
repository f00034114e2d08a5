// Package eloverbliktest provides a fake eloverblik.dk API for tests.
package eloverbliktest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/lorentz83/eloverblik/eloverblik"
)

// Request is a request received by the fake.
type Request struct {
	Method string
	Path   string
	Auth   string
	Meters []string
}

// Server is a fake eloverblik.dk customer API.
//
// Fields can be changed between requests, not during.
type Server struct {
	URL string

	Alive        bool
	RefreshToken string
	DataToken    string
	Meters       []eloverblik.MeteringPoint
	// TimeSeries and Charges are the bodies returned for each meter id.
	// Missing meters get a document generated by TimeSeriesDocument or ChargesDocument.
	TimeSeries map[string][]byte
	Charges    map[string][]byte
	// Fail maps a path prefix (for example "meterdata/") to the status code to return.
	Fail map[string]int

	mu       sync.Mutex
	requests []Request
}

// NewServer starts a fake accepting the given tokens. It is closed with the test.
func NewServer(t testing.TB, refreshToken, dataToken string) *Server {
	t.Helper()
	s := &Server{
		Alive:        true,
		RefreshToken: refreshToken,
		DataToken:    dataToken,
		TimeSeries:   map[string][]byte{},
		Charges:      map[string][]byte{},
		Fail:         map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	s.URL = srv.URL + "/"
	return s
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Paths returns "METHOD path" for every request received so far.
func (s *Server) Paths() []string {
	var ret []string
	for _, r := range s.Requests() {
		ret = append(ret, r.Method+" "+r.Path)
	}
	return ret
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	rec := Request{Method: r.Method, Path: path, Auth: r.Header.Get("Authorization")}

	if r.Method == http.MethodPost {
		var body struct {
			MeteringPoints struct {
				MeteringPoint []string `json:"meteringPoint"`
			} `json:"meteringPoints"`
		}
		b, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(b, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Meters = body.MeteringPoints.MeteringPoint
	}

	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	for prefix, code := range s.Fail {
		if strings.HasPrefix(path, prefix) {
			http.Error(w, fmt.Sprintf(`{"error":"forced %d"}`, code), code)
			return
		}
	}

	switch {
	case path == "isalive" && r.Method == http.MethodGet:
		writeJSON(w, s.Alive)
	case path == "token" && r.Method == http.MethodGet:
		if rec.Auth != "Bearer "+s.RefreshToken {
			http.Error(w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"result": s.DataToken})
	case rec.Auth != "Bearer "+s.DataToken:
		http.Error(w, "invalid data access token", http.StatusUnauthorized)
	case path == "meteringpoints/meteringpoints" && r.Method == http.MethodGet:
		meters := s.Meters
		if meters == nil {
			meters = []eloverblik.MeteringPoint{}
		}
		writeJSON(w, map[string]any{"result": meters})
	case strings.HasPrefix(path, "meterdata/gettimeseries/") && r.Method == http.MethodPost:
		s.writeDocuments(w, rec.Meters, s.TimeSeries, func(id string) []byte {
			return TimeSeriesDocument(id, time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), "PT1H", "0.5", "0.25")
		})
	case path == "meteringpoints/meteringpoint/getcharges" && r.Method == http.MethodPost:
		s.writeDocuments(w, rec.Meters, s.Charges, ChargesDocument)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeDocuments(w http.ResponseWriter, meters []string, m map[string][]byte, def func(string) []byte) {
	if len(meters) != 1 {
		http.Error(w, "the fake serves one meter per request", http.StatusBadRequest)
		return
	}
	b, ok := m[meters[0]]
	if !ok {
		b = def(meters[0])
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// TimeSeriesDocument returns a time series response for a meter with one
// period starting at start, one point per quantity.
func TimeSeriesDocument(meterID string, start time.Time, resolution string, quantities ...string) []byte {
	step := time.Hour
	if resolution == "PT15M" {
		step = 15 * time.Minute
	}
	var points []string
	for i, q := range quantities {
		points = append(points, fmt.Sprintf(`{"position":"%d","out_Quantity.quantity":"%s","out_Quantity.quality":"A04"}`, i+1, q))
	}
	end := start.Add(time.Duration(len(quantities)) * step)
	return []byte(fmt.Sprintf(`{"result":[{"MyEnergyData_MarketDocument":{"mRID":"doc","createdDateTime":"2024-02-01T10:00:00Z","TimeSeries":[{"mRID":"%[1]s","businessType":"A04","curveType":"A01","measurement_Unit.name":"KWH","MarketEvaluationPoint":{"mRID":{"codingScheme":"A10","name":"%[1]s"}},"Period":[{"resolution":"%[2]s","timeInterval":{"start":"%[3]s","end":"%[4]s"},"Point":[%[5]s]}]}]},"success":true,"errorCode":10000,"errorText":"NoError","id":"%[1]s","stackTrace":null}]}`,
		meterID, resolution, start.Format(time.RFC3339), end.Format(time.RFC3339), strings.Join(points, ",")))
}

// ChargesDocument returns a charges response with one of each charge type.
func ChargesDocument(meterID string) []byte {
	return []byte(fmt.Sprintf(`{"result":[{"result":{"meteringPointId":"%[1]s","fees":[{"name":"Gebyr","description":"Fee","owner":"5790000000000","validFromDate":"2023-01-01T00:00:00+01:00","validToDate":null,"periodType":"P1M","price":10.5,"quantity":1}],"subscriptions":[{"name":"Net abonnement","description":"Subscription","owner":"5790000000000","validFromDate":"2023-01-01T00:00:00+01:00","validToDate":null,"periodType":"P1M","price":23.2,"quantity":1}],"tariffs":[{"name":"Nettarif","description":"Tariff","owner":"5790000000000","validFromDate":"2023-01-01T00:00:00+01:00","validToDate":null,"periodType":"P1D","prices":[{"position":"1","price":0.1101},{"position":"2","price":0.1101}]}]},"success":true,"errorCode":10000,"errorText":"NoError","id":"%[1]s","stackTrace":null}]}`, meterID))
}

// FailedDocument returns a response reporting an error for the meter.
func FailedDocument(meterID string, code int, text string) []byte {
	return []byte(fmt.Sprintf(`{"result":[{"result":null,"success":false,"errorCode":%d,"errorText":"%s","id":"%s","stackTrace":null}]}`, code, text, meterID))
}
