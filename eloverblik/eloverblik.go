// Package eloverblik implements a client for the eloverblik.dk customer API
// to list metering points and download their usage and charges.
//
// See https://api.eloverblik.dk/CustomerApi/swagger/index.html
package eloverblik

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/lorentz83/eloverblik/credentials"
	"github.com/lorentz83/eloverblik/period"
	"github.com/lorentz83/eloverblik/rest"
)

const (
	// DefaultBaseURL is the root of the customer API.
	DefaultBaseURL = "https://api.eloverblik.dk/CustomerApi/api/"

	// DataAccessTokenKey is the credentials.Store key of the cached data access token.
	DataAccessTokenKey = "data_access_token"

	// DataAccessTokenTTL is how long a data access token is reused.
	// The API issues tokens valid for 24 hours.
	DataAccessTokenTTL = 22 * time.Hour

	// MaxDays is the longest period served by a single time series or charges request.
	MaxDays = 730

	userAgent = "eloverblik-go"
)

// Aggregations accepted by TimeSeries.
var Aggregations = []string{"Actual", "Quarter", "Hour", "Day", "Month", "Year"}

// ValidAggregation reports if a is one of Aggregations.
func ValidAggregation(a string) bool {
	for _, v := range Aggregations {
		if v == a {
			return true
		}
	}
	return false
}

// ErrNotAuthenticated is returned when a data call happens before Authenticate.
var ErrNotAuthenticated = errors.New("not authenticated")

// ResultError is a failure reported inside a successful response, one per metering point.
type ResultError struct {
	ID   string
	Code int
	Text string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("api error for metering point %s: %d %s", e.ID, e.Code, e.Text)
}

// MeteringPoint is a meter registered to the account.
type MeteringPoint struct {
	ID                     string `json:"meteringPointId"`
	Type                   string `json:"typeOfMP"`
	BalanceSupplierName    string `json:"balanceSupplierName"`
	StreetName             string `json:"streetName"`
	BuildingNumber         string `json:"buildingNumber"`
	FloorID                string `json:"floorId"`
	RoomID                 string `json:"roomId"`
	Postcode               string `json:"postcode"`
	CityName               string `json:"cityName"`
	SettlementMethod       string `json:"settlementMethod"`
	MeterReadingOccurrence string `json:"meterReadingOccurrence"`
	MeterNumber            string `json:"meterNumber"`
	ConsumerStartDate      string `json:"consumerStartDate"`
	FirstConsumerPartyName string `json:"firstConsumerPartyName"`
	HasRelation            bool   `json:"hasRelation"`
}

// Address returns the address of the metering point on a single line.
func (m MeteringPoint) Address() string {
	street := strings.TrimSpace(m.StreetName + " " + m.BuildingNumber)
	if floor := strings.TrimSpace(strings.Join([]string{m.FloorID, m.RoomID}, " ")); floor != "" {
		street += ", " + floor
	}
	city := strings.TrimSpace(m.Postcode + " " + m.CityName)
	switch {
	case street == "":
		return city
	case city == "":
		return street
	}
	return street + ", " + city
}

// cachedToken is the JSON saved under DataAccessTokenKey.
type cachedToken struct {
	Token      string    `json:"token"`
	ObtainedAt time.Time `json:"obtained_at"`
}

// Client connects to eloverblik.dk.
type Client struct {
	rc       *rest.Client
	restOpts []rest.Option
	baseURL  string
	store    credentials.Store
	now      func() time.Time

	dataToken string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRESTOptions passes options to the underlying rest.Client.
func WithRESTOptions(opts ...rest.Option) Option {
	return func(c *Client) { c.restOpts = append(c.restOpts, opts...) }
}

// NewClient returns a new client.
//
// The store is used to cache the data access token between runs.
func NewClient(store credentials.Store, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: DefaultBaseURL,
		store:   store,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	rc, err := rest.NewClient(userAgent, c.restOpts...)
	if err != nil {
		return nil, err
	}
	c.rc = rc
	return c, nil
}

// Authenticate obtains the data access token used by all the other calls.
//
// The refresh token is the one created by the user on the eloverblik.dk portal.
// A data access token younger than DataAccessTokenTTL is reused without
// contacting the API.
func (c *Client) Authenticate(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return errors.New("missing refresh token")
	}

	if tok, ok := c.cachedDataToken(); ok {
		log.Println("Existing data access token found. Using this token.")
		c.dataToken = tok
		return nil
	}

	log.Println("Checking API status...")
	alive, err := c.IsAlive(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return errors.New("the eloverblik.dk API reports that it is down")
	}

	log.Println("Getting data access token...")
	obtained := c.now()
	var rsp struct {
		Result string `json:"result"`
	}
	if err := c.get(ctx, "token", refreshToken, &rsp); err != nil {
		return fmt.Errorf("cannot get data access token: %w", err)
	}
	if rsp.Result == "" {
		return errors.New("cannot get data access token: empty token in response")
	}

	b, err := sonic.Marshal(cachedToken{Token: rsp.Result, ObtainedAt: obtained})
	if err != nil {
		return err
	}
	if err := c.store.Set(DataAccessTokenKey, string(b)); err != nil {
		return err
	}
	c.dataToken = rsp.Result
	return nil
}

func (c *Client) cachedDataToken() (string, bool) {
	v, err := c.store.Get(DataAccessTokenKey)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotFound) {
			log.Printf("Ignoring cached data access token: %v", err)
		}
		return "", false
	}
	var ct cachedToken
	if err := sonic.Unmarshal([]byte(v), &ct); err != nil || ct.Token == "" {
		log.Println("Ignoring unreadable cached data access token")
		return "", false
	}
	// A token from the future means the clock moved back.
	if age := c.now().Sub(ct.ObtainedAt); age < 0 || age > DataAccessTokenTTL {
		return "", false
	}
	return ct.Token, true
}

// ForgetDataAccessToken removes the cached data access token, forcing a new
// one on the next Authenticate.
func (c *Client) ForgetDataAccessToken() error {
	c.dataToken = ""
	return c.store.Delete(DataAccessTokenKey)
}

// dropRejectedToken forgets the data access token if the API refused it,
// the next run gets a new one.
func (c *Client) dropRejectedToken(err error) {
	if !rest.IsStatus(err, http.StatusUnauthorized) {
		return
	}
	log.Println("The data access token was rejected, it will be renewed on the next run")
	if err := c.ForgetDataAccessToken(); err != nil {
		log.Printf("Cannot remove the cached data access token: %v", err)
	}
}

// IsAlive checks whether the API is up.
func (c *Client) IsAlive(ctx context.Context) (bool, error) {
	var alive bool
	if err := c.get(ctx, "isalive", "", &alive); err != nil {
		return false, fmt.Errorf("cannot check API status: %w", err)
	}
	return alive, nil
}

// MeteringPoints returns the metering points of the account, in the API order.
func (c *Client) MeteringPoints(ctx context.Context) ([]MeteringPoint, error) {
	if c.dataToken == "" {
		return nil, ErrNotAuthenticated
	}
	var rsp struct {
		Result []MeteringPoint `json:"result"`
	}
	if err := c.get(ctx, "meteringpoints/meteringpoints", c.dataToken, &rsp); err != nil {
		c.dropRejectedToken(err)
		return nil, fmt.Errorf("cannot list metering points: %w", err)
	}
	return rsp.Result, nil
}

// TimeSeries downloads the usage of a metering point.
//
// It returns the raw response body, a MyEnergyData_MarketDocument per metering point.
func (c *Client) TimeSeries(ctx context.Context, meterID string, r period.Range, aggregation string) ([]byte, error) {
	if aggregation == "" {
		aggregation = "Actual"
	}
	if !ValidAggregation(aggregation) {
		return nil, fmt.Errorf("invalid aggregation %q", aggregation)
	}
	path := fmt.Sprintf("meterdata/gettimeseries/%s/%s/%s", r.From, r.EndExclusive(), aggregation)
	b, err := c.postMeteringPoints(ctx, path, meterID)
	if err != nil {
		return nil, fmt.Errorf("cannot download time series of %s: %w", meterID, err)
	}
	return b, nil
}

// Charges downloads the fees, subscriptions and tariffs of a metering point.
func (c *Client) Charges(ctx context.Context, meterID string) ([]byte, error) {
	b, err := c.postMeteringPoints(ctx, "meteringpoints/meteringpoint/getcharges", meterID)
	if err != nil {
		return nil, fmt.Errorf("cannot download charges of %s: %w", meterID, err)
	}
	return b, nil
}

type meteringPointsRequest struct {
	MeteringPoints struct {
		MeteringPoint []string `json:"meteringPoint"`
	} `json:"meteringPoints"`
}

// resultStatus is the part of every item of a POST response reporting errors.
type resultStatus struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"errorCode"`
	ErrorText string `json:"errorText"`
	ID        string `json:"id"`
}

func (c *Client) postMeteringPoints(ctx context.Context, path, meterID string) ([]byte, error) {
	if c.dataToken == "" {
		return nil, ErrNotAuthenticated
	}
	if meterID == "" {
		return nil, errors.New("missing metering point id")
	}

	var body meteringPointsRequest
	body.MeteringPoints.MeteringPoint = []string{meterID}

	rsp, err := c.rc.Do(ctx, rest.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + path,
		Header: rest.BearerHeader(c.dataToken),
		Body:   body,
	})
	if err != nil {
		c.dropRejectedToken(err)
		return nil, err
	}

	var status struct {
		Result []resultStatus `json:"result"`
	}
	if err := rest.DecodeJSON(rsp.Body, &status); err != nil {
		return nil, err
	}
	for _, s := range status.Result {
		if !s.Success {
			id := s.ID
			if id == "" {
				id = meterID
			}
			return nil, &ResultError{ID: id, Code: s.ErrorCode, Text: s.ErrorText}
		}
	}
	return rsp.Body, nil
}

func (c *Client) get(ctx context.Context, path, token string, v any) error {
	req := rest.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
	}
	if token != "" {
		req.Header = rest.BearerHeader(token)
	}
	rsp, err := c.rc.Do(ctx, req)
	if err != nil {
		return err
	}
	return rest.DecodeJSON(rsp.Body, v)
}
