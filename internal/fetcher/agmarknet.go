package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

const (
	agmarknetDateLayout = "02/01/2006"
	// Daily mandi prices resource on data.gov.in.
	defaultAgmarknetResource = "9ef84268-d588-465a-a308-a864a43d0070"
)

// AgmarknetOptions parameterise the Agmarknet fetcher.
type AgmarknetOptions struct {
	BaseURL   string
	APIKey    string
	Resource  string
	Limit     int
	Timeout   time.Duration
	UserAgent string
	Location  *time.Location
}

// Agmarknet fetches daily mandi prices published through data.gov.in. The
// upstream encodes every number as a string and quotes prices in Rs/quintal.
type Agmarknet struct {
	opts    AgmarknetOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAgmarknet constructs an Agmarknet fetcher.
func NewAgmarknet(opts AgmarknetOptions, logger zerolog.Logger) *Agmarknet {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Resource == "" {
		opts.Resource = defaultAgmarknetResource
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.data.gov.in"
	}

	return &Agmarknet{
		opts:    opts,
		logger:  logger.With().Str("component", "agmarknet_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// ID implements Source.
func (a *Agmarknet) ID() market.SourceID { return SourceAgmarknet }

// Fetch implements Source. location filters by state.
func (a *Agmarknet) Fetch(ctx context.Context, commodity, location string) ([]market.Observation, error) {
	if a.opts.APIKey == "" {
		return nil, fmt.Errorf("%w: agmarknet api key not configured", market.ErrSourceUnavailable)
	}

	query := url.Values{}
	query.Set("api-key", a.opts.APIKey)
	query.Set("format", "json")
	query.Set("limit", strconv.Itoa(a.opts.Limit))
	query.Set("filters[commodity]", upstreamCommodity(commodity))
	if loc := strings.TrimSpace(location); loc != "" {
		query.Set("filters[state]", upstreamCommodity(loc))
	}

	endpoint := a.baseURL + "/resource/" + a.opts.Resource + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	setUserAgent(req, a.opts.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: agmarknet: %w", market.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: agmarknet read body: %w", market.ErrSourceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("agmarknet", resp.StatusCode, payload)
	}

	var body agmarknetResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: agmarknet decode: %w", market.ErrSourceUnavailable, err)
	}

	key := market.NormalizeCommodity(commodity)
	out := make([]market.Observation, 0, len(body.Records))
	for _, rec := range body.Records {
		obs, ok := a.observation(key, rec)
		if !ok {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func (a *Agmarknet) observation(commodity string, rec agmarknetRecord) (market.Observation, bool) {
	if !rec.ModalPrice.set {
		a.logger.Debug().Str("market", rec.Market).Str("modal_price", rec.ModalPrice.invalid).Msg("record without modal price skipped")
		return market.Observation{}, false
	}
	observedAt, err := time.ParseInLocation(agmarknetDateLayout, strings.TrimSpace(rec.ArrivalDate), a.opts.Location)
	if err != nil {
		a.logger.Debug().Err(err).Str("arrival_date", rec.ArrivalDate).Msg("record with bad date skipped")
		return market.Observation{}, false
	}

	modal := rec.ModalPrice.Float()
	minPrice, maxPrice := rec.MinPrice.Float(), rec.MaxPrice.Float()
	if !rec.MinPrice.set {
		minPrice = modal
	}
	if !rec.MaxPrice.set {
		maxPrice = modal
	}

	return market.Observation{
		Source:     SourceAgmarknet,
		Commodity:  commodity,
		Market:     strings.TrimSpace(rec.Market),
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		ModalPrice: modal,
		Arrivals:   rec.Arrivals.Float(),
		ObservedAt: observedAt.UTC(),
	}, true
}

type agmarknetResponse struct {
	Status  string            `json:"status"`
	Total   int               `json:"total"`
	Records []agmarknetRecord `json:"records"`
}

type agmarknetRecord struct {
	State       string `json:"state"`
	District    string `json:"district"`
	Market      string `json:"market"`
	Commodity   string `json:"commodity"`
	Variety     string `json:"variety"`
	ArrivalDate string `json:"arrival_date"`
	MinPrice    number `json:"min_price"`
	MaxPrice    number `json:"max_price"`
	ModalPrice  number `json:"modal_price"`
	Arrivals    number `json:"arrivals_in_qtl"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", market.ErrSourceUnavailable, source, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", market.ErrSourceUnavailable, source, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: %s api error (%d): %s", market.ErrSourceUnavailable, source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: %s api error (%d)", market.ErrSourceUnavailable, source, status)
}

func setUserAgent(req *http.Request, ua string) {
	if ua = strings.TrimSpace(ua); ua != "" {
		req.Header.Set("User-Agent", ua)
		return
	}
	req.Header.Set("User-Agent", "pricewatch/1.0")
}

var _ Source = (*Agmarknet)(nil)
