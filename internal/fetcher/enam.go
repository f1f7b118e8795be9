package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

const enamDateLayout = "2006-01-02"

// ENAMOptions parameterise the e-NAM fetcher.
type ENAMOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Location  *time.Location
}

// ENAM fetches trade data from the national electronic agriculture market.
// Prices may be quoted per kg or per quintal depending on the APMC.
type ENAM struct {
	opts    ENAMOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewENAM constructs an e-NAM fetcher.
func NewENAM(opts ENAMOptions, logger zerolog.Logger) *ENAM {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://enam.gov.in/web/api"
	}
	return &ENAM{
		opts:    opts,
		logger:  logger.With().Str("component", "enam_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// ID implements Source.
func (e *ENAM) ID() market.SourceID { return SourceENAM }

// Fetch implements Source. location filters by state.
func (e *ENAM) Fetch(ctx context.Context, commodity, location string) ([]market.Observation, error) {
	query := url.Values{}
	query.Set("commodity", upstreamCommodity(commodity))
	if loc := strings.TrimSpace(location); loc != "" {
		query.Set("state", upstreamCommodity(loc))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/trade-data?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if e.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", e.opts.APIKey)
	}
	setUserAgent(req, e.opts.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: enam: %w", market.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: enam read body: %w", market.ErrSourceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("enam", resp.StatusCode, payload)
	}

	var body enamResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: enam decode: %w", market.ErrSourceUnavailable, err)
	}

	key := market.NormalizeCommodity(commodity)
	out := make([]market.Observation, 0, len(body.Data))
	for _, row := range body.Data {
		obs, err := e.observation(key, row)
		if err != nil {
			e.logger.Debug().Err(err).Str("apmc", row.APMC).Msg("trade row skipped")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func (e *ENAM) observation(commodity string, row enamTrade) (market.Observation, error) {
	if !row.ModalPrice.set {
		if row.ModalPrice.invalid != "" {
			return market.Observation{}, fmt.Errorf("unparseable modal price %q", row.ModalPrice.invalid)
		}
		return market.Observation{}, fmt.Errorf("missing modal price")
	}
	observedAt, err := time.ParseInLocation(enamDateLayout, strings.TrimSpace(row.TradeDate), e.opts.Location)
	if err != nil {
		return market.Observation{}, fmt.Errorf("parse trade date: %w", err)
	}

	modal, err := toQuintal(row.ModalPrice.value, row.PriceUnit)
	if err != nil {
		return market.Observation{}, err
	}
	minPrice, maxPrice := modal, modal
	if row.MinPrice.set {
		if minPrice, err = toQuintal(row.MinPrice.value, row.PriceUnit); err != nil {
			return market.Observation{}, err
		}
	}
	if row.MaxPrice.set {
		if maxPrice, err = toQuintal(row.MaxPrice.value, row.PriceUnit); err != nil {
			return market.Observation{}, err
		}
	}

	return market.Observation{
		Source:     SourceENAM,
		Commodity:  commodity,
		Market:     strings.TrimSpace(row.APMC),
		MinPrice:   minPrice.InexactFloat64(),
		MaxPrice:   maxPrice.InexactFloat64(),
		ModalPrice: modal.InexactFloat64(),
		Arrivals:   row.ArrivalQuantity.Float(),
		ObservedAt: observedAt.UTC(),
	}, nil
}

type enamResponse struct {
	Data []enamTrade `json:"data"`
}

type enamTrade struct {
	Commodity       string `json:"commodity"`
	APMC            string `json:"apmc"`
	State           string `json:"state"`
	MinPrice        number `json:"minPrice"`
	MaxPrice        number `json:"maxPrice"`
	ModalPrice      number `json:"modalPrice"`
	ArrivalQuantity number `json:"arrivalQuantity"`
	PriceUnit       string `json:"priceUnit"`
	TradeDate       string `json:"tradeDate"`
}

var _ Source = (*ENAM)(nil)
