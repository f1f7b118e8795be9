package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mandi-price-engine/internal/market"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ChainlinkFeed binds a commodity to an on-chain aggregator. Scale converts
// the feed's unit into Rs/quintal.
type ChainlinkFeed struct {
	Commodity string
	Address   string
	Scale     float64
	Market    string
}

// ChainlinkOptions parameterise the on-chain fetcher.
type ChainlinkOptions struct {
	RPCURL  string
	Feeds   []ChainlinkFeed
	MaxAge  time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

// Chainlink reads commodity reference prices from AggregatorV3 feeds over
// Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	feeds     map[string]ChainlinkFeed
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[common.Address]uint8
}

// NewChainlink builds a new on-chain fetcher.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	feeds := make(map[string]ChainlinkFeed, len(opts.Feeds))
	for _, f := range opts.Feeds {
		feeds[market.NormalizeCommodity(f.Commodity)] = f
	}
	return &Chainlink{
		opts:     opts,
		feeds:    feeds,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: make(map[common.Address]uint8),
	}
}

// ID implements Source.
func (c *Chainlink) ID() market.SourceID { return SourceChainlink }

// Fetch implements Source. Commodities without a configured feed yield no
// observations. location is ignored; feeds are national reference prices.
func (c *Chainlink) Fetch(ctx context.Context, commodity, _ string) ([]market.Observation, error) {
	if c.opts.RPCURL == "" {
		return nil, fmt.Errorf("%w: ethereum rpc url not configured", market.ErrSourceUnavailable)
	}
	key := market.NormalizeCommodity(commodity)
	feed, ok := c.feeds[key]
	if !ok {
		return nil, nil
	}
	if !common.IsHexAddress(feed.Address) {
		return nil, fmt.Errorf("%w: invalid feed address %q", market.ErrSourceUnavailable, feed.Address)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %w", market.ErrSourceUnavailable, err)
	}

	addr := common.HexToAddress(feed.Address)
	decimals, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: chainlink decimals: %w", market.ErrSourceUnavailable, err)
	}

	answer, updatedAt, err := latestRound(ctx, client, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: chainlink latestRoundData: %w", market.ErrSourceUnavailable, err)
	}
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chainlink answer not positive", market.ErrSourceUnavailable)
	}
	if c.opts.MaxAge > 0 && c.opts.Now().Sub(updatedAt) > c.opts.MaxAge {
		return nil, fmt.Errorf("%w: chainlink round stale since %s", market.ErrSourceUnavailable, updatedAt.Format(time.RFC3339))
	}

	scale := decimal.NewFromFloat(feed.Scale)
	if feed.Scale <= 0 {
		scale = decimal.NewFromInt(1)
	}
	price := decimal.NewFromBigInt(answer, -int32(decimals)).Mul(scale).InexactFloat64()

	return []market.Observation{{
		Source:     SourceChainlink,
		Commodity:  key,
		Market:     feed.Market,
		MinPrice:   price,
		MaxPrice:   price,
		ModalPrice: price,
		ObservedAt: updatedAt.UTC(),
	}}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	c.decimalsMux.Lock()
	d, ok := c.decimals[addr]
	c.decimalsMux.Unlock()
	if ok {
		return d, nil
	}

	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok = outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMux.Lock()
	c.decimals[addr] = d
	c.decimalsMux.Unlock()
	return d, nil
}

func latestRound(ctx context.Context, client *ethclient.Client, addr common.Address) (*big.Int, time.Time, error) {
	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(outputs) != 5 {
		return nil, time.Time{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, errors.New("failed to decode answer")
	}
	updated, ok := outputs[3].(*big.Int)
	if !ok {
		return nil, time.Time{}, errors.New("failed to decode updatedAt")
	}
	return answer, time.Unix(updated.Int64(), 0), nil
}

func call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *Chainlink) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ Source = (*Chainlink)(nil)
