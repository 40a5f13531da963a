package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// Only the leading static words of ReserveData are declared; the rest of the
// tuple is ignored on decode.
const aavePoolABIJSON = `[{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getReserveData","outputs":[
{"internalType":"uint256","name":"configuration","type":"uint256"},
{"internalType":"uint128","name":"liquidityIndex","type":"uint128"},
{"internalType":"uint128","name":"currentLiquidityRate","type":"uint128"},
{"internalType":"uint128","name":"variableBorrowIndex","type":"uint128"},
{"internalType":"uint128","name":"currentVariableBorrowRate","type":"uint128"}
],"stateMutability":"view","type":"function"}]`

const secondsPerYear = 365 * 24 * 60 * 60

var aavePoolABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aavePoolABIJSON))
	if err != nil {
		panic("failed to parse Aave pool ABI: " + err.Error())
	}
	aavePoolABI = parsed
}

// ContractCaller is the read-only slice of an Ethereum client used here.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialFunc opens a ContractCaller for an RPC URL.
type DialFunc func(ctx context.Context, rawURL string) (ContractCaller, error)

func dialEthereum(ctx context.Context, rawURL string) (ContractCaller, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// AaveOptions parameterise the on-chain connector.
type AaveOptions struct {
	Credentials CredentialSource
	PoolAddress string
	// Reserves maps asset ticker to reserve token address.
	Reserves map[string]string
	Timeout  time.Duration
	Now      func() time.Time
	Dial     DialFunc
}

// Aave reads supply rates of Aave V3 reserves straight from the pool contract.
// The RPC URL is resolved per call as the source's credential.
type Aave struct {
	name     string
	pool     common.Address
	reserves []aaveReserve
	timeout  time.Duration
	creds    CredentialSource
	now      func() time.Time
	dial     DialFunc
	logger   zerolog.Logger

	clientMux sync.Mutex
	client    ContractCaller
	clientURL string
}

type aaveReserve struct {
	asset   string
	address common.Address
}

// NewAave builds the Aave V3 connector.
func NewAave(opts AaveOptions, logger zerolog.Logger) *Aave {
	reserves := make([]aaveReserve, 0, len(opts.Reserves))
	for asset, addr := range opts.Reserves {
		if !common.IsHexAddress(addr) {
			logger.Warn().Str("asset", asset).Str("address", addr).Msg("ignoring invalid reserve address")
			continue
		}
		reserves = append(reserves, aaveReserve{asset: strings.ToUpper(asset), address: common.HexToAddress(addr)})
	}
	sort.Slice(reserves, func(i, j int) bool { return reserves[i].asset < reserves[j].asset })

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialEthereum
	}
	creds := opts.Credentials
	if creds == nil {
		creds = StaticCredentials{}
	}

	return &Aave{
		name:     "aave",
		pool:     common.HexToAddress(opts.PoolAddress),
		reserves: reserves,
		timeout:  timeout,
		creds:    creds,
		now:      now,
		dial:     dial,
		logger:   logger.With().Str("component", "connector").Str("source", "aave").Logger(),
	}
}

// Name implements Connector.
func (a *Aave) Name() string { return a.name }

// Type implements Connector.
func (a *Aave) Type() storage.PlatformType { return storage.PlatformDeFi }

// Configured implements Configurable.
func (a *Aave) Configured() bool {
	return a.rpcURL() != "" && len(a.reserves) > 0
}

func (a *Aave) rpcURL() string {
	return strings.TrimSpace(a.creds.Lookup(a.name).Endpoint)
}

// Fetch implements Connector.
func (a *Aave) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	rpcURL := a.rpcURL()
	if rpcURL == "" || len(a.reserves) == 0 {
		a.logger.Debug().Err(ErrMissingCredentials).Msg("source not configured, skipping")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, err := a.getClient(ctx, rpcURL)
	if err != nil {
		return nil, &UpstreamHTTPError{Source: a.name, Err: err}
	}

	out := make([]storage.RateObservation, 0, len(a.reserves))
	for _, reserve := range a.reserves {
		rate, err := a.liquidityRate(ctx, client, reserve.address)
		if err != nil {
			return nil, err
		}

		// currentLiquidityRate is the supply APR in ray units.
		fraction := decimal.NewFromBigInt(rate, -27)
		apr, ok := NormalizeRate(fraction)
		if !ok {
			continue
		}

		asset := CanonicalAsset(reserve.asset)
		apy := decimal.NewFromFloat(compoundPerSecond(fraction.InexactFloat64()) * 100).Round(4)
		out = append(out, storage.RateObservation{
			Asset:        asset,
			Platform:     "Aave V3",
			PlatformType: storage.PlatformDeFi,
			Chain:        "ethereum",
			APR:          apr,
			APY:          &apy,
			LockPeriod:   LockFlexible,
			RiskLevel:    storage.RiskLow,
			Source:       "aave_v3_onchain",
			LastUpdated:  a.now().UTC(),
		})
	}
	return Dedupe(out), nil
}

func (a *Aave) liquidityRate(ctx context.Context, client ContractCaller, reserve common.Address) (*big.Int, error) {
	payload, err := aavePoolABI.Pack("getReserveData", reserve)
	if err != nil {
		return nil, &ParseError{Source: a.name, Err: err}
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.pool, Data: payload}, nil)
	if err != nil {
		return nil, &UpstreamHTTPError{Source: a.name, Err: fmt.Errorf("getReserveData %s: %w", reserve.Hex(), err)}
	}

	outputs, err := aavePoolABI.Unpack("getReserveData", res)
	if err != nil {
		return nil, &ParseError{Source: a.name, Err: err}
	}
	if len(outputs) < 3 {
		return nil, &ParseError{Source: a.name, Err: errors.New("unexpected getReserveData response")}
	}
	rate, ok := outputs[2].(*big.Int)
	if !ok {
		return nil, &ParseError{Source: a.name, Err: errors.New("failed to decode currentLiquidityRate")}
	}
	return rate, nil
}

// getClient reuses the connection until the configured URL changes.
func (a *Aave) getClient(ctx context.Context, rpcURL string) (ContractCaller, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil && a.clientURL == rpcURL {
		return a.client, nil
	}
	if closer, ok := a.client.(interface{ Close() }); ok {
		closer.Close()
	}

	client, err := a.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.clientURL = rpcURL
	return client, nil
}

func compoundPerSecond(apr float64) float64 {
	return math.Pow(1+apr/secondsPerYear, secondsPerYear) - 1
}
