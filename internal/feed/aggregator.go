package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// aggregatorABI is the read surface of a Chainlink AggregatorV3Interface.
const aggregatorABI = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("feed: parse aggregator abi: %v", err))
	}
	return parsed
}

// ContractCaller is the subset of *ethclient.Client used for eth_call.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RoundData is one answer reported by an aggregator.
type RoundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// Aggregator polls an on-chain price aggregator and records each new answer.
type Aggregator struct {
	caller   ContractCaller
	address  common.Address
	recorder Recorder
	source   string
	logger   *slog.Logger
}

// NewAggregator creates a poller for the aggregator contract at address.
func NewAggregator(caller ContractCaller, address common.Address, recorder Recorder, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		caller:   caller,
		address:  address,
		recorder: recorder,
		source:   "aggregator:" + address.Hex(),
		logger:   logger.With(slog.String("component", "feed_aggregator")),
	}
}

// Decimals returns the number of decimals the aggregator answers in.
func (a *Aggregator) Decimals(ctx context.Context) (uint8, error) {
	out, err := a.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("feed: decimals: unexpected type %T", out[0])
	}
	return d, nil
}

// Latest reads latestRoundData.
func (a *Aggregator) Latest(ctx context.Context) (RoundData, error) {
	out, err := a.call(ctx, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	if len(out) != 5 {
		return RoundData{}, fmt.Errorf("feed: latestRoundData: %d outputs", len(out))
	}
	roundID, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updatedAt, ok3 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return RoundData{}, fmt.Errorf("feed: latestRoundData: unexpected output types")
	}
	return RoundData{
		RoundID:   roundID,
		Answer:    answer,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// Poll reads the latest answer once and records it.
func (a *Aggregator) Poll(ctx context.Context) error {
	rd, err := a.Latest(ctx)
	if err != nil {
		return err
	}
	if rd.Answer.Sign() <= 0 {
		return fmt.Errorf("feed: aggregator round %s answered %s: %w", rd.RoundID, rd.Answer, domain.ErrInvalidPrice)
	}
	value, overflow := uint256.FromBig(rd.Answer)
	if overflow {
		return fmt.Errorf("feed: aggregator answer overflows: %w", domain.ErrInvalidPrice)
	}
	record(ctx, a.recorder, a.logger, *value, rd.UpdatedAt, a.source)
	return nil
}

// RunLoop polls immediately and then on every interval until ctx is done.
func (a *Aggregator) RunLoop(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "aggregator poller started",
		slog.String("address", a.address.Hex()),
		slog.Duration("interval", interval),
	)
	if err := a.Poll(ctx); err != nil {
		a.logger.Error("aggregator poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Poll(ctx); err != nil {
				a.logger.Error("aggregator poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Aggregator) call(ctx context.Context, method string) ([]any, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("feed: pack %s: %w", method, err)
	}
	raw, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: call %s: %w", method, err)
	}
	out, err := parsedAggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("feed: unpack %s: %w", method, err)
	}
	return out, nil
}
