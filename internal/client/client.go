// Package client loads mining events from a live chain over RPC.
package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	tmtypes "github.com/cometbft/cometbft/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// EventSource supplies the mining events of an analysis window
type EventSource interface {
	Events(ctx context.Context) (types.EventSeries, error)
	Close() error
}

// BlockchainClient interface for blockchain interactions
type BlockchainClient interface {
	GetLatestBlockHeight(ctx context.Context) (int64, error)
	GetBlockByHeight(ctx context.Context, height int64) (*types.MiningEvent, error)
	GetBlockRange(ctx context.Context, startHeight, endHeight int64) ([]types.MiningEvent, error)
	Close() error
}

// maxConcurrent bounds in-flight block requests
const maxConcurrent = 10

// CometBFTClient implements BlockchainClient for CometBFT chains. The block
// proposer is the miner label.
type CometBFTClient struct {
	config *types.SourceConfig
	client *rpchttp.HTTP
}

// NewCometBFTClient creates a new CometBFT RPC client
func NewCometBFTClient(config *types.SourceConfig) (*CometBFTClient, error) {
	if config.RPCEndpoint == "" {
		return nil, fmt.Errorf("RPC endpoint is required")
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client, err := rpchttp.NewWithTimeout(config.RPCEndpoint, "/websocket", uint(config.Timeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	return &CometBFTClient{
		config: config,
		client: client,
	}, nil
}

// GetLatestBlockHeight gets the latest block height
func (c *CometBFTClient) GetLatestBlockHeight(ctx context.Context) (int64, error) {
	status, err := c.client.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get status: %w", err)
	}

	return status.SyncInfo.LatestBlockHeight, nil
}

// GetBlockByHeight gets block information by height
func (c *CometBFTClient) GetBlockByHeight(ctx context.Context, height int64) (*types.MiningEvent, error) {
	blockResult, err := c.client.Block(ctx, &height)
	if err != nil {
		return nil, fmt.Errorf("failed to get block at height %d: %w", height, err)
	}

	if blockResult == nil || blockResult.Block == nil {
		return nil, fmt.Errorf("nil block result at height %d", height)
	}

	ev := toEvent(blockResult.Block)
	return &ev, nil
}

// GetBlockRange gets a range of blocks ordered by height
func (c *CometBFTClient) GetBlockRange(ctx context.Context, startHeight, endHeight int64) ([]types.MiningEvent, error) {
	if startHeight > endHeight {
		return nil, fmt.Errorf("invalid range: start height %d > end height %d", startHeight, endHeight)
	}

	blocks := make([]types.MiningEvent, endHeight-startHeight+1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for height := startHeight; height <= endHeight; height++ {
		g.Go(func() error {
			ev, err := c.GetBlockByHeight(ctx, height)
			if err != nil {
				return err
			}
			blocks[height-startHeight] = *ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

// Close stops the websocket side of the client if it was started
func (c *CometBFTClient) Close() error {
	if c.client != nil && c.client.IsRunning() {
		return c.client.Stop()
	}
	return nil
}

func toEvent(block *tmtypes.Block) types.MiningEvent {
	return types.MiningEvent{
		Height: block.Height,
		Time:   block.Time,
		Hash:   block.Hash().String(),
		Miner:  block.ProposerAddress.String(),
	}
}

// ChainSource loads proposer events from a BlockchainClient
type ChainSource struct {
	client BlockchainClient
	config *types.SourceConfig
	logger *zap.Logger
}

// NewChainSource creates a source reading either the configured height range or the
// latest SampleSize blocks
func NewChainSource(client BlockchainClient, config *types.SourceConfig, logger *zap.Logger) *ChainSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SampleSize <= 0 {
		config.SampleSize = 1000
	}
	return &ChainSource{client: client, config: config, logger: logger}
}

// Events fetches the blocks of the window
func (s *ChainSource) Events(ctx context.Context) (types.EventSeries, error) {
	startHeight, endHeight := s.config.StartHeight, s.config.EndHeight
	if startHeight <= 0 || endHeight <= 0 {
		latest, err := s.client.GetLatestBlockHeight(ctx)
		if err != nil {
			return types.EventSeries{}, fmt.Errorf("failed to get latest height: %w", err)
		}
		endHeight = latest
		startHeight = max(latest-int64(s.config.SampleSize)+1, 1)
	}

	blocks, err := s.client.GetBlockRange(ctx, startHeight, endHeight)
	if err != nil {
		return types.EventSeries{}, fmt.Errorf("failed to get blocks: %w", err)
	}

	s.logger.Info("loaded chain blocks",
		zap.Int64("start_height", startHeight),
		zap.Int64("end_height", endHeight),
		zap.Int("events", len(blocks)))

	return types.EventSeries{
		Name:   fmt.Sprintf("blocks %d-%d", startHeight, endHeight),
		Events: blocks,
	}, nil
}

// Close closes the underlying client
func (s *ChainSource) Close() error { return s.client.Close() }
