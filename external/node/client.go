package node

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Aura tags its slot claim as a PreRuntime digest item under the "aura"
// engine id.
var auraEngineID = types.ConsensusEngineID(binary.LittleEndian.Uint32([]byte("aura")))

// Client is the RPC surface of one Substrate node running Aura. It exposes
// exactly the capabilities the watcher consumes: key confirmation, the
// current authority set, chain constants and the two head subscriptions.
type Client struct {
	api            *gsrpc.SubstrateAPI
	meta           *types.Metadata
	authoritiesKey types.StorageKey
	timestampKey   types.StorageKey
	logger         *zap.SugaredLogger
}

func NewClient(wsURL string, logger *zap.SugaredLogger) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(wsURL)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to node [%s]", wsURL)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, errors.Wrap(err, "getting metadata")
	}
	authoritiesKey, err := types.CreateStorageKey(meta, "Aura", "Authorities")
	if err != nil {
		return nil, errors.Wrap(err, "creating Aura.Authorities storage key")
	}
	timestampKey, err := types.CreateStorageKey(meta, "Timestamp", "Now")
	if err != nil {
		return nil, errors.Wrap(err, "creating Timestamp.Now storage key")
	}

	logger.Infow("connected to node", "url", wsURL)
	return &Client{
		api:            api,
		meta:           meta,
		authoritiesKey: authoritiesKey,
		timestampKey:   timestampKey,
		logger:         logger,
	}, nil
}

// HasAuraKey asks the node whether it holds the private key for the given
// Aura public key.
func (c *Client) HasAuraKey(_ context.Context, key entities.PublicKey) (bool, error) {
	var has bool
	if err := c.api.Client.Call(&has, "author_hasKey", key.Hex(), "aura"); err != nil {
		return false, errors.Wrap(err, "calling author_hasKey")
	}
	return has, nil
}

// Authorities returns the ordered Aura authority set at the best head.
func (c *Client) Authorities(_ context.Context) ([]entities.PublicKey, error) {
	var raw []types.AccountID
	ok, err := c.api.RPC.State.GetStorageLatest(c.authoritiesKey, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "reading Aura.Authorities")
	}
	if !ok {
		return nil, nil
	}

	keys := make([]entities.PublicKey, len(raw))
	for i, authority := range raw {
		keys[i] = entities.PublicKey(authority)
	}
	return keys, nil
}

// SlotDuration reads the Aura SlotDuration runtime constant.
func (c *Client) SlotDuration(_ context.Context) (time.Duration, error) {
	raw, err := c.meta.FindConstantValue("Aura", "SlotDuration")
	if err != nil {
		return 0, errors.Wrap(err, "finding Aura.SlotDuration constant")
	}
	var ms types.U64
	if err := codec.Decode(raw, &ms); err != nil {
		return 0, errors.Wrap(err, "decoding Aura.SlotDuration constant")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// BestHead returns the current best head as a fully resolved head event.
func (c *Client) BestHead(ctx context.Context) (entities.HeadEvent, error) {
	hash, err := c.api.RPC.Chain.GetBlockHashLatest()
	if err != nil {
		return entities.HeadEvent{}, errors.Wrap(err, "getting best block hash")
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return entities.HeadEvent{}, errors.Wrap(err, "getting best header")
	}
	return c.headEvent(ctx, *header, hash)
}

// SubscribeBestHeads streams best head events until the context is
// cancelled. Failures surface on the error channel and end the stream; the
// caller owns reconnection.
func (c *Client) SubscribeBestHeads(ctx context.Context) (<-chan entities.HeadEvent, <-chan error, error) {
	sub, err := c.api.RPC.Chain.SubscribeNewHeads()
	if err != nil {
		return nil, nil, errors.Wrap(err, "subscribing to new heads")
	}

	events := make(chan entities.HeadEvent)
	errs := make(chan error, 1)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				errs <- errors.Wrap(err, "best head subscription")
				return
			case header, ok := <-sub.Chan():
				if !ok {
					errs <- errors.New("best head subscription closed")
					return
				}
				hash, err := c.api.RPC.Chain.GetBlockHash(uint64(header.Number))
				if err != nil {
					errs <- errors.Wrap(err, "getting block hash")
					return
				}
				ev, err := c.headEvent(ctx, header, hash)
				if err != nil {
					errs <- err
					return
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, errs, nil
}

// SubscribeFinalizedHeads streams finalized head events until the context is
// cancelled.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (<-chan entities.FinalityEvent, <-chan error, error) {
	sub, err := c.api.RPC.Chain.SubscribeFinalizedHeads()
	if err != nil {
		return nil, nil, errors.Wrap(err, "subscribing to finalized heads")
	}

	events := make(chan entities.FinalityEvent)
	errs := make(chan error, 1)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				errs <- errors.Wrap(err, "finalized head subscription")
				return
			case header, ok := <-sub.Chan():
				if !ok {
					errs <- errors.New("finalized head subscription closed")
					return
				}
				hash, err := c.api.RPC.Chain.GetBlockHash(uint64(header.Number))
				if err != nil {
					errs <- errors.Wrap(err, "getting finalized block hash")
					return
				}
				ev := entities.FinalityEvent{Number: uint64(header.Number), Hash: hash.Hex()}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, errs, nil
}

func (c *Client) headEvent(ctx context.Context, header types.Header, hash types.Hash) (entities.HeadEvent, error) {
	timestamp, err := c.timestampAt(hash)
	if err != nil {
		return entities.HeadEvent{}, err
	}

	slot, ok := auraSlot(header)
	if !ok {
		// a header without an Aura digest (e.g. genesis): fall back to
		// timestamp / slot duration
		duration, err := c.SlotDuration(ctx)
		if err != nil {
			return entities.HeadEvent{}, err
		}
		slot = uint64(timestamp.UnixMilli()) / uint64(duration.Milliseconds())
		c.logger.Debugw("no aura digest in header, derived slot from timestamp",
			"block", uint64(header.Number), "slot", slot)
	}

	return entities.HeadEvent{
		Number:    uint64(header.Number),
		Hash:      hash.Hex(),
		Slot:      slot,
		Timestamp: timestamp,
	}, nil
}

func (c *Client) timestampAt(hash types.Hash) (time.Time, error) {
	var ms types.U64
	ok, err := c.api.RPC.State.GetStorage(c.timestampKey, &ms, hash)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading Timestamp.Now")
	}
	if !ok {
		return time.Now().UTC(), nil
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func auraSlot(header types.Header) (uint64, bool) {
	for _, item := range header.Digest {
		if !item.IsPreRuntime {
			continue
		}
		pre := item.AsPreRuntime
		if pre.ConsensusEngineID != auraEngineID || len(pre.Bytes) < 8 {
			continue
		}
		return binary.LittleEndian.Uint64(pre.Bytes[:8]), true
	}
	return 0, false
}
