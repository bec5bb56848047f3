package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

const baseURL = "http://%s/v1/node"

// Client talks to the private API of other nodes.
type Client struct {
	http *http.Client
}

// NewClient constructs a client whose requests give up after the timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// RequestSignature sends a proposed header to the peer and returns the
// header with the peer's signature merged in.
func (c *Client) RequestSignature(ctx context.Context, host string, header database.BlockHeader) (database.BlockHeader, error) {
	url := fmt.Sprintf("%s/block/propose", fmt.Sprintf(baseURL, host))

	var signed database.BlockHeader
	if err := c.send(ctx, http.MethodPost, url, header, &signed); err != nil {
		return database.BlockHeader{}, fmt.Errorf("%s: %w", host, err)
	}

	return signed, nil
}

// AnnounceBlock sends a committed header to the peer.
func (c *Client) AnnounceBlock(ctx context.Context, host string, header database.BlockHeader) error {
	url := fmt.Sprintf("%s/block/propose", fmt.Sprintf(baseURL, host))

	if err := c.send(ctx, http.MethodPost, url, header, nil); err != nil {
		return fmt.Errorf("%s: %w", host, err)
	}

	return nil
}

// RequestTransaction asks the peer for a transaction body by hash.
func (c *Client) RequestTransaction(ctx context.Context, host string, hash string) (database.Tx, error) {
	url := fmt.Sprintf("%s/tx/%s", fmt.Sprintf(baseURL, host), hash)

	var tx database.Tx
	if err := c.send(ctx, http.MethodGet, url, nil, &tx); err != nil {
		return database.Tx{}, fmt.Errorf("%s: %w", host, err)
	}

	if tx.Hash != hash {
		return database.Tx{}, fmt.Errorf("%s: transaction hash got %s, exp %s", host, tx.Hash, hash)
	}

	return tx, nil
}

// ShareTransaction sends a transaction the node accepted to the peer.
func (c *Client) ShareTransaction(ctx context.Context, host string, tx database.Tx) error {
	url := fmt.Sprintf("%s/tx/submit", fmt.Sprintf(baseURL, host))

	if err := c.send(ctx, http.MethodPost, url, tx, nil); err != nil {
		return fmt.Errorf("%s: %w", host, err)
	}

	return nil
}

// RequestStatus asks the peer for its status and known peers.
func (c *Client) RequestStatus(ctx context.Context, host string) (PeerStatus, error) {
	url := fmt.Sprintf("%s/status", fmt.Sprintf(baseURL, host))

	var ps PeerStatus
	if err := c.send(ctx, http.MethodGet, url, nil, &ps); err != nil {
		return PeerStatus{}, fmt.Errorf("%s: %w", host, err)
	}

	return ps, nil
}

// RequestBlock asks the peer for the block it committed at the height.
func (c *Client) RequestBlock(ctx context.Context, host string, height uint64) (database.Block, error) {
	url := fmt.Sprintf("%s/block/height/%d", fmt.Sprintf(baseURL, host), height)

	var block database.Block
	if err := c.send(ctx, http.MethodGet, url, nil, &block); err != nil {
		return database.Block{}, fmt.Errorf("%s: %w", host, err)
	}

	if block.Header.Height != height {
		return database.Block{}, fmt.Errorf("%s: block height got %d, exp %d", host, block.Header.Height, height)
	}

	return block, nil
}

// =============================================================================

// send is a helper function to send an HTTP request to a node.
func (c *Client) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var req *http.Request

	switch {
	case dataSend != nil:
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return err
		}

	default:
		var err error
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return errors.New(string(msg))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
