// Package l1 talks to the native-chain node: JSON RPC for wallet actions and
// a websocket for confirmation events on the hot wallet.
package l1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RawPerUnit converts node-side raw amounts to atomic units: the node keeps
// nine more digits of precision than the ledger tracks.
var RawPerUnit = big.NewInt(1_000_000_000)

// Confirmation is one confirmed send observed on the node.
type Confirmation struct {
	Sender    string
	Receiver  string
	Hash      string
	AmountRaw *big.Int
}

// Receivable is a pending inbound block on the hot wallet.
type Receivable struct {
	Hash      string
	Source    string
	AmountRaw *big.Int
}

// Client is the node RPC/websocket client.
type Client struct {
	rpcURL    string
	wsURL     string
	walletID  string
	hotWallet string
	http      *http.Client
	logger    *zap.SugaredLogger
}

func NewClient(rpcURL, wsURL, walletID, hotWallet string, logger *zap.SugaredLogger) *Client {
	return &Client{
		rpcURL:    rpcURL,
		wsURL:     wsURL,
		walletID:  walletID,
		hotWallet: hotWallet,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

func (c *Client) rpc(ctx context.Context, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", payload["action"], err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("rpc %s returned %d", payload["action"], resp.StatusCode)
	}

	var envelope struct {
		Error string `json:"error,omitempty"`
	}
	raw, err := readAll(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("rpc %s: %s", payload["action"], envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode rpc %s response: %w", payload["action"], err)
		}
	}
	return nil
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}
	return buf.Bytes(), nil
}

// Receive pockets a pending receivable block into the hot wallet. The node
// treats an already-received block as settled, so replays are safe.
func (c *Client) Receive(ctx context.Context, hash string) error {
	return c.rpc(ctx, map[string]any{
		"action":  "receive",
		"wallet":  c.walletID,
		"account": c.hotWallet,
		"block":   hash,
	}, nil)
}

// Send transfers amount (atomic units) from the hot wallet and returns the
// block hash.
func (c *Client) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	raw := new(big.Int).Mul(amount, RawPerUnit)
	var out struct {
		Block string `json:"block"`
	}
	err := c.rpc(ctx, map[string]any{
		"action":      "send",
		"wallet":      c.walletID,
		"source":      c.hotWallet,
		"destination": to,
		"amount":      raw.String(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Block, nil
}

// Balance returns an account's confirmed balance in atomic units.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.rpc(ctx, map[string]any{
		"action":  "account_balance",
		"account": account,
	}, &out); err != nil {
		return nil, err
	}

	raw, ok := new(big.Int).SetString(out.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("bad balance %q for %s", out.Balance, account)
	}
	return raw.Div(raw, RawPerUnit), nil
}

// Receivables lists pending inbound blocks on the hot wallet.
func (c *Client) Receivables(ctx context.Context) ([]Receivable, error) {
	var out struct {
		Blocks map[string]struct {
			Amount string `json:"amount"`
			Source string `json:"source"`
		} `json:"blocks"`
	}
	if err := c.rpc(ctx, map[string]any{
		"action":  "receivable",
		"account": c.hotWallet,
		"count":   500,
		"source":  true,
	}, &out); err != nil {
		return nil, err
	}

	receivables := make([]Receivable, 0, len(out.Blocks))
	for hash, block := range out.Blocks {
		amount, ok := new(big.Int).SetString(block.Amount, 10)
		if !ok {
			c.logger.Warnw("Receivable with bad amount", "hash", hash, "amount", block.Amount)
			continue
		}
		receivables = append(receivables, Receivable{Hash: hash, Source: block.Source, AmountRaw: amount})
	}
	return receivables, nil
}

// StreamConfirmations opens the websocket, subscribes to confirmations for
// the hot wallet, and delivers them until the socket drops. The returned
// channel closes on error or disconnect; the watcher owns reconnection.
func (c *Client) StreamConfirmations(ctx context.Context) (<-chan Confirmation, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	subscribe := map[string]any{
		"action": "subscribe",
		"topic":  "confirmation",
		"options": map[string]any{
			"accounts": []string{c.hotWallet},
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe confirmations: %w", err)
	}

	out := make(chan Confirmation, 32)
	go func() {
		defer close(out)
		defer conn.Close()

		// Close the socket when the context ends so ReadJSON unblocks
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-stop:
			}
		}()

		for {
			var msg struct {
				Topic   string `json:"topic"`
				Message struct {
					Account string `json:"account"`
					Amount  string `json:"amount"`
					Hash    string `json:"hash"`
					Block   struct {
						Subtype       string `json:"subtype"`
						LinkAsAccount string `json:"link_as_account"`
					} `json:"block"`
				} `json:"message"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Warnw("Confirmation stream closed", "error", err)
				}
				return
			}
			if msg.Topic != "confirmation" || msg.Message.Block.Subtype != "send" {
				continue
			}

			amount, ok := new(big.Int).SetString(msg.Message.Amount, 10)
			if !ok {
				c.logger.Warnw("Confirmation with bad amount", "hash", msg.Message.Hash, "amount", msg.Message.Amount)
				continue
			}

			select {
			case out <- Confirmation{
				Sender:    msg.Message.Account,
				Receiver:  msg.Message.Block.LinkAsAccount,
				Hash:      msg.Message.Hash,
				AmountRaw: amount,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
