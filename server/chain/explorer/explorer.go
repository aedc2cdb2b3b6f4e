// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package explorer is a thin HTTP client for an external chain-data service.
// The service does the actual chain watching; this client only queries it. It
// satisfies the chain.UTXOSource, chain.BalanceSource, chain.FeeEstimator,
// and chain.Broadcaster collaborator interfaces.
package explorer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
	"github.com/cotxd/cotxd/server/chain"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to one chain-data service instance. The service is expected to
// track registered wallets and serve their unspent sets keyed by wallet id.
type Client struct {
	baseURL string
	// chain and network scope the address-balance and broadcast endpoints,
	// which do not carry a wallet and so cannot be scoped per request.
	chain   string
	network string
	http    *http.Client
	log     cotx.Logger
}

var _ chain.UTXOSource = (*Client)(nil)
var _ chain.BalanceSource = (*Client)(nil)
var _ chain.FeeEstimator = (*Client)(nil)
var _ chain.Broadcaster = (*Client)(nil)

// NewClient creates a Client for the service at baseURL. A non-positive
// timeout selects a default.
func NewClient(baseURL, chainName, network string, timeout time.Duration, log cotx.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid explorer URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported explorer URL scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		chain:   chainName,
		network: network,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, thing any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode}
	}
	if thing == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<22)).Decode(thing)
}

func (c *Client) post(ctx context.Context, path string, body, thing any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode}
	}
	if thing == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<22)).Decode(thing)
}

// StatusError is a non-200 response from the chain-data service.
type StatusError struct {
	Path string
	Code int
}

// Error satisfies the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("explorer %s: status %d", e.Path, e.Code)
}

type utxoResult struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	Satoshis      uint64 `json:"satoshis"`
	Confirmations uint32 `json:"confirmations"`
	Script        string `json:"script"`
}

// UTXOs fetches the wallet's current unspent set. The service tracks the
// wallet's addresses; the result is a point-in-time snapshot.
func (c *Client) UTXOs(ctx context.Context, wallet *account.Wallet) ([]*proposal.UTXO, error) {
	path := fmt.Sprintf("/wallet/%s/%s/%s/utxos",
		url.PathEscape(wallet.Chain), url.PathEscape(wallet.Network),
		url.PathEscape(wallet.ID))
	var results []*utxoResult
	if err := c.get(ctx, path, &results); err != nil {
		return nil, err
	}
	utxos := make([]*proposal.UTXO, 0, len(results))
	for _, r := range results {
		var pkScript []byte
		if r.Script != "" {
			var err error
			pkScript, err = hex.DecodeString(r.Script)
			if err != nil {
				return nil, fmt.Errorf("bad script for %s:%d: %w", r.TxID, r.Vout, err)
			}
		}
		utxos = append(utxos, &proposal.UTXO{
			TxID:          r.TxID,
			Vout:          r.Vout,
			Address:       r.Address,
			Satoshis:      r.Satoshis,
			Confirmations: r.Confirmations,
			PkScript:      pkScript,
		})
	}
	return utxos, nil
}

type balanceResult struct {
	Balance string `json:"balance"`
}

func parseBalance(s string) (*big.Int, error) {
	bal, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable balance %q", s)
	}
	return bal, nil
}

// Balance fetches the native-asset balance of an account address.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	path := fmt.Sprintf("/address/%s/%s/%s/balance",
		url.PathEscape(c.chain), url.PathEscape(c.network), url.PathEscape(address))
	var res balanceResult
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return parseBalance(res.Balance)
}

// TokenBalance fetches the token balance of an account address.
func (c *Client) TokenBalance(ctx context.Context, address, token string) (*big.Int, error) {
	path := fmt.Sprintf("/address/%s/%s/%s/balance/%s",
		url.PathEscape(c.chain), url.PathEscape(c.network),
		url.PathEscape(address), url.PathEscape(token))
	var res balanceResult
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return parseBalance(res.Balance)
}

// EstimateFee fetches fee-rate estimates for the confirmation targets. A
// target the service could not estimate maps to -1.
func (c *Client) EstimateFee(ctx context.Context, chainName, network string, targets []uint32) (map[uint32]int64, error) {
	strs := make([]string, len(targets))
	for i, target := range targets {
		strs[i] = strconv.FormatUint(uint64(target), 10)
	}
	path := fmt.Sprintf("/fee/%s/%s?targets=%s",
		url.PathEscape(chainName), url.PathEscape(network), strings.Join(strs, ","))
	estimates := make(map[string]int64)
	if err := c.get(ctx, path, &estimates); err != nil {
		return nil, err
	}
	out := make(map[uint32]int64, len(targets))
	for _, target := range targets {
		rate, ok := estimates[strconv.FormatUint(uint64(target), 10)]
		if !ok {
			rate = -1
		}
		out[target] = rate
	}
	return out, nil
}

type broadcastResult struct {
	TxID string `json:"txid"`
}

// Broadcast submits a raw transaction to the network through the service.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	path := fmt.Sprintf("/tx/%s/%s/send", url.PathEscape(c.chain), url.PathEscape(c.network))
	var res broadcastResult
	err := c.post(ctx, path, map[string]string{"rawTx": hex.EncodeToString(rawTx)}, &res)
	if err != nil {
		return "", err
	}
	if res.TxID == "" {
		return "", fmt.Errorf("explorer returned no txid")
	}
	c.log.Debugf("Broadcast %d byte tx, txid %s", len(rawTx), res.TxID)
	return res.TxID, nil
}

// TxConfirmed reports whether the service knows the transaction, mined or in
// its mempool. An unknown transaction is a 404, not an error.
func (c *Client) TxConfirmed(ctx context.Context, txid string) (bool, error) {
	path := fmt.Sprintf("/tx/%s/%s/%s", url.PathEscape(c.chain),
		url.PathEscape(c.network), url.PathEscape(txid))
	err := c.get(ctx, path, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
