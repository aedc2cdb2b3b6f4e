// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package coinselect

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/chain"
)

// DefaultBigInputFactor is the multiple of the target amount above which a
// single sufficient UTXO is preferred over an accumulation of small ones.
const DefaultBigInputFactor = 2.0

// Request describes one selection run. The UTXO snapshot is passed to Select
// separately.
type Request struct {
	// Amount is the target amount in base units. Ignored when SendMax is
	// set.
	Amount uint64
	// FeePerKB is the fee rate to satisfy, in base units per 1000 bytes.
	FeePerKB uint64
	// NumOutputs is the number of requested payment outputs, used for size
	// estimation.
	NumOutputs int
	// SendMax selects the maximal economical input set instead of covering
	// a target.
	SendMax bool
	// ExcludeUnconfirmed drops unconfirmed UTXOs from consideration
	// entirely.
	ExcludeUnconfirmed bool
	// Exclude lists outpoints the caller wants left alone.
	Exclude map[proposal.OutpointID]bool
	// Reserved reports outpoints already committed to another active
	// proposal. May be nil.
	Reserved func(proposal.OutpointID) bool
	// BigInputFactor overrides DefaultBigInputFactor when > 0.
	BigInputFactor float64
}

// Result is the outcome of a selection run. The reporting counters are
// populated even on some failures, so GetSendMaxInfo-style callers can
// explain what was left out.
type Result struct {
	Inputs       []*proposal.UTXO
	Amount       uint64
	Fee          uint64
	ChangeAmount uint64

	// UtxosBelowFee counts UTXOs skipped because their own value was below
	// the marginal fee of spending them. AmountBelowFee is their sum.
	UtxosBelowFee  int
	AmountBelowFee uint64
	// UtxosAboveMaxSize counts UTXOs left out because adding them would
	// push the transaction over the size cap. AmountAboveMaxSize is their
	// sum.
	UtxosAboveMaxSize  int
	AmountAboveMaxSize uint64
}

// Selector chooses UTXOs to cover a target amount plus the fee implied by
// the evolving transaction size. Selector is a pure algorithm over the
// snapshot it is handed; reservation filtering is driven by Request.Reserved.
type Selector struct {
	adapter chain.Adapter
	log     cotx.Logger
}

// NewSelector creates a Selector using the chain adapter's size and dust
// policy.
func NewSelector(adapter chain.Adapter, log cotx.Logger) *Selector {
	return &Selector{adapter: adapter, log: log}
}

// feeForSize computes the fee for a transaction of the given size at the
// request's rate.
func feeForSize(feePerKB uint64, size uint32) uint64 {
	return uint64(txrules.FeeForSerializeSize(btcutil.Amount(feePerKB), int(size)))
}

// usable filters the snapshot down to spendable candidates, partitions into
// confirmed-first order, and shuffles within equal-confirmation groups so
// that equally-good candidates are not selected deterministically.
func (s *Selector) usable(utxos []*proposal.UTXO, req *Request) []*proposal.UTXO {
	candidates := make([]*proposal.UTXO, 0, len(utxos))
	for _, u := range utxos {
		op := u.Outpoint()
		if req.Exclude[op] {
			continue
		}
		if req.Reserved != nil && req.Reserved(op) {
			continue
		}
		if req.ExcludeUnconfirmed && u.Confirmations == 0 {
			continue
		}
		candidates = append(candidates, u)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confirmations > candidates[j].Confirmations
	})

	// Shuffle runs of equal confirmation count.
	start := 0
	for i := 1; i <= len(candidates); i++ {
		if i == len(candidates) ||
			candidates[i].Confirmations != candidates[start].Confirmations {
			run := candidates[start:i]
			rand.Shuffle(len(run), func(a, b int) {
				run[a], run[b] = run[b], run[a]
			})
			start = i
		}
	}
	return candidates
}

// Select runs the small-coin accumulation described in the package docs,
// falling back to a single large UTXO when the accumulated set would exceed
// the size cap or a sufficiently oversized single UTXO exists.
func (s *Selector) Select(utxos []*proposal.UTXO, req *Request) (*Result, error) {
	if req.SendMax {
		return s.selectMax(utxos, req)
	}

	dust := s.adapter.DustThreshold()
	if req.Amount < dust {
		return nil, cotx.NewError(cotx.ErrDustAmount,
			fmt.Sprintf("target %d below dust threshold %d", req.Amount, dust))
	}

	candidates := s.usable(utxos, req)

	var total uint64
	for _, u := range candidates {
		total += u.Satoshis
	}
	if total < req.Amount {
		return nil, cotx.NewError(cotx.ErrInsufficientFunds,
			fmt.Sprintf("spendable %d below target %d", total, req.Amount))
	}

	res := &Result{Amount: req.Amount}
	inputFee := feeForSize(req.FeePerKB, s.adapter.InputSize())
	maxSize := s.adapter.MaxTxSize()

	bigInput := s.bigInput(candidates, req, inputFee)

	var selected []*proposal.UTXO
	var selectedAmt uint64
	var fee uint64
	covered, oversized := false, false
	for _, u := range candidates {
		// Skip inputs that cost more in fee than they contribute.
		if u.Satoshis < inputFee {
			res.UtxosBelowFee++
			res.AmountBelowFee += u.Satoshis
			continue
		}
		size := s.adapter.EstimateSize(len(selected)+1, req.NumOutputs, true)
		if maxSize > 0 && size > maxSize {
			oversized = true
			res.UtxosAboveMaxSize++
			res.AmountAboveMaxSize += u.Satoshis
			continue
		}
		selected = append(selected, u)
		selectedAmt += u.Satoshis
		fee = feeForSize(req.FeePerKB, size)
		if selectedAmt >= req.Amount+fee {
			covered = true
			break
		}
	}

	// A single oversized UTXO covering amount+fee beats many small inputs,
	// both when the small set ran into the size cap and when the UTXO
	// exceeds the target by the configured factor.
	if bigInput != nil && (oversized || !covered || bigInput.exceedsFactor) {
		size := s.adapter.EstimateSize(1, req.NumOutputs, true)
		fee := feeForSize(req.FeePerKB, size)
		res.Inputs = []*proposal.UTXO{bigInput.utxo}
		res.Fee = fee
		s.setChange(res, bigInput.utxo.Satoshis, req.Amount, dust)
		return res, nil
	}

	if !covered {
		if oversized {
			return res, cotx.NewError(cotx.ErrTxMaxSizeExceeded,
				fmt.Sprintf("%d utxos totaling %d unusable at size cap %d",
					res.UtxosAboveMaxSize, res.AmountAboveMaxSize, maxSize))
		}
		return res, cotx.NewError(cotx.ErrInsufficientFundsForFee,
			fmt.Sprintf("spendable %d below target %d plus fee %d (%d utxos totaling %d below fee)",
				selectedAmt, req.Amount, fee, res.UtxosBelowFee, res.AmountBelowFee))
	}

	res.Inputs = selected
	res.Fee = fee
	s.setChange(res, selectedAmt, req.Amount, dust)
	return res, nil
}

type bigInputCandidate struct {
	utxo          *proposal.UTXO
	exceedsFactor bool
}

// bigInput finds the largest single UTXO that alone covers amount plus the
// one-input fee, noting whether it exceeds the target by the configured
// factor.
func (s *Selector) bigInput(candidates []*proposal.UTXO, req *Request, inputFee uint64) *bigInputCandidate {
	factor := req.BigInputFactor
	if factor <= 0 {
		factor = DefaultBigInputFactor
	}
	singleFee := feeForSize(req.FeePerKB, s.adapter.EstimateSize(1, req.NumOutputs, true))
	var best *proposal.UTXO
	for _, u := range candidates {
		if u.Satoshis < req.Amount+singleFee {
			continue
		}
		if best == nil || u.Satoshis > best.Satoshis {
			best = u
		}
	}
	if best == nil {
		return nil
	}
	return &bigInputCandidate{
		utxo:          best,
		exceedsFactor: float64(best.Satoshis) > float64(req.Amount)*factor,
	}
}

// setChange computes the change amount, folding sub-dust change into the
// fee. A change output strictly below the dust threshold is never emitted.
func (s *Selector) setChange(res *Result, inputAmt, target, dust uint64) {
	change := inputAmt - target - res.Fee
	if change < dust {
		res.Fee += change
		res.ChangeAmount = 0
		return
	}
	res.ChangeAmount = change
}

// selectMax implements sendMax: accumulate every economical UTXO under the
// size cap and return amount = sum(inputs) - fee with no change output.
func (s *Selector) selectMax(utxos []*proposal.UTXO, req *Request) (*Result, error) {
	candidates := s.usable(utxos, req)
	res := &Result{}
	inputFee := feeForSize(req.FeePerKB, s.adapter.InputSize())
	maxSize := s.adapter.MaxTxSize()

	var selected []*proposal.UTXO
	var selectedAmt uint64
	for _, u := range candidates {
		if u.Satoshis < inputFee {
			res.UtxosBelowFee++
			res.AmountBelowFee += u.Satoshis
			continue
		}
		size := s.adapter.EstimateSize(len(selected)+1, req.NumOutputs, false)
		if maxSize > 0 && size > maxSize {
			res.UtxosAboveMaxSize++
			res.AmountAboveMaxSize += u.Satoshis
			continue
		}
		selected = append(selected, u)
		selectedAmt += u.Satoshis
	}

	if len(selected) == 0 {
		return res, cotx.NewError(cotx.ErrInsufficientFunds, "no spendable utxos")
	}

	fee := feeForSize(req.FeePerKB, s.adapter.EstimateSize(len(selected), req.NumOutputs, false))
	if selectedAmt <= fee {
		return res, cotx.NewError(cotx.ErrInsufficientFundsForFee,
			fmt.Sprintf("spendable %d does not cover fee %d", selectedAmt, fee))
	}

	res.Inputs = selected
	res.Fee = fee
	res.Amount = selectedAmt - fee
	return res, nil
}
