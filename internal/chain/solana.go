package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const solanaSignatureLimit = 20

// SolanaAdapter finds native SOL transfers by comparing the recipient's balance change in
// recent transactions. The cursor is the highest slot already examined.
type SolanaAdapter struct {
	network   models.Network
	client    *rpc.Client
	recipient solana.PublicKey
	timeout   time.Duration
}

func NewSolanaAdapter(n models.Network, endpoint string, timeout time.Duration) (*SolanaAdapter, error) {
	recipient, err := solana.PublicKeyFromBase58(n.Address)
	if err != nil {
		return nil, &MisconfiguredError{Network: n.Key(), Field: "valid address"}
	}
	return &SolanaAdapter{
		network:   n,
		client:    rpc.New(endpoint),
		recipient: recipient,
		timeout:   timeout,
	}, nil
}

func (a *SolanaAdapter) Protocol() models.Protocol {
	return models.ProtocolSolana
}

func (a *SolanaAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *SolanaAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	recipient, err := a.queryRecipient(q)
	if err != nil {
		return nil, err
	}

	if q.Pending != nil {
		return a.checkPending(ctx, q)
	}

	limit := solanaSignatureLimit
	callCtx, cancel := a.withTimeout(ctx)
	signatures, err := a.client.GetSignaturesForAddressWithOpts(callCtx, recipient, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}

	cursor := q.Cursor
	for _, sig := range signatures {
		if q.Cursor != nil && sig.Slot <= *q.Cursor {
			continue
		}
		if cursor == nil || sig.Slot > *cursor {
			cursor = uint64Ptr(sig.Slot)
		}
		if sig.Err != nil {
			continue
		}
		if sig.BlockTime != nil && q.Predates(sig.BlockTime.Time()) {
			continue
		}

		delta, err := a.balanceDelta(ctx, sig.Signature, recipient)
		if err != nil {
			return nil, err
		}
		if delta == nil || delta.Cmp(q.Amount) != 0 {
			continue
		}

		confirmations, err := a.confirmations(ctx, sig.Signature, q.MinConfirmations)
		if err != nil {
			return nil, err
		}
		res := settle(sig.Signature.String(), sig.Slot, confirmations, q.MinConfirmations, SolanaDetail{Slot: sig.Slot})
		res.NextCursor = cursor
		return res, nil
	}

	return &Result{NextCursor: cursor}, nil
}

func (a *SolanaAdapter) checkPending(ctx context.Context, q Query) (*Result, error) {
	sig, err := solana.SignatureFromBase58(q.Pending.TxId)
	if err != nil {
		return &Result{}, nil
	}
	confirmations, err := a.confirmations(ctx, sig, q.MinConfirmations)
	if err != nil {
		return nil, err
	}
	if confirmations < 0 {
		// no longer known to the cluster
		return &Result{}, nil
	}
	res := settle(q.Pending.TxId, q.Pending.BlockNumber, confirmations, q.MinConfirmations,
		SolanaDetail{Slot: q.Pending.BlockNumber})
	res.NextCursor = q.Cursor
	return res, nil
}

// confirmations returns the confirmation count of a signature; a finalized signature counts
// as fully confirmed, -1 means the cluster does not know it or it failed.
func (a *SolanaAdapter) confirmations(ctx context.Context, sig solana.Signature, minConfirmations int64) (int64, error) {
	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	statuses, err := a.client.GetSignatureStatuses(callCtx, true, sig)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return -1, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return -1, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized || status.Confirmations == nil {
		return maxInt64(1, minConfirmations), nil
	}
	return int64(*status.Confirmations), nil
}

// balanceDelta returns post minus pre lamports of account in the transaction, or nil when
// the transaction failed or does not touch the account.
func (a *SolanaAdapter) balanceDelta(ctx context.Context, sig solana.Signature, account solana.PublicKey) (*big.Int, error) {
	maxVersion := uint64(0)
	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	result, err := a.client.GetTransaction(callCtx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", sig, err)
	}
	if result == nil || result.Meta == nil || result.Meta.Err != nil || result.Transaction == nil {
		return nil, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}

	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	keys = append(keys, result.Meta.LoadedAddresses.Writable...)
	keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)

	for i, key := range keys {
		if !key.Equals(account) {
			continue
		}
		if i >= len(result.Meta.PreBalances) || i >= len(result.Meta.PostBalances) {
			return nil, nil
		}
		pre := new(big.Int).SetUint64(result.Meta.PreBalances[i])
		post := new(big.Int).SetUint64(result.Meta.PostBalances[i])
		return post.Sub(post, pre), nil
	}
	return nil, nil
}

func (a *SolanaAdapter) queryRecipient(q Query) (solana.PublicKey, error) {
	if q.Address == "" || q.Address == a.network.Address {
		return a.recipient, nil
	}
	recipient, err := solana.PublicKeyFromBase58(q.Address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid solana address %q: %w", q.Address, err)
	}
	return recipient, nil
}

func (a *SolanaAdapter) NormalizeTxId(raw string) (string, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidTxId
	}
	return sig.String(), nil
}

func (a *SolanaAdapter) FindPaymentByTxId(ctx context.Context, q Query, txId string) (*Result, error) {
	recipient, err := a.queryRecipient(q)
	if err != nil {
		return nil, err
	}
	sig, err := solana.SignatureFromBase58(txId)
	if err != nil {
		return nil, ErrInvalidTxId
	}

	delta, err := a.balanceDelta(ctx, sig, recipient)
	if err != nil {
		return nil, err
	}
	if delta == nil || delta.Cmp(q.Amount) != 0 {
		return &Result{}, nil
	}

	confirmations, err := a.confirmations(ctx, sig, q.MinConfirmations)
	if err != nil {
		return nil, err
	}
	if confirmations < 0 {
		return &Result{}, nil
	}
	return settle(txId, 0, confirmations, q.MinConfirmations, SolanaDetail{}), nil
}
