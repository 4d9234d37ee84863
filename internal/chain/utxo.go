package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"
)

var utxoTxIdPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type esploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type esploraOutput struct {
	ScriptpubkeyAddress string `json:"scriptpubkey_address"`
	Value               uint64 `json:"value"`
}

type esploraTx struct {
	Txid   string          `json:"txid"`
	Status esploraStatus   `json:"status"`
	Vout   []esploraOutput `json:"vout"`
}

// UtxoAdapter reads an Esplora compatible explorer (blockstream.info, mempool.space)
type UtxoAdapter struct {
	network models.Network
	http    *transport.Client
	tips    *heightCache
}

func NewUtxoAdapter(n models.Network, client *transport.Client, tips *heightCache) *UtxoAdapter {
	return &UtxoAdapter{network: n, http: client, tips: tips}
}

func (a *UtxoAdapter) Protocol() models.Protocol {
	return models.ProtocolUtxo
}

func (a *UtxoAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	if q.Pending != nil {
		return a.checkPending(ctx, q)
	}

	var txs []esploraTx
	endpoint := fmt.Sprintf("%s/address/%s/txs", a.network.ApiBase, url.PathEscape(q.Address))
	if err := a.http.GetJson(ctx, endpoint, nil, &txs); err != nil {
		return nil, fmt.Errorf("failed to list address transactions: %w", err)
	}

	var tip uint64
	var pending *Result
	for _, tx := range txs {
		if q.Predates(unixSeconds(tx.Status.BlockTime)) {
			continue
		}
		vout := matchOutput(tx, q.Address, q.Amount)
		if vout < 0 {
			continue
		}
		if !tx.Status.Confirmed {
			if pending == nil {
				pending = settle(tx.Txid, 0, 0, q.MinConfirmations, UtxoDetail{Vout: vout})
			}
			continue
		}

		if tip == 0 {
			height, err := a.tipHeight(ctx)
			if err != nil {
				return nil, err
			}
			tip = height
		}

		detail := UtxoDetail{BlockHeight: tx.Status.BlockHeight, Vout: vout}
		res := settle(tx.Txid, tx.Status.BlockHeight, confirmationsAt(tip, tx.Status.BlockHeight), q.MinConfirmations, detail)
		if res.Found {
			return res, nil
		}
		if pending == nil || pending.Pending.BlockNumber == 0 {
			pending = res
		}
	}

	if pending != nil {
		return pending, nil
	}
	return &Result{}, nil
}

func (a *UtxoAdapter) checkPending(ctx context.Context, q Query) (*Result, error) {
	var status esploraStatus
	endpoint := fmt.Sprintf("%s/tx/%s/status", a.network.ApiBase, q.Pending.TxId)
	err := a.http.GetJson(ctx, endpoint, nil, &status)
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		// dropped from the mempool; scan again
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction status: %w", err)
	}

	if !status.Confirmed {
		return &Result{Pending: q.Pending}, nil
	}

	tip, err := a.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	return settle(q.Pending.TxId, status.BlockHeight, confirmationsAt(tip, status.BlockHeight), q.MinConfirmations,
		UtxoDetail{BlockHeight: status.BlockHeight, Vout: -1}), nil
}

func (a *UtxoAdapter) NormalizeTxId(raw string) (string, error) {
	txId := strings.TrimSpace(raw)
	if !utxoTxIdPattern.MatchString(txId) {
		return "", ErrInvalidTxId
	}
	return strings.ToLower(txId), nil
}

func (a *UtxoAdapter) FindPaymentByTxId(ctx context.Context, q Query, txId string) (*Result, error) {
	var tx esploraTx
	err := a.http.GetJson(ctx, fmt.Sprintf("%s/tx/%s", a.network.ApiBase, txId), nil, &tx)
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusBadRequest) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	vout := matchOutput(tx, q.Address, q.Amount)
	if vout < 0 || q.Predates(unixSeconds(tx.Status.BlockTime)) {
		return &Result{}, nil
	}
	if !tx.Status.Confirmed {
		return settle(tx.Txid, 0, 0, q.MinConfirmations, UtxoDetail{Vout: vout}), nil
	}

	tip, err := a.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	detail := UtxoDetail{BlockHeight: tx.Status.BlockHeight, Vout: vout}
	return settle(tx.Txid, tx.Status.BlockHeight, confirmationsAt(tip, tx.Status.BlockHeight), q.MinConfirmations, detail), nil
}

func (a *UtxoAdapter) tipHeight(ctx context.Context) (uint64, error) {
	return a.tips.get(ctx, a.network.ApiBase, func(ctx context.Context) (uint64, error) {
		var height uint64
		if err := a.http.GetJson(ctx, a.network.ApiBase+"/blocks/tip/height", nil, &height); err != nil {
			return 0, fmt.Errorf("failed to fetch tip height: %w", err)
		}
		return height, nil
	})
}

// matchOutput returns the index of the first output paying exactly amount to address, or -1
func matchOutput(tx esploraTx, address string, amount *big.Int) int {
	for i, out := range tx.Vout {
		if out.ScriptpubkeyAddress != address {
			continue
		}
		if new(big.Int).SetUint64(out.Value).Cmp(amount) == 0 {
			return i
		}
	}
	return -1
}
