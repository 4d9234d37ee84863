package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/mr-tron/base58"
)

const (
	tronPageSize = 50
	// tronCursorOverlap re-reads a margin below the cursor in case the API lags on ordering
	tronCursorOverlap = 10 * time.Minute
)

type tronContract struct {
	Type      string `json:"type"`
	Parameter struct {
		Value struct {
			Amount    json.Number `json:"amount"`
			ToAddress string      `json:"to_address"`
		} `json:"value"`
	} `json:"parameter"`
}

type tronTx struct {
	TxId           string `json:"txID"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Ret            []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []tronContract `json:"contract"`
	} `json:"raw_data"`
}

type tronTokenTransfer struct {
	TransactionId  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	To             string `json:"to"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address string `json:"address"`
	} `json:"token_info"`
}

type tronResponse[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    []T    `json:"data"`
}

// TronAdapter reads confirmed TRX and TRC-20 transfers from a TronGrid compatible API.
// The cursor is the highest block timestamp (ms) already examined.
type TronAdapter struct {
	network models.Network
	http    *transport.Client
}

func NewTronAdapter(n models.Network, client *transport.Client) *TronAdapter {
	return &TronAdapter{network: n, http: client}
}

func (a *TronAdapter) Protocol() models.Protocol {
	return models.ProtocolTron
}

func (a *TronAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{}
	params.Set("only_confirmed", "true")
	params.Set("only_to", "true")
	params.Set("limit", strconv.Itoa(tronPageSize))
	params.Set("order_by", "block_timestamp,desc")
	var minTimestamp int64
	if q.Cursor != nil {
		minTimestamp = int64(*q.Cursor) - tronCursorOverlap.Milliseconds()
	}
	if !q.CreatedAt.IsZero() {
		minTimestamp = max(minTimestamp, q.CreatedAt.Add(-invoiceClockSkew).UnixMilli())
	}
	if minTimestamp > 0 {
		params.Set("min_timestamp", strconv.FormatInt(minTimestamp, 10))
	}

	// only confirmed (solidified) transactions are listed
	confirmations := maxInt64(1, q.MinConfirmations)
	headers := map[string]string{"TRON-PRO-API-KEY": a.network.ApiKey}
	base := fmt.Sprintf("%s/v1/accounts/%s/transactions", a.network.ApiBase, url.PathEscape(q.Address))

	if a.network.IsToken() {
		params.Set("contract_address", a.network.Contract)
		var resp tronResponse[tronTokenTransfer]
		if err := a.http.GetJson(ctx, base+"/trc20?"+params.Encode(), headers, &resp); err != nil {
			return nil, fmt.Errorf("failed to list trc20 transfers: %w", err)
		}
		if !resp.Success && resp.Error != "" {
			return nil, fmt.Errorf("trongrid error: %s", resp.Error)
		}

		cursor := q.Cursor
		for _, tr := range resp.Data {
			cursor = maxCursor(cursor, tr.BlockTimestamp)
			if tr.To != q.Address || q.Predates(time.UnixMilli(tr.BlockTimestamp)) {
				continue
			}
			if tr.TokenInfo.Address != "" && tr.TokenInfo.Address != a.network.Contract {
				continue
			}
			value, ok := new(big.Int).SetString(tr.Value, 10)
			if !ok || value.Cmp(q.Amount) != 0 {
				continue
			}
			return &Result{
				Found:         true,
				TxId:          tr.TransactionId,
				Confirmations: confirmations,
				Detail:        TronDetail{BlockTimestamp: tr.BlockTimestamp, Token: true},
			}, nil
		}
		return &Result{NextCursor: cursor}, nil
	}

	var resp tronResponse[tronTx]
	if err := a.http.GetJson(ctx, base+"?"+params.Encode(), headers, &resp); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if !resp.Success && resp.Error != "" {
		return nil, fmt.Errorf("trongrid error: %s", resp.Error)
	}

	cursor := q.Cursor
	for _, tx := range resp.Data {
		cursor = maxCursor(cursor, tx.BlockTimestamp)
		if q.Predates(time.UnixMilli(tx.BlockTimestamp)) {
			continue
		}
		if len(tx.Ret) > 0 && tx.Ret[0].ContractRet != "" && tx.Ret[0].ContractRet != "SUCCESS" {
			continue
		}
		for _, c := range tx.RawData.Contract {
			if c.Type != "TransferContract" {
				continue
			}
			to, err := TronAddressFromHex(c.Parameter.Value.ToAddress)
			if err != nil || to != q.Address {
				continue
			}
			amount, ok := new(big.Int).SetString(c.Parameter.Value.Amount.String(), 10)
			if !ok || amount.Cmp(q.Amount) != 0 {
				continue
			}
			return &Result{
				Found:         true,
				TxId:          tx.TxId,
				Confirmations: confirmations,
				Detail:        TronDetail{BlockTimestamp: tx.BlockTimestamp},
			}, nil
		}
	}
	return &Result{NextCursor: cursor}, nil
}

// TronAddressFromHex converts a 41-prefixed hex address to its base58check form.
// Addresses that are already base58 are returned unchanged.
func TronAddressFromHex(address string) (string, error) {
	if strings.HasPrefix(address, "T") {
		return address, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(address, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid tron hex address: %w", err)
	}
	if len(raw) != 21 || raw[0] != 0x41 {
		return "", errors.New("invalid tron hex address length or prefix")
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(raw, second[:4]...)), nil
}

func maxCursor(cursor *uint64, value int64) *uint64 {
	if value <= 0 {
		return cursor
	}
	if cursor == nil || uint64(value) > *cursor {
		return uint64Ptr(uint64(value))
	}
	return cursor
}
