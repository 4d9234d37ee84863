package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/tonkeeper/tongo/ton"
)

const tonPageSize = 20

type tonMessage struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
}

type tonTx struct {
	TransactionId struct {
		Lt   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	Utime int64       `json:"utime"`
	InMsg *tonMessage `json:"in_msg"`
}

type tonResponse struct {
	Ok     bool    `json:"ok"`
	Error  string  `json:"error"`
	Result []tonTx `json:"result"`
}

// TonAdapter reads incoming messages from a toncenter v2 compatible API. Addresses are
// compared as account ids so raw and user-friendly forms match. The cursor is the highest
// logical time already examined.
type TonAdapter struct {
	network models.Network
	http    *transport.Client
	account ton.AccountID
}

func NewTonAdapter(n models.Network, client *transport.Client) (*TonAdapter, error) {
	account, err := ton.ParseAccountID(n.Address)
	if err != nil {
		return nil, &MisconfiguredError{Network: n.Key(), Field: "valid address"}
	}
	return &TonAdapter{network: n, http: client, account: account}, nil
}

func (a *TonAdapter) Protocol() models.Protocol {
	return models.ProtocolTon
}

func (a *TonAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	recipient := a.account
	if q.Address != a.network.Address {
		parsed, err := ton.ParseAccountID(q.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid ton address %q: %w", q.Address, err)
		}
		recipient = parsed
	}

	params := url.Values{}
	params.Set("address", q.Address)
	params.Set("limit", strconv.Itoa(tonPageSize))

	var resp tonResponse
	endpoint := a.network.ApiBase + "/getTransactions?" + params.Encode()
	if err := a.http.GetJson(ctx, endpoint, map[string]string{"X-API-Key": a.network.ApiKey}, &resp); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("toncenter error: %s", resp.Error)
	}

	cursor := q.Cursor
	for _, tx := range resp.Result {
		lt, err := strconv.ParseUint(tx.TransactionId.Lt, 10, 64)
		if err != nil {
			continue
		}
		if q.Cursor != nil && lt <= *q.Cursor {
			continue
		}
		if cursor == nil || lt > *cursor {
			cursor = uint64Ptr(lt)
		}

		if tx.InMsg == nil || tx.InMsg.Destination == "" || q.Predates(unixSeconds(tx.Utime)) {
			continue
		}
		destination, err := ton.ParseAccountID(tx.InMsg.Destination)
		if err != nil || destination != recipient {
			continue
		}
		value, ok := new(big.Int).SetString(tx.InMsg.Value, 10)
		if !ok || value.Cmp(q.Amount) != 0 {
			continue
		}

		// listed transactions are already part of a masterchain block
		return &Result{
			Found:         true,
			TxId:          tx.TransactionId.Hash,
			Confirmations: maxInt64(1, q.MinConfirmations),
			Detail:        TonDetail{Lt: lt},
		}, nil
	}

	return &Result{NextCursor: cursor}, nil
}
