package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"
)

const explorerPageSize = 100

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Confirmations   string `json:"confirmations"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	ContractAddress string `json:"contractAddress"`
}

// EvmExplorerAdapter lists native or token transfers from an Etherscan compatible API
type EvmExplorerAdapter struct {
	network models.Network
	http    *transport.Client
}

func NewEvmExplorerAdapter(n models.Network, client *transport.Client) *EvmExplorerAdapter {
	return &EvmExplorerAdapter{network: n, http: client}
}

func (a *EvmExplorerAdapter) Protocol() models.Protocol {
	return models.ProtocolEvm
}

func (a *EvmExplorerAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	txs, err := a.listTransfers(ctx, q.Address)
	if err != nil {
		return nil, err
	}

	var pending *Result
	for _, tx := range txs {
		if !strings.EqualFold(tx.To, q.Address) {
			continue
		}
		if a.network.IsToken() {
			if tx.ContractAddress != "" && !strings.EqualFold(tx.ContractAddress, a.network.Contract) {
				continue
			}
		} else if tx.IsError == "1" || tx.TxReceiptStatus == "0" {
			continue
		}

		value, ok := new(big.Int).SetString(tx.Value, 10)
		if !ok || value.Cmp(q.Amount) != 0 {
			continue
		}
		if ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64); err == nil && q.Predates(unixSeconds(ts)) {
			continue
		}

		block, _ := strconv.ParseUint(tx.BlockNumber, 10, 64)
		confirmations, _ := strconv.ParseInt(tx.Confirmations, 10, 64)
		res := settle(strings.ToLower(tx.Hash), block, confirmations, q.MinConfirmations,
			EvmDetail{Source: SourceExplorer, BlockNumber: block})
		if res.Found {
			return res, nil
		}
		if pending == nil {
			pending = res
		}
	}

	if pending != nil {
		return pending, nil
	}
	return &Result{}, nil
}

func (a *EvmExplorerAdapter) listTransfers(ctx context.Context, address string) ([]explorerTx, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("address", address)
	params.Set("sort", "desc")
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(explorerPageSize))
	if a.network.IsToken() {
		params.Set("action", "tokentx")
		params.Set("contractaddress", a.network.Contract)
	} else {
		params.Set("action", "txlist")
	}
	if a.network.ApiKey != "" {
		params.Set("apikey", a.network.ApiKey)
	}
	if a.network.ChainId != 0 {
		params.Set("chainid", strconv.FormatInt(a.network.ChainId, 10))
	}

	endpoint := a.network.ApiBase
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + params.Encode()
	} else {
		endpoint += "?" + params.Encode()
	}

	var resp explorerResponse
	if err := a.http.GetJson(ctx, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to query explorer: %w", err)
	}

	var txs []explorerTx
	if err := json.Unmarshal(resp.Result, &txs); err != nil {
		// errors come back as a string result with status "0"
		if strings.Contains(strings.ToLower(resp.Message), "no transactions found") {
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(resp.Result, &detail)
		return nil, fmt.Errorf("explorer error: %s %s", resp.Message, detail)
	}
	return txs, nil
}
