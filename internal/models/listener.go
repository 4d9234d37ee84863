package models

// CheckStatus is the outcome of a manual payment check
type CheckStatus string

const (
	CheckFulfilled        CheckStatus = "fulfilled"
	CheckAlreadyFulfilled CheckStatus = "already_fulfilled"
	CheckNoKey            CheckStatus = "no_key"
	CheckNotFound         CheckStatus = "not_found"
	CheckPending          CheckStatus = "pending"
	CheckUnsupported      CheckStatus = "unsupported"
	CheckTxAlreadyUsed    CheckStatus = "tx_already_used"
)

// CheckResult is reported back to the user who asked for a manual check
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	OrderId int64       `json:"order_id,omitempty"`
	TxId    string      `json:"txid,omitempty"`
	Order   *Order      `json:"-"`
}

// PollSummary counts what one poller pass did
type PollSummary struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Found   int `json:"found"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}
