package savings

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/ledger"
	"github.com/congo-pay/savevault/internal/units"
)

// amountFields accepts either a wei amount or an ether amount, not both.
type amountFields struct {
	Amount      string `json:"amount"`
	AmountEther string `json:"amount_ether"`
}

func (a amountFields) wei() (*uint256.Int, error) {
	wei, ether := strings.TrimSpace(a.Amount), strings.TrimSpace(a.AmountEther)
	switch {
	case wei != "" && ether != "":
		return nil, fmt.Errorf("%w: set amount or amount_ether, not both", units.ErrInvalidAmount)
	case wei != "":
		return units.ParseWei(wei)
	case ether != "":
		return units.ParseEther(ether)
	default:
		return nil, fmt.Errorf("%w: amount is required", units.ErrInvalidAmount)
	}
}

type depositRequest struct {
	amountFields
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	amountFields
}

type faucetRequest struct {
	Address string `json:"address"`
	amountFields
}

type receiptResponse struct {
	OperationID         string `json:"operation_id"`
	Account             string `json:"account"`
	Counterparty        string `json:"counterparty,omitempty"`
	Amount              string `json:"amount"`
	AmountEther         string `json:"amount_ether"`
	Balance             string `json:"balance"`
	CounterpartyBalance string `json:"counterparty_balance,omitempty"`
	CustodyTotal        string `json:"custody_total"`
	At                  string `json:"at"`
}

func toReceiptResponse(r ledger.Receipt) receiptResponse {
	out := receiptResponse{
		OperationID:  r.OperationID.String(),
		Account:      r.Account.String(),
		Amount:       r.Amount.Dec(),
		AmountEther:  units.FormatEther(r.Amount),
		Balance:      r.Balance.Dec(),
		CustodyTotal: r.CustodyTotal.Dec(),
		At:           r.At.Format(time.RFC3339Nano),
	}
	if !r.Counterparty.IsZero() {
		out.Counterparty = r.Counterparty.String()
		out.CounterpartyBalance = r.CounterpartyBalance.Dec()
	}
	return out
}

type balanceResponse struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	BalanceEther string `json:"balance_ether"`
}

type custodyResponse struct {
	Holdings          string `json:"holdings"`
	HoldingsEther     string `json:"holdings_ether"`
	CustodyTotal      string `json:"custody_total"`
	CustodyTotalEther string `json:"custody_total_ether"`
}

type reconcileResponse struct {
	SumOfBalances string `json:"sum_of_balances"`
	CustodyTotal  string `json:"custody_total"`
	Holdings      string `json:"holdings"`
	Balanced      bool   `json:"balanced"`
	Solvent       bool   `json:"solvent"`
}

type operationResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       string `json:"amount"`
	At           string `json:"at"`
}

func toOperationResponses(ops []ledger.Operation) []operationResponse {
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		item := operationResponse{
			ID:      op.ID.String(),
			Kind:    op.Kind,
			Account: op.Account.String(),
			Amount:  op.Amount.Dec(),
			At:      op.At.Format(time.RFC3339Nano),
		}
		if !op.Counterparty.IsZero() {
			item.Counterparty = op.Counterparty.String()
		}
		out = append(out, item)
	}
	return out
}
