// Package venue implements the outbound websocket protocol spoken to the
// external contract venue: authorize, proposal, buy, proposal_open_contract,
// forget, ping, balance. Frames are plain JSON; replies are correlated to
// requests by req_id.
package venue

import "encoding/json"

// Side is the contract type the venue accepts for a single-tick
// digit-parity contract.
type Side string

const (
	SideEven Side = "DIGITEVEN" // PAR
	SideOdd  Side = "DIGITODD"  // IMPAR
)

// authorizeRequest logs a token into the connection that sends it.
type authorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id,omitempty"`
}

type authorizeResponse struct {
	MsgType   string `json:"msg_type"`
	Authorize struct {
		LoginID string `json:"loginid"`
	} `json:"authorize"`
	Error *venueError `json:"error,omitempty"`
}

// ticksHistoryRequest backfills a symbol's tick history and, with Subscribe
// set, keeps streaming new ticks on the same connection.
type ticksHistoryRequest struct {
	TicksHistory   string `json:"ticks_history"`
	Subscribe      int    `json:"subscribe,omitempty"`
	Count          int    `json:"count"`
	End            string `json:"end"`
	Style          string `json:"style"`
	AdjustStartTime int   `json:"adjust_start_time,omitempty"`
	ReqID          int64  `json:"req_id,omitempty"`
}

type historyResponse struct {
	MsgType      string `json:"msg_type"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription,omitempty"`
	History *struct {
		Prices []float64 `json:"prices"`
		Times  []int64   `json:"times"`
	} `json:"history,omitempty"`
	Tick *tickFrame `json:"tick,omitempty"`
	Error *venueError `json:"error,omitempty"`
}

type tickFrame struct {
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
	Symbol string  `json:"symbol"`
}

// proposalRequest prices a one-tick digit-parity contract. Subscribe keeps
// the price stream open; the gateway uses it unsubscribed (one-shot quote).
type proposalRequest struct {
	Proposal     int    `json:"proposal"`
	Amount       float64 `json:"amount"`
	Basis        string `json:"basis"`
	ContractType Side   `json:"contract_type"`
	Currency     string `json:"currency"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"duration_unit"`
	Symbol       string `json:"symbol"`
	Subscribe    int    `json:"subscribe,omitempty"`
	ReqID        int64  `json:"req_id,omitempty"`
}

type proposalResponse struct {
	MsgType  string `json:"msg_type"`
	Proposal *struct {
		ID       string  `json:"id"`
		AskPrice float64 `json:"ask_price"`
		Payout   float64 `json:"payout"`
	} `json:"proposal,omitempty"`
	Error *venueError `json:"error,omitempty"`
}

// buyRequest accepts a proposal at its quoted ask price.
type buyRequest struct {
	Buy   string  `json:"buy"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id,omitempty"`
}

type buyResponse struct {
	MsgType string `json:"msg_type"`
	Buy     *struct {
		ContractID int64   `json:"contract_id"`
		BuyPrice   float64 `json:"buy_price"`
		EntrySpot  float64 `json:"entry_spot"`
	} `json:"buy,omitempty"`
	Error *venueError `json:"error,omitempty"`
}

// openContractRequest subscribes to settlement updates for a bought
// contract; the stream ends (is_sold == 1) at expiry.
type openContractRequest struct {
	ProposalOpenContract int   `json:"proposal_open_contract"`
	ContractID           int64 `json:"contract_id"`
	Subscribe            int   `json:"subscribe"`
	ReqID                int64 `json:"req_id,omitempty"`
}

type openContractResponse struct {
	MsgType              string `json:"msg_type"`
	ProposalOpenContract *struct {
		IsSold     int     `json:"is_sold"`
		Profit     float64 `json:"profit"`
		ExitSpot   float64 `json:"exit_spot"`
		CurrentSpot float64 `json:"current_spot"`
		EntryTick  float64 `json:"entry_tick"`
		EntrySpot  float64 `json:"entry_spot"`
	} `json:"proposal_open_contract,omitempty"`
	Error *venueError `json:"error,omitempty"`
}

type forgetRequest struct {
	Forget string `json:"forget"`
	ReqID  int64  `json:"req_id,omitempty"`
}

type forgetResponse struct {
	MsgType string      `json:"msg_type"`
	Error   *venueError `json:"error,omitempty"`
}

type pingRequest struct {
	Ping  int   `json:"ping"`
	ReqID int64 `json:"req_id,omitempty"`
}

type pingResponse struct {
	MsgType string      `json:"msg_type"`
	Error   *venueError `json:"error,omitempty"`
}

type balanceRequest struct {
	Balance int   `json:"balance"`
	ReqID   int64 `json:"req_id,omitempty"`
}

type balanceResponse struct {
	MsgType string `json:"msg_type"`
	Balance *struct {
		Balance float64 `json:"balance"`
		Currency string `json:"currency"`
		LoginID  string `json:"loginid"`
	} `json:"balance,omitempty"`
	Error *venueError `json:"error,omitempty"`
}

type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *venueError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// envelope is the minimal shape every inbound frame shares, used to route
// a raw message to the right typed struct and to correlate it to a pending
// request via ReqID.
type envelope struct {
	MsgType string      `json:"msg_type"`
	ReqID   int64       `json:"req_id"`
	Error   *venueError `json:"error,omitempty"`
}

func peekEnvelope(raw []byte) (envelope, error) {
	var e envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Settlement is the outcome of ExecuteContract.
type Settlement struct {
	Status     string // "WON" or "LOST"
	Profit     float64
	ExitSpot   float64
	EntrySpot  float64
	ContractID int64
	BuyPrice   float64
}

// ContractParams describes the single-tick digit-parity contract to buy.
type ContractParams struct {
	Currency string
	Side     Side
	Stake    float64
	Symbol   string

	// OnBuyConfirmed, if set, is invoked synchronously once the buy
	// frame confirms, before ExecuteContract starts monitoring the
	// contract for settlement. Callers use it to record the contract
	// as active (PENDING -> ACTIVE) while the outcome is still pending.
	OnBuyConfirmed func(contractID int64, buyPrice, entrySpot float64)
}

// Balance is the venue account snapshot returned by QueryBalance.
type Balance struct {
	Amount   float64
	Currency string
	LoginID  string
}

// Account is one entry of a user's persisted raw venue account list, used
// by ResolveAccount to pick demo-vs-real per the user's currency preference.
type Account struct {
	Token     string
	Currency  string
	LoginID   string
	IsVirtual bool
	Balance   float64
}

// ResolvedAccount is ResolveAccount's output; Token may override the one
// the caller held if a better-matching account was found.
type ResolvedAccount struct {
	Token     string
	Currency  string
	LoginID   string
	IsVirtual bool
}
