package model

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExecuted  Status = "EXECUTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the directed lifecycle graph. APPROVED -> REJECTED is the
// stale re-verification path taken at execution time.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusExpired, StatusCancelled},
	StatusApproved: {StatusExecuted, StatusRejected, StatusExpired, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Reason records why an order reached its current state.
type Reason string

const (
	ReasonDayTradeBlocked         Reason = "DAY_TRADE_BLOCKED"
	ReasonRiskExceeded            Reason = "RISK_EXCEEDED"
	ReasonInsufficientFunds       Reason = "INSUFFICIENT_FUNDS"
	ReasonInsufficientShares      Reason = "INSUFFICIENT_SHARES"
	ReasonPositionLimitExceeded   Reason = "POSITION_LIMIT_EXCEEDED"
	ReasonStaleInsufficientFunds  Reason = "STALE_INSUFFICIENT_FUNDS"
	ReasonStaleInsufficientShares Reason = "STALE_INSUFFICIENT_SHARES"
	ReasonExpired                 Reason = "EXPIRED"
	ReasonCancelledByUser         Reason = "CANCELLED_BY_USER"
	ReasonOCOSiblingFilled        Reason = "OCO_SIBLING_FILLED"
	ReasonAlreadyTerminal         Reason = "ALREADY_TERMINAL"
	ReasonApproved                Reason = "APPROVED"
	ReasonTriggered               Reason = "TRIGGERED"
)

var reasonText = map[Reason]string{
	ReasonDayTradeBlocked:         "sell blocked: symbol was bought earlier this trading day and day trading is disabled",
	ReasonRiskExceeded:            "order risk level exceeds the strategy's risk tolerance",
	ReasonInsufficientFunds:       "not enough cash to cover quantity at the reference price",
	ReasonInsufficientShares:      "portfolio does not hold enough shares to sell",
	ReasonPositionLimitExceeded:   "projected position would exceed the maximum position size",
	ReasonStaleInsufficientFunds:  "price moved since approval; cash no longer covers the trade",
	ReasonStaleInsufficientShares: "shares sold elsewhere since approval; position no longer covers the trade",
	ReasonExpired:                 "order expired before it could be executed",
	ReasonCancelledByUser:         "order cancelled on request",
	ReasonOCOSiblingFilled:        "sibling protective order executed",
	ReasonAlreadyTerminal:         "order already reached a terminal state",
	ReasonApproved:                "all assignment checks passed",
	ReasonTriggered:               "trigger condition met and order executed",
}

// Describe returns a human-readable explanation of r.
func (r Reason) Describe() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return string(r)
}
