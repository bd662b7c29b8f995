package ports

import "context"

// RiskRequest describes a custody change about to be committed.
type RiskRequest struct {
	TokenID    string
	TransferID string
	FromID     string
	ToID       string
	Counter    uint64
}

type RiskDecision struct {
	Allow  bool
	Reason string
}

// RiskGate is consulted inside finalize before ownership moves. An error fails the finalize
// closed.
type RiskGate interface {
	Evaluate(ctx context.Context, req RiskRequest) (RiskDecision, error)
}
