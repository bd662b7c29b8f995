package risk

import (
	"context"
	"log/slog"

	"github.com/schjonhaug/tapcustody/internal/ports"
)

// AllowAll approves every custody change. Used when no fraud service is configured.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, ports.RiskRequest) (ports.RiskDecision, error) {
	return ports.RiskDecision{Allow: true}, nil
}

// Blocklist denies transfers to or from listed users and defers everything else to Next.
type Blocklist struct {
	Users map[string]struct{}
	Next  ports.RiskGate
}

func NewBlocklist(users []string, next ports.RiskGate) *Blocklist {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u != "" {
			set[u] = struct{}{}
		}
	}
	if next == nil {
		next = AllowAll{}
	}
	return &Blocklist{Users: set, Next: next}
}

func (b *Blocklist) Evaluate(ctx context.Context, req ports.RiskRequest) (ports.RiskDecision, error) {
	for _, id := range []string{req.FromID, req.ToID} {
		if _, blocked := b.Users[id]; blocked {
			slog.Warn("risk blocklist hit", "module", "risk", "token_id", req.TokenID, "user_id", id)
			return ports.RiskDecision{Allow: false, Reason: "blocklisted"}, nil
		}
	}
	return b.Next.Evaluate(ctx, req)
}
