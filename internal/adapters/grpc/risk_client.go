package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/schjonhaug/tapcustody/internal/ports"
)

const riskEvaluateMethod = "/tapcustody.risk.v1.RiskService/Evaluate"

// RiskClient asks an external fraud service whether a custody change may commit.
type RiskClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewRiskClient(endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*RiskClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial risk grpc: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RiskClient{conn: conn, timeout: timeout}, nil
}

func (c *RiskClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Evaluate returns an error for any transport failure or malformed answer; the caller treats
// that as a denial.
func (c *RiskClient) Evaluate(ctx context.Context, req ports.RiskRequest) (ports.RiskDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{
		"token_id":    req.TokenID,
		"transfer_id": req.TransferID,
		"from_id":     req.FromID,
		"to_id":       req.ToID,
		"counter":     float64(req.Counter),
	})
	if err != nil {
		return ports.RiskDecision{}, fmt.Errorf("build risk request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, riskEvaluateMethod, in, out); err != nil {
		return ports.RiskDecision{}, fmt.Errorf("risk evaluate: %w", err)
	}

	allow, ok := out.GetFields()["allow"]
	if !ok {
		return ports.RiskDecision{}, fmt.Errorf("risk evaluate: response missing allow")
	}
	return ports.RiskDecision{
		Allow:  allow.GetBoolValue(),
		Reason: out.GetFields()["reason"].GetStringValue(),
	}, nil
}

var _ ports.RiskGate = (*RiskClient)(nil)
