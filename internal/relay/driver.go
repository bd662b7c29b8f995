package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/protocol"
)

// Custody is the remote operation surface the driver walks through. Client implements it over
// HTTP.
type Custody interface {
	BeginAuth(ctx context.Context, tokenID string, allowUnowned bool) (string, [][]byte, error)
	ContinueAuth(ctx context.Context, sessionID string, response []byte) (bool, [][]byte, error)
	SetupAppAndFile(ctx context.Context, sessionID string) ([][]byte, error)
	AuthenticateAppLevel(ctx context.Context, sessionID string) ([][]byte, error)
	ContinueAppAuth(ctx context.Context, sessionID string, response []byte) ([][]byte, error)
	WriteTransferData(ctx context.Context, sessionID string, generateServerKey bool) ([][]byte, string, error)
	ReadFileData(ctx context.Context, sessionID string, fileNo byte, length int) ([][]byte, error)
	ValidateCardProof(ctx context.Context, sessionID string, response []byte) (string, error)
	EndSession(ctx context.Context, sessionID string) error
	FinalizeTransfer(ctx context.Context, tokenID string) error
	IssuanceChallenge(ctx context.Context) ([]byte, error)
	IssueToken(ctx context.Context, ownerID string, originality []byte) (string, error)
}

type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	MaxAttempts  int
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		MaxAttempts:  8,
	}
}

// NextBackoffDelay is the wait before attempt (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Driver runs complete card flows: it shuttles frames between the custody service and the
// relay and never looks inside them beyond status words.
type Driver struct {
	custody Custody
	relay   *Relay
	backoff BackoffConfig
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewDriver(custody Custody, relay *Relay, backoff BackoffConfig) *Driver {
	return &Driver{
		custody: custody,
		relay:   relay,
		backoff: backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
}

// Authenticate opens a session and carries it to APP_AUTH. A locked token is retried with
// backoff until the other session ends or expires.
func (d *Driver) Authenticate(ctx context.Context, tokenID string, allowUnowned bool) (string, error) {

	sessionID, frames, err := d.begin(ctx, tokenID, allowUnowned)
	if err != nil {
		return "", err
	}

	for {
		answers, err := d.relay.RelayChain(frames)
		if err != nil {
			return "", err
		}
		done, next, err := d.custody.ContinueAuth(ctx, sessionID, Last(answers))
		if err != nil {
			return "", err
		}
		if done {
			break
		}
		frames = next
	}

	frames, err = d.custody.SetupAppAndFile(ctx, sessionID)
	if err != nil {
		return "", err
	}
	answers, err := d.relay.RelaySteps(frames, apdu.StatusDuplicate)
	if err != nil {
		return "", err
	}
	if sw, serr := apdu.StatusOf(Last(answers)); serr != nil || !(sw.Success() || sw == apdu.StatusDuplicate) {
		return "", fmt.Errorf("setup failed with %s", sw)
	}

	frames, err = d.custody.AuthenticateAppLevel(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for len(frames) > 0 {
		answers, err := d.relay.RelayChain(frames)
		if err != nil {
			return "", err
		}
		frames, err = d.custody.ContinueAppAuth(ctx, sessionID, Last(answers))
		if err != nil {
			return "", err
		}
	}

	return sessionID, nil

}

func (d *Driver) begin(ctx context.Context, tokenID string, allowUnowned bool) (string, [][]byte, error) {
	attempts := d.backoff.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		sessionID, frames, err := d.custody.BeginAuth(ctx, tokenID, allowUnowned)
		if !errors.Is(err, ErrLocked) {
			return sessionID, frames, err
		}
		if attempt >= attempts {
			return "", nil, err
		}
		delay := NextBackoffDelay(d.backoff, attempt, d.rng)
		slog.Debug("DRIVER", "Token", tokenID, "Locked", true, "Attempt", attempt, "Delay", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return "", nil, err
		}
	}
}

// Claim proves possession of the token for its pending transfer and finalizes it. With
// generateServerKey it returns the fingerprint of the secret now stored on the card.
func (d *Driver) Claim(ctx context.Context, tokenID string, generateServerKey bool) (string, error) {

	sessionID, err := d.Authenticate(ctx, tokenID, true)
	if err != nil {
		return "", err
	}

	frames, written, err := d.custody.WriteTransferData(ctx, sessionID, generateServerKey)
	if err != nil {
		return "", err
	}
	answers, err := d.relay.RelayChain(frames)
	if err != nil {
		return "", err
	}
	if sw, serr := apdu.StatusOf(Last(answers)); serr != nil || !sw.Success() {
		return "", fmt.Errorf("transfer record write failed with %s", sw)
	}

	frames, err = d.custody.ReadFileData(ctx, sessionID, protocol.TransferFileNo, protocol.TransferFileSize)
	if err != nil {
		return "", err
	}
	answers, err = d.relay.RelayChain(frames)
	if err != nil {
		return "", err
	}
	proven, err := d.custody.ValidateCardProof(ctx, sessionID, Last(answers))
	if err != nil {
		return "", err
	}
	if proven != written {
		return "", fmt.Errorf("card holds secret %q, service wrote %q", proven, written)
	}

	if err := d.custody.FinalizeTransfer(ctx, tokenID); err != nil {
		return "", err
	}

	slog.Debug("DRIVER", "Token", tokenID, "Claimed", true, "KeyFingerprint", proven)

	return proven, nil

}

// Issue reads the chip's originality signature and registers the token for ownerID. A failing
// card status is forwarded so the service reports it.
func (d *Driver) Issue(ctx context.Context, ownerID string) (string, error) {

	frame, err := d.custody.IssuanceChallenge(ctx)
	if err != nil {
		return "", err
	}
	rsp, err := d.relay.Relay(frame)
	if err != nil {
		return "", err
	}

	return d.custody.IssueToken(ctx, ownerID, rsp)

}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
