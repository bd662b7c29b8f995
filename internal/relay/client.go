package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	custodyhttp "github.com/schjonhaug/tapcustody/internal/adapters/http"
)

// ErrLocked is returned by Client.BeginAuth when another session holds the token.
var ErrLocked = errors.New("token is locked by another session")

// RemoteError is a symbolic error returned by the custody service.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client calls the custody HTTP API on behalf of one bearer token.
type Client struct {
	baseURL string
	bearer  string
	http    *http.Client
}

func NewClient(baseURL, bearer string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/custody/v1",
		bearer:  bearer,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BeginAuth(ctx context.Context, tokenID string, allowUnowned bool) (string, [][]byte, error) {
	var out custodyhttp.BeginAuthResponse
	err := c.do(ctx, "/tokens/"+tokenID+"/sessions", custodyhttp.BeginAuthRequest{AllowUnowned: allowUnowned}, &out)
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code == custodyhttp.CodeLocked {
		return "", nil, ErrLocked
	}
	return out.SessionID, out.Frames, err
}

func (c *Client) ContinueAuth(ctx context.Context, sessionID string, response []byte) (bool, [][]byte, error) {
	var out custodyhttp.ContinueAuthResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/auth/continue", custodyhttp.CardResponseRequest{Response: response}, &out)
	return out.Done, out.Frames, err
}

func (c *Client) SetupAppAndFile(ctx context.Context, sessionID string) ([][]byte, error) {
	var out custodyhttp.SetupResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/setup", nil, &out)
	return out.Frames, err
}

func (c *Client) AuthenticateAppLevel(ctx context.Context, sessionID string) ([][]byte, error) {
	var out custodyhttp.FramesResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/app-auth", nil, &out)
	return out.Frames, err
}

func (c *Client) ContinueAppAuth(ctx context.Context, sessionID string, response []byte) ([][]byte, error) {
	var out custodyhttp.FramesResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/app-auth/continue", custodyhttp.CardResponseRequest{Response: response}, &out)
	return out.Frames, err
}

// WriteTransferData returns the write frames and, with generateServerKey, the fingerprint of
// the secret the service put in them.
func (c *Client) WriteTransferData(ctx context.Context, sessionID string, generateServerKey bool) ([][]byte, string, error) {
	var out custodyhttp.WriteTransferResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/transfer-record", custodyhttp.WriteTransferRequest{GenerateServerKey: generateServerKey}, &out)
	return out.Frames, out.KeyFingerprint, err
}

func (c *Client) ReadFileData(ctx context.Context, sessionID string, fileNo byte, length int) ([][]byte, error) {
	ref := int(fileNo)
	var out custodyhttp.FramesResponse
	err := c.do(ctx, "/sessions/"+sessionID+"/read", custodyhttp.ReadFileRequest{FileRef: &ref, Length: length}, &out)
	return out.Frames, err
}

// ValidateCardProof returns the fingerprint of the secret found on the card, if any.
func (c *Client) ValidateCardProof(ctx context.Context, sessionID string, response []byte) (string, error) {
	var out custodyhttp.ProofResponse
	if err := c.do(ctx, "/sessions/"+sessionID+"/proof", custodyhttp.CardResponseRequest{Response: response}, &out); err != nil {
		return "", err
	}
	if !out.Valid {
		return "", fmt.Errorf("proof rejected: %s", out.Message)
	}
	return out.KeyFingerprint, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "/sessions/"+sessionID+"/end", nil, nil)
}

func (c *Client) FinalizeTransfer(ctx context.Context, tokenID string) error {
	return c.do(ctx, "/tokens/"+tokenID+"/transfers/finalize", nil, nil)
}

func (c *Client) InitiateTransfer(ctx context.Context, tokenID, toID string, requiresPayment bool) (string, error) {
	var out custodyhttp.PendingTransferResponse
	err := c.do(ctx, "/tokens/"+tokenID+"/transfers", custodyhttp.InitiateTransferRequest{ToID: toID, RequiresPayment: requiresPayment}, &out)
	return out.TransferID, err
}

func (c *Client) IssuanceChallenge(ctx context.Context) ([]byte, error) {
	var out custodyhttp.FramesResponse
	if err := c.send(ctx, http.MethodGet, "/issuance/challenge", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Frames) != 1 {
		return nil, fmt.Errorf("issuance challenge: expected one frame, got %d", len(out.Frames))
	}
	return out.Frames[0], nil
}

// IssueToken requires an admin bearer.
func (c *Client) IssueToken(ctx context.Context, ownerID string, originality []byte) (string, error) {
	var out custodyhttp.TokenResponse
	err := c.do(ctx, "/tokens", custodyhttp.IssueTokenRequest{OwnerID: ownerID, Originality: originality}, &out)
	return out.TokenID, err
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearer)

	rsp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	var envelope struct {
		Status  string          `json:"status"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if envelope.Status != "success" {
		return &RemoteError{StatusCode: rsp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)

}
