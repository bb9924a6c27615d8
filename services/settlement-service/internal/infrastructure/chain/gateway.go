package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/logging"
)

// Gateway talks JSON-RPC to the chain relay. It implements both the asset
// contract side (payout computation) and the payment side (native and
// token transfers, transfer responses). Transport-level failures retry;
// RPC-level errors are returned to the caller, who classifies them.
type Gateway struct {
	endpoint string
	client   *retryablehttp.Client
	log      *logging.Logger
}

type Config struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
}

func NewGateway(cfg Config, log *logging.Logger) *Gateway {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return &Gateway{
		endpoint: cfg.Endpoint,
		client:   client,
		log:      log,
	}
}

var _ domain.AssetContractGateway = (*Gateway)(nil)
var _ domain.PaymentGateway = (*Gateway)(nil)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (g *Gateway) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}

// RequestTransferPayout asks the asset contract to transfer the asset and
// compute the payout breakdown. The returned handle keys the later outcome
// poll.
func (g *Gateway) RequestTransferPayout(ctx context.Context, req domain.TransferPayoutRequest) (string, error) {
	var result struct {
		Handle string `json:"handle"`
	}
	if err := g.call(ctx, "asset_transfer_payout", req, &result); err != nil {
		return "", err
	}
	return result.Handle, nil
}

// PayoutOutcome polls the result of a payout computation
func (g *Gateway) PayoutOutcome(ctx context.Context, handle string) (*domain.PayoutOutcome, error) {
	var outcome domain.PayoutOutcome
	params := map[string]string{"handle": handle}
	if err := g.call(ctx, "payout_outcome", params, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (g *Gateway) TransferNative(ctx context.Context, to domain.AccountID, amount domain.Amount) error {
	params := map[string]interface{}{
		"receiver_id": to,
		"amount":      amount,
	}
	return g.call(ctx, "transfer_native", params, nil)
}

func (g *Gateway) TransferToken(ctx context.Context, ftContract domain.AccountID, to domain.AccountID, amount domain.Amount) error {
	params := map[string]interface{}{
		"ft_contract_id": ftContract,
		"receiver_id":    to,
		"amount":         amount,
	}
	return g.call(ctx, "transfer_token", params, nil)
}

func (g *Gateway) RespondTokenTransfer(ctx context.Context, ftContract domain.AccountID, transferID string, refund domain.Amount) error {
	params := map[string]interface{}{
		"ft_contract_id": ftContract,
		"transfer_id":    transferID,
		"refund":         refund,
	}
	return g.call(ctx, "respond_token_transfer", params, nil)
}
