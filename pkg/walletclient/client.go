/**
 * @description
 * Client for the wallet signer sidecar that holds user and operator keys. The escrow core
 * needs three calls: provisioning a custodial wallet for a user, the on-chain balance of an
 * address, and a lamport transfer signed with a stored key reference.
 *
 * Reads go through a retry policy and a circuit breaker. Sends go through the circuit
 * breaker only: a transfer that may have reached the chain is never resubmitted.
 *
 * @dependencies
 * - github.com/failsafe-go/failsafe-go: retry policy and circuit breaker.
 * - github.com/sirupsen/logrus: structured logging.
 */
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("wallet service circuit open")

// TransferResult is the outcome the signer reports for one send.
type TransferResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Wallet is a custodial wallet the signer generated. KeyRef never leaves the backend.
type Wallet struct {
	Address string `json:"address"`
	KeyRef  string `json:"key_ref"`
}

// StatusError is a non-2xx answer from the wallet service.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wallet service %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wallet service %s: status %d", e.Op, e.StatusCode)
}

// Options tunes the resilience policies. Zero values take the defaults.
type Options struct {
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	BreakerDelay time.Duration
	// Observe, when set, receives the duration of every call.
	Observe func(op string, d time.Duration)
}

// Client is a client for the wallet service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry

	breaker circuitbreaker.CircuitBreaker[any]
	reads   failsafe.Executor[any]
	sends   failsafe.Executor[any]
	observe func(op string, d time.Duration)
}

// NewClient creates a new wallet service client.
func NewClient(baseURL, apiKey string, logger logrus.FieldLogger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.BreakerDelay <= 0 {
		opts.BreakerDelay = 15 * time.Second
	}

	log := logger.WithField("component", "wallet_client")

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			return countsAsOutage(err)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.WithFields(logrus.Fields{
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return countsAsOutage(err)
		}).
		Build()

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: opts.Timeout},
		log:        log,
		breaker:    breaker,
		reads:      failsafe.With[any](retry, breaker),
		sends:      failsafe.With[any](breaker),
		observe:    opts.Observe,
	}
}

// countsAsOutage separates transport faults and 5xx/429 answers from business refusals.
func countsAsOutage(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, circuitbreaker.ErrOpen)
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

type balanceResponse struct {
	Address  string `json:"address"`
	Lamports int64  `json:"lamports"`
}

type provisionRequest struct {
	UserID int64 `json:"user_id"`
}

type sendRequest struct {
	FromKey  string `json:"from_key"`
	To       string `json:"to"`
	Lamports int64  `json:"lamports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetBalance returns the on-chain balance of address in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	out, err := c.execute(ctx, c.reads, "get_balance", func() (any, error) {
		var resp balanceResponse
		if err := c.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(address), nil, &resp, "get_balance"); err != nil {
			return nil, err
		}
		return resp.Lamports, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// ProvisionWallet returns the signer's wallet for userID, generating it on first use. The
// signer keys wallets by user, so a retried call yields the same wallet.
func (c *Client) ProvisionWallet(ctx context.Context, userID int64) (Wallet, error) {
	out, err := c.execute(ctx, c.reads, "provision_wallet", func() (any, error) {
		var w Wallet
		if err := c.do(ctx, http.MethodPost, "/v1/wallets", provisionRequest{UserID: userID}, &w, "provision_wallet"); err != nil {
			return nil, err
		}
		if strings.TrimSpace(w.Address) == "" || strings.TrimSpace(w.KeyRef) == "" {
			return nil, fmt.Errorf("wallet service provision_wallet: incomplete wallet for user %d", userID)
		}
		return w, nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return out.(Wallet), nil
}

// Send transfers lamports from the wallet behind fromKeyRef to toAddress. A result with
// Success=false and a nil error is a refusal reported by the signer.
func (c *Client) Send(ctx context.Context, fromKeyRef, toAddress string, lamports int64) (TransferResult, error) {
	if lamports <= 0 {
		return TransferResult{}, fmt.Errorf("wallet send: non-positive amount %d", lamports)
	}
	out, err := c.execute(ctx, c.sends, "send", func() (any, error) {
		var result TransferResult
		body := sendRequest{FromKey: fromKeyRef, To: toAddress, Lamports: lamports}
		if err := c.do(ctx, http.MethodPost, "/v1/transfers", body, &result, "send"); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
				return TransferResult{Success: false, Error: se.Message}, nil
			}
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return out.(TransferResult), nil
}

func (c *Client) execute(ctx context.Context, executor failsafe.Executor[any], op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	out, err := executor.WithContext(ctx).Get(fn)
	if c.observe != nil {
		c.observe(op, time.Since(start))
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.log.WithField("op", op).Warn("wallet call rejected by open circuit")
		return nil, ErrCircuitOpen
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}, op string) error {
	if c.baseURL == "" {
		return fmt.Errorf("wallet service base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		c.log.WithFields(logrus.Fields{"op": op, "status": resp.StatusCode, "detail": errResp.Error}).Warn("non-2xx response")
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// Degraded reports whether the breaker is currently rejecting calls.
func (c *Client) Degraded() bool {
	return c.breaker.IsOpen()
}
