package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
	"github.com/eljojo/dchat/utilities"
)

// QueryRequest is the body of POST /events/query.
type QueryRequest struct {
	Filter
	Range
}

// QueryResponse is returned by POST /events/query.
type QueryResponse struct {
	Events []messages.RawEvent `json:"events"`
}

// SubmitRequest is the body of POST /tx.
type SubmitRequest struct {
	From      types.Address `json:"from"`
	Operation Operation     `json:"operation"`
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// CallResponse wraps the JSON result of a read call.
type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

// errorResponse is what the ledger returns with a non-2xx status.
type errorResponse struct {
	Error string `json:"error"`
}

// NewLedgerHTTPClient creates an HTTP client tuned for ledger RPC.
// Queries over a full history can be slow, so the request timeout is generous
// while the dial timeout stays short to fail fast when the node is down.
func NewLedgerHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}
}

// Client is the HTTP JSON adapter for one ledger node, acting as one account.
//
// It implements historical queries, submissions and read calls. Live events
// come from MQTTFeed instead.
type Client struct {
	httpClient *http.Client
	baseURL    string
	from       types.Address

	// Receipts, when set, is fed by the live feed and used by
	// AwaitConfirmation instead of polling.
	receipts     *utilities.Correlator[Receipt]
	pollInterval time.Duration
}

// NewClient creates a ledger client. httpClient may be nil.
func NewClient(baseURL string, from types.Address, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewLedgerHTTPClient()
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		from:         from,
		pollInterval: time.Second,
	}
}

// UseReceipts switches AwaitConfirmation to the receipts correlator.
func (c *Client) UseReceipts(receipts *utilities.Correlator[Receipt]) {
	c.receipts = receipts
}

// SetPollInterval changes how often AwaitConfirmation polls without receipts.
func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// From returns the account this client submits as.
func (c *Client) From() types.Address {
	return c.from
}

// QueryHistorical fetches every event matching filter inside r.
// Any failure is reported as ErrQueryFailed; partial results are never returned.
func (c *Client) QueryHistorical(ctx context.Context, filter Filter, r Range) ([]messages.RawEvent, error) {
	var response QueryResponse
	if err := c.postJSON(ctx, "/events/query", QueryRequest{Filter: filter, Range: r}, &response); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrQueryFailed, filter, err)
	}
	return response.Events, nil
}

// Submit sends a transaction. A refusal from the node comes back as a
// *TxError wrapping ErrDeclined.
func (c *Client) Submit(ctx context.Context, op Operation) (PendingTx, error) {
	var tx PendingTx
	err := c.postJSON(ctx, "/tx", SubmitRequest{From: c.from, Operation: op}, &tx)
	if err != nil {
		return PendingTx{}, err
	}
	if tx.ID == "" {
		return PendingTx{}, fmt.Errorf("submit %s: node returned no tx id", op.Op)
	}
	return tx, nil
}

// AwaitConfirmation blocks until the transaction settles. A reverted
// transaction returns its receipt together with a *TxError.
func (c *Client) AwaitConfirmation(ctx context.Context, tx PendingTx) (Receipt, error) {
	if c.receipts != nil {
		receipt, err := c.receipts.Wait(ctx, tx.ID)
		if err != nil {
			return Receipt{}, fmt.Errorf("await %s: %w", tx.ID, err)
		}
		return receipt, receipt.Err()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.fetchReceipt(ctx, tx.ID)
		if err != nil {
			return Receipt{}, err
		}
		if receipt.Final() {
			return receipt, receipt.Err()
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchReceipt(ctx context.Context, id string) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/tx/"+id, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("create request: %w", err)
	}
	var receipt Receipt
	if err := c.do(req, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Call performs a read-only contract call and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, out any, args ...any) error {
	if args == nil {
		args = []any{}
	}
	var response CallResponse
	if err := c.postJSON(ctx, "/call", CallRequest{Method: method, Args: args}, &response); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// GetUser returns the registered username for addr ("" when unregistered).
func (c *Client) GetUser(ctx context.Context, addr types.Address) (string, error) {
	var name string
	err := c.Call(ctx, CallGetUser, &name, addr)
	return name, err
}

// GetFriendList returns addr's friends in the order they were added.
func (c *Client) GetFriendList(ctx context.Context, addr types.Address) ([]types.Address, error) {
	var friends []types.Address
	err := c.Call(ctx, CallGetFriendList, &friends, addr)
	return friends, err
}

// GetUserGroups returns the ids of groups addr belongs to.
func (c *Client) GetUserGroups(ctx context.Context, addr types.Address) ([]types.GroupID, error) {
	var groups []types.GroupID
	err := c.Call(ctx, CallGetUserGroups, &groups, addr)
	return groups, err
}

// GetGroupDetails returns a group's name, owner and members.
func (c *Client) GetGroupDetails(ctx context.Context, id types.GroupID) (GroupDetails, error) {
	var details GroupDetails
	err := c.Call(ctx, CallGetGroupDetails, &details, id)
	return details, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && req.Method == "POST" && strings.HasSuffix(req.URL.Path, "/tx") {
		return &TxError{Reason: readErrorReason(resp.Body), Err: ErrDeclined}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readErrorReason(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readErrorReason(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
