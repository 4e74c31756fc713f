package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stocksync/internal/models"
)

// Client talks to the inventory backend's sync API. All mutating calls
// carry the device id so the server can attribute and deduplicate work.
type Client struct {
	baseURL    string
	apiKey     string
	deviceID   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient constructs a client with baseURL, API key and the local device id.
func NewClient(baseURL, apiKey, deviceID string, timeout time.Duration, logger *zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "remote").Logger(),
	}
}

// BatchOperation is the wire form of one queued operation.
type BatchOperation struct {
	OperationID   string         `json:"operation_id"`
	OperationType string         `json:"operation_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	Payload       models.Payload `json:"payload,omitempty"`
	BaseVersion   int64          `json:"base_version,omitempty"`
}

// BatchRequest is the body of a sync batch call.
type BatchRequest struct {
	DeviceID   string           `json:"device_id"`
	Operations []BatchOperation `json:"operations"`
}

// Per-operation statuses in a batch response.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultInvalid  = "invalid"
)

// OperationResult is the server's verdict on one operation of a batch.
type OperationResult struct {
	OperationID string         `json:"operation_id"`
	Status      string         `json:"status"`
	ServerState models.Payload `json:"server_state,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type batchResponse struct {
	Results []OperationResult `json:"results"`
}

// Heartbeat probes the sync endpoint. Any well-formed HTTP response counts
// as reachable, authentication errors included; reachability is what the
// network monitor asks about, not authorization.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sync/heartbeat", nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("heartbeat failed: http %d", resp.StatusCode)
	}
	return nil
}

// SendBatch pushes operations to the server, splitting into chunks the
// server accepts. Results for chunks that completed are returned even when
// a later chunk fails in transit, so callers can settle what did land.
func (c *Client) SendBatch(ctx context.Context, ops []models.QueuedOperation) ([]OperationResult, error) {
	var results []OperationResult

	for start := 0; start < len(ops); start += models.RemoteBatchLimit {
		end := start + models.RemoteBatchLimit
		if end > len(ops) {
			end = len(ops)
		}

		chunk, err := c.sendChunk(ctx, ops[start:end])
		results = append(results, chunk...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Client) sendChunk(ctx context.Context, ops []models.QueuedOperation) ([]OperationResult, error) {
	body := BatchRequest{DeviceID: c.deviceID, Operations: make([]BatchOperation, 0, len(ops))}
	for i := range ops {
		op := &ops[i]
		body.Operations = append(body.Operations, BatchOperation{
			OperationID:   op.ID,
			OperationType: op.OperationType,
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			Payload:       op.Payload,
			BaseVersion:   op.OriginalPayload.Version(),
		})
	}

	var resp batchResponse
	if err := c.doPost(ctx, c.baseURL+"/api/v1/sync/batch", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CreateEntity creates an entity directly, bypassing the queue. Returns the
// server's stored state.
func (c *Client) CreateEntity(ctx context.Context, entityType string, payload models.Payload) (models.Payload, error) {
	var out models.Payload
	endpoint := fmt.Sprintf("%s/api/v1/entities/%s", c.baseURL, url.PathEscape(entityType))
	if err := c.doPost(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntity updates an entity. A nonzero baseVersion is sent as If-Match
// so the server can detect concurrent edits; zero overwrites unconditionally.
func (c *Client) UpdateEntity(ctx context.Context, entityType, entityID string, payload models.Payload, baseVersion int64) (models.Payload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := c.entityURL(entityType, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if baseVersion != 0 {
		req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	}
	c.addHeaders(req)

	var out models.Payload
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEntity deletes an entity. Deleting something already gone succeeds;
// the end state is the same.
func (c *Client) DeleteEntity(ctx context.Context, entityType, entityID string, baseVersion int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entityURL(entityType, entityID), nil)
	if err != nil {
		return err
	}
	if baseVersion != 0 {
		req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	}
	c.addHeaders(req)

	err = c.do(req, nil)
	if err == ErrEntityNotFound {
		return nil
	}
	return err
}

// GetEntity fetches the server's current state of an entity.
func (c *Client) GetEntity(ctx context.Context, entityType, entityID string) (models.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(entityType, entityID), nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)

	var out models.Payload
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) entityURL(entityType, entityID string) string {
	return fmt.Sprintf("%s/api/v1/entities/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(entityID))
}

func (c *Client) doPost(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.classify(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error       string         `json:"error"`
	ServerState models.Payload `json:"server_state,omitempty"`
}

func (c *Client) classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body errorBody
	_ = json.Unmarshal(raw, &body)

	switch {
	case resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{ServerState: body.ServerState, Message: body.Error}
	case resp.StatusCode == http.StatusNotFound:
		return ErrEntityNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{StatusCode: resp.StatusCode}
	default:
		msg := body.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &ValidationError{StatusCode: resp.StatusCode, Message: msg}
	}
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}
