// Package client provides the VeriTrail Go SDK for appending audit entries
// and running chain verification against a ledgerd instance.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for a 404 from the service.
var ErrNotFound = errors.New("client: not found")

// Entry mirrors the service's ledger entry representation.
type Entry struct {
	LedgerID      string          `json:"ledger_id"`
	Sequence      uint64          `json:"sequence"`
	ActorID       string          `json:"actor_id,omitempty"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ContentHash   string          `json:"content_hash"`
	RecordedAt    time.Time       `json:"recorded_at"`
	PrevChainHash string          `json:"previous_chain_hash"`
	ChainHash     string          `json:"chain_hash"`
	RedactedAt    *time.Time      `json:"redacted_at,omitempty"`
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
}

// VerificationResult mirrors the service's verification response.
type VerificationResult struct {
	Valid         bool    `json:"valid"`
	VerifiedCount uint64  `json:"verified_count"`
	TotalEntries  uint64  `json:"total_entries"`
	BrokenAt      *uint64 `json:"broken_at,omitempty"`
	VerifiedRange struct {
		Start uint64 `json:"start"`
		End   uint64 `json:"end"`
	} `json:"verified_range"`
}

// RedactRequest is the payload for Redact.
type RedactRequest struct {
	MatchValue  string `json:"match_value,omitempty"`
	MatchField  string `json:"match_field,omitempty"`
	Marker      string `json:"marker,omitempty"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

// RedactionResult mirrors the service's redaction response.
type RedactionResult struct {
	RequestID       string `json:"request_id"`
	EntriesAffected uint64 `json:"entries_affected"`
	AuditSequence   uint64 `json:"audit_sequence"`
}

// Client talks to a ledgerd instance.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the service at base (e.g. "http://localhost:8080").
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Append records one audit entry on the given ledger.
func (c *Client) Append(ctx context.Context, ledgerID string, req AppendRequest) (*Entry, error) {
	entry := &Entry{}
	if err := c.post(ctx, "/api/v1/ledgers/"+url.PathEscape(ledgerID)+"/entries", req, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get fetches the entry at (ledgerID, sequence).
func (c *Client) Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error) {
	entry := &Entry{}
	path := fmt.Sprintf("/api/v1/ledgers/%s/entries/%d", url.PathEscape(ledgerID), sequence)
	if err := c.get(ctx, path, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Tail fetches the most recent entry, or ErrNotFound for an empty ledger.
func (c *Client) Tail(ctx context.Context, ledgerID string) (*Entry, error) {
	entry := &Entry{}
	if err := c.get(ctx, "/api/v1/ledgers/"+url.PathEscape(ledgerID)+"/tail", entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Verify runs chain verification over an optional sub-range. Nil bounds
// verify the whole ledger.
func (c *Client) Verify(ctx context.Context, ledgerID string, start, end *uint64) (*VerificationResult, error) {
	body := map[string]*uint64{}
	if start != nil {
		body["start"] = start
	}
	if end != nil {
		body["end"] = end
	}
	res := &VerificationResult{}
	if err := c.post(ctx, "/api/v1/ledgers/"+url.PathEscape(ledgerID)+"/verify", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Redact applies a server-side erasure pass.
func (c *Client) Redact(ctx context.Context, ledgerID string, req RedactRequest) (*RedactionResult, error) {
	res := &RedactionResult{}
	if err := c.post(ctx, "/api/v1/ledgers/"+url.PathEscape(ledgerID)+"/redact", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Export streams an export in the given format ("json" or "csv"). The caller
// must close the returned reader.
func (c *Client) Export(ctx context.Context, ledgerID string, start, end uint64, format string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatUint(start, 10))
	q.Set("end", strconv.FormatUint(end, 10))
	q.Set("format", format)
	u := c.base + "/api/v1/ledgers/" + url.PathEscape(ledgerID) + "/export?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
