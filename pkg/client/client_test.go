package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veritrail/veritrail/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubLedgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/ledgers/crm.audit/entries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["action"] == nil || req["action"] == "" {
			http.Error(w, `{"error":"action is required"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"ledger_id":           "crm.audit",
			"sequence":            0,
			"action":              req["action"],
			"content_hash":        "aaaa",
			"previous_chain_hash": strings.Repeat("0", 64),
			"chain_hash":          "bbbb",
		})
	})

	mux.HandleFunc("/api/v1/ledgers/crm.audit/entries/", func(w http.ResponseWriter, r *http.Request) {
		seq := strings.TrimPrefix(r.URL.Path, "/api/v1/ledgers/crm.audit/entries/")
		if seq == "42" {
			http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ledger_id": "crm.audit",
			"sequence":  0,
			"action":    "create",
		})
	})

	mux.HandleFunc("/api/v1/ledgers/crm.audit/tail", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ledger_id": "crm.audit",
			"sequence":  7,
			"action":    "update",
		})
	})

	mux.HandleFunc("/api/v1/ledgers/crm.audit/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid":          true,
			"verified_count": 8,
			"total_entries":  8,
			"verified_range": map[string]any{"start": 0, "end": 7},
		})
	})

	mux.HandleFunc("/api/v1/ledgers/crm.audit/redact", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["match_value"] == nil && req["match_field"] == nil {
			http.Error(w, `{"error":"match_value or match_field is required"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"request_id":       "550e8400-e29b-41d4-a716-446655440000",
			"entries_affected": 3,
			"audit_sequence":   12,
		})
	})

	mux.HandleFunc("/api/v1/ledgers/crm.audit/export", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "csv" {
			w.Header().Set("Content-Type", "text/csv")
			io.WriteString(w, "ledger_id,sequence\ncrm.audit,0\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ledger_id":"crm.audit","entries":[]}`)
	})

	return httptest.NewServer(mux)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidBase(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid base URL")
	}
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestAppend_success(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := c.Append(context.Background(), "crm.audit", client.AppendRequest{
		Action:     "create",
		EntityType: "lead",
		EntityID:   "l_1",
		NewValues:  map[string]any{"email": "a@b.example"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Sequence != 0 {
		t.Errorf("unexpected sequence: %d", entry.Sequence)
	}
	if entry.PrevChainHash != strings.Repeat("0", 64) {
		t.Errorf("unexpected previous chain hash: %s", entry.PrevChainHash)
	}
}

func TestAppend_400(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Append(context.Background(), "crm.audit", client.AppendRequest{})
	if err == nil {
		t.Error("expected error for missing action")
	}
	if !strings.Contains(err.Error(), "action is required") {
		t.Errorf("server message not surfaced: %v", err)
	}
}

func TestGet_notFound(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Get(context.Background(), "crm.audit", 42)
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTail_success(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	entry, err := c.Tail(context.Background(), "crm.audit")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if entry.Sequence != 7 {
		t.Errorf("unexpected tail sequence: %d", entry.Sequence)
	}
}

func TestVerify_success(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	res, err := c.Verify(context.Background(), "crm.audit", nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.VerifiedCount != 8 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.VerifiedRange.End != 7 {
		t.Errorf("unexpected verified range: %+v", res.VerifiedRange)
	}
}

func TestRedact_success(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	res, err := c.Redact(context.Background(), "crm.audit", client.RedactRequest{
		MatchValue:  "a@b.example",
		RequestedBy: "dpo@example.com",
		Reason:      "gdpr article 17",
	})
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if res.EntriesAffected != 3 {
		t.Errorf("unexpected affected count: %d", res.EntriesAffected)
	}
	if res.RequestID == "" {
		t.Error("expected non-empty request id")
	}
}

func TestRedact_400_noMatcher(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Redact(context.Background(), "crm.audit", client.RedactRequest{
		RequestedBy: "dpo@example.com",
		Reason:      "gdpr article 17",
	})
	if err == nil {
		t.Error("expected error for missing matcher")
	}
}

func TestExport_json(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	body, err := c.Export(context.Background(), "crm.audit", 0, 100, "json")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer body.Close()

	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), `"ledger_id":"crm.audit"`) {
		t.Errorf("unexpected export body: %s", raw)
	}
}

func TestExport_csv(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)
	body, err := c.Export(context.Background(), "crm.audit", 0, 100, "csv")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer body.Close()

	raw, _ := io.ReadAll(body)
	if !strings.HasPrefix(string(raw), "ledger_id,sequence") {
		t.Errorf("unexpected csv header: %s", raw)
	}
}

func TestWithHTTPClient(t *testing.T) {
	srv := stubLedgerServer(t)
	defer srv.Close()

	custom := srv.Client()
	c, err := client.New(srv.URL, client.WithHTTPClient(custom))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tail(context.Background(), "crm.audit"); err != nil {
		t.Fatalf("Tail with custom client: %v", err)
	}
}
