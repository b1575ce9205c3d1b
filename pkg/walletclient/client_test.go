package walletclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastOptions() Options {
	return Options{Timeout: 2 * time.Second, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestGetBalanceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/balances/Addr1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"address": "Addr1", "lamports": 8_899_990_000})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", quietLogger(), fastOptions())
	got, err := c.GetBalance(context.Background(), "Addr1")
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if got != 8_899_990_000 {
		t.Fatalf("expected 8899990000 lamports, got %d", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestSendIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quietLogger(), fastOptions())
	_, err := c.Send(context.Background(), "key-1", "Dest", 1_000)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("send must not be retried, got %d calls", calls.Load())
	}
}

func TestSendReportsRefusalAsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Lamports == 50_000_000 {
			_ = json.NewEncoder(w).Encode(TransferResult{Success: true, TxHash: "sig-abc"})
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "insufficient lamports"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quietLogger(), fastOptions())

	ok, err := c.Send(context.Background(), "key-1", "Dest", 50_000_000)
	if err != nil || !ok.Success || ok.TxHash != "sig-abc" {
		t.Fatalf("expected successful send, got %+v, %v", ok, err)
	}

	refused, err := c.Send(context.Background(), "key-1", "Dest", 7)
	if err != nil {
		t.Fatalf("refusal should not be an error, got %v", err)
	}
	if refused.Success || refused.Error != "insufficient lamports" {
		t.Fatalf("expected refusal result, got %+v", refused)
	}
}

func TestSendRejectsNonPositiveAmount(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", quietLogger(), fastOptions())
	if _, err := c.Send(context.Background(), "k", "d", 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestProvisionWalletPostsUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/wallets" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["user_id"] != 42 {
			t.Errorf("expected user_id 42, got %v (%v)", req, err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"address": "Addr42", "key_ref": "kms/42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quietLogger(), fastOptions())
	got, err := c.ProvisionWallet(context.Background(), 42)
	if err != nil {
		t.Fatalf("ProvisionWallet returned error: %v", err)
	}
	if got.Address != "Addr42" || got.KeyRef != "kms/42" {
		t.Fatalf("unexpected wallet %+v", got)
	}
}

func TestProvisionWalletRejectsIncompleteAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"address": "Addr42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quietLogger(), fastOptions())
	if _, err := c.ProvisionWallet(context.Background(), 42); err == nil {
		t.Fatalf("expected error for a wallet without key reference")
	}
}
