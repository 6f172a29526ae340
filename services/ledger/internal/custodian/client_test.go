package custodian

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPayContributor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfers" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["contributor"] != "ctb_1" || body["amount"] != float64(5000) {
			t.Errorf("unexpected transfer body: %+v", body)
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"tx_ref":"tx_abc"}`))
	}))
	defer ts.Close()

	c := New(ts.URL)
	ref, err := c.PayContributor(context.Background(), "prj_1", "ms_1", "sub_1", "ctb_1", 5000, []string{"aa"})
	if err != nil {
		t.Fatalf("PayContributor error: %v", err)
	}
	if ref != "tx_abc" {
		t.Fatalf("unexpected tx ref: %s", ref)
	}
}

func TestPayContributorErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(ts.URL)
	if _, err := c.PayContributor(context.Background(), "prj_1", "ms_1", "sub_1", "ctb_1", 1, nil); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestPayContributorEmptyTxRef(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"tx_ref":""}`))
	}))
	defer ts.Close()

	c := New(ts.URL)
	if _, err := c.PayContributor(context.Background(), "prj_1", "ms_1", "sub_1", "ctb_1", 1, nil); err == nil {
		t.Fatalf("expected error on empty tx_ref")
	}
}

func TestIsContributorPaid(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paid" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("submilestone_id") != "sub_1" {
			t.Errorf("missing submilestone_id query param")
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"paid":true}`))
	}))
	defer ts.Close()

	c := New(ts.URL)
	paid, err := c.IsContributorPaid(context.Background(), "prj_1", "ms_1", "sub_1", "ctb_1")
	if err != nil {
		t.Fatalf("IsContributorPaid error: %v", err)
	}
	if !paid {
		t.Fatalf("expected paid=true")
	}
}
