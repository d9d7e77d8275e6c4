package hubspotsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("HUBSPOT_ACCESS_TOKEN", "test-token")
	t.Setenv("HUBSPOT_API_BASE_URL", srv.URL)
	t.Setenv("HUBSPOT_RATE_LIMIT_PER_SEC", "1000")

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("HUBSPOT_ACCESS_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected token error")
	}
}

func TestGetDeal(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		if !strings.HasPrefix(r.URL.Path, "/crm/v3/objects/deals/d1") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if props := r.URL.Query().Get("properties"); !strings.Contains(props, "kvnummer") {
			t.Errorf("properties = %q", props)
		}
		json.NewEncoder(w).Encode(Deal{
			ID: "d1",
			Properties: DealProperties{
				DealName: "Projekt",
				Amount:   json.Number("500"),
				KvNummer: "KV-1",
			},
		})
	}))

	deal, err := c.GetDeal(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.ID != "d1" || deal.Properties.KvNummer != "KV-1" {
		t.Fatalf("deal = %+v", deal)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad"}`))
	}))

	if _, err := c.GetDeal(context.Background(), "d1"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, calls = %d", calls)
	}
}

func TestEnrichFromCrm(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/crm/v3/objects/companies/"):
			w.Write([]byte(`{"id":"c1","properties":{"name":"ACME GmbH"}}`))
		case strings.HasPrefix(r.URL.Path, "/crm/v3/owners/"):
			w.Write([]byte(`{"id":"o1","firstName":"Anna","lastName":"Beispiel"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	e := &models.Entry{}
	d := &Deal{ID: "d1", Properties: DealProperties{CompanyID: "c1", HubspotOwnerID: "o1"}}
	EnrichFromCrm(context.Background(), c, d, e)
	if e.Client != "ACME GmbH" {
		t.Fatalf("client = %q", e.Client)
	}
	if got := getExtraString(e, "dealOwner"); got != "Anna Beispiel" {
		t.Fatalf("dealOwner = %q", got)
	}

	// An already-set client name is never overwritten.
	e2 := &models.Entry{Client: "Bestand"}
	EnrichFromCrm(context.Background(), c, d, e2)
	if e2.Client != "Bestand" {
		t.Fatalf("client overwritten: %q", e2.Client)
	}
}

func TestUpdateDealProperties(t *testing.T) {
	var payload map[string]map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := c.UpdateDealProperties(context.Background(), "d1", map[string]string{"salesdock_id": "e1"})
	if err != nil {
		t.Fatalf("UpdateDealProperties: %v", err)
	}
	if payload["properties"]["salesdock_id"] != "e1" {
		t.Fatalf("payload = %+v", payload)
	}
}
