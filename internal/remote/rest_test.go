package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		APIKey:      "anon-key",
		AccessToken: "user-token",
		UserID:      offers.UserID("user-1"),
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestListOffersComputesParticipation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != offersPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("order") != "created_at.desc" {
			t.Errorf("expected newest-first ordering, got %q", r.URL.Query().Get("order"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"offer-1","user_id":"user-2","sport_type":"tennis","location":"Court 1",
			 "date_time":"2026-10-20T10:00:00Z","created_at":"2026-10-10T10:00:00Z",
			 "updated_at":"2026-10-10T10:00:00Z",
			 "profiles":{"first_name":"Ada","last_name":"Lovelace"},
			 "training_offer_participants":[{"user_id":"user-1"},{"user_id":"user-3"}]},
			{"id":"offer-2","user_id":"user-1","sport_type":"running","location":"Park",
			 "date_time":"2026-10-21T10:00:00Z","created_at":"2026-10-09T10:00:00Z",
			 "updated_at":"2026-10-09T10:00:00Z","training_offer_participants":[]}
		]`))
	})

	list, err := client.ListOffers(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two offers, got %d", len(list))
	}
	if !list[0].IsParticipating || list[0].ParticipantCount != 2 {
		t.Fatalf("expected participation to be computed, got %#v", list[0])
	}
	if list[1].IsParticipating || list[1].ParticipantCount != 0 {
		t.Fatalf("unexpected participation for second offer %#v", list[1])
	}
	if list[0].ID.IsPendingLocal() || list[0].ID.String() != "offer-1" {
		t.Fatalf("unexpected id %#v", list[0].ID)
	}
	if list[0].Profiles == nil || list[0].Profiles.FullName() != "Ada Lovelace" {
		t.Fatalf("expected profile to be decoded")
	}
}

func TestCreateOfferSendsOwnerAndReturnsRepresentation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("expected representation preference")
		}
		var body createOfferBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.UserID != "user-1" || body.SportType != "yoga" {
			t.Errorf("unexpected body %#v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"offer-9","user_id":"user-1","sport_type":"yoga","location":"Beach",
			"date_time":"2026-10-20T10:00:00Z","created_at":"2026-10-15T10:00:00Z","updated_at":"2026-10-15T10:00:00Z"}]`))
	})

	created, err := client.CreateOffer(context.Background(), offers.Draft{
		SportType: "yoga",
		Location:  "Beach",
		DateTime:  time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != offers.ConfirmedID("offer-9") {
		t.Fatalf("unexpected created id %#v", created.ID)
	}
}

func TestClientClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		network   bool
		rejection bool
	}{
		{name: "service unavailable", status: http.StatusServiceUnavailable, network: true},
		{name: "too many requests", status: http.StatusTooManyRequests, network: true},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, network: true},
		{name: "forbidden", status: http.StatusForbidden, rejection: true},
		{name: "bad request", status: http.StatusBadRequest, rejection: true},
		{name: "conflict", status: http.StatusConflict, rejection: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, testCase.status)
			})
			err := client.DeleteOffer(context.Background(), offers.ConfirmedID("offer-1"))
			if err == nil {
				t.Fatalf("expected error")
			}
			if IsNetwork(err) != testCase.network {
				t.Fatalf("network classification mismatch for %v", err)
			}
			if IsRejection(err) != testCase.rejection {
				t.Fatalf("rejection classification mismatch for %v", err)
			}
			var remoteErr *Error
			if !errors.As(err, &remoteErr) || remoteErr.Status != testCase.status {
				t.Fatalf("expected status %d on error, got %v", testCase.status, err)
			}
		})
	}
}

func TestClientTreatsUnreadableSuccessAsApplied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id": "offer-9", "sport_type": `))
	})
	_, err := client.CreateOffer(context.Background(), offers.Draft{
		SportType: "yoga",
		Location:  "Beach",
		DateTime:  time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatalf("expected error for a truncated body")
	}
	if IsNetwork(err) {
		t.Fatalf("a committed create must not be classified as network failure: %v", err)
	}
	if !IsRejection(err) || !IsApplied(err) {
		t.Fatalf("expected an applied rejection, got %v", err)
	}
}

func TestClientTreatsUnreachableServerAsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{BaseURL: baseURL, APIKey: "anon-key", Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.ListOffers(context.Background()); !IsNetwork(err) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if err := client.Ping(context.Background()); !IsNetwork(err) {
		t.Fatalf("expected ping to fail with network error, got %v", err)
	}
}

func TestClientRefusesPendingLocalIDs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
	})
	err := client.DeleteOffer(context.Background(), offers.PendingLocalID("local-1"))
	if !IsRejection(err) || !errors.Is(err, ErrPendingLocalID) {
		t.Fatalf("expected pending-local rejection, got %v", err)
	}
}

func TestListParticipantsAppliesLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != participantsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "10" {
			t.Errorf("expected limit 10, got %q", r.URL.Query().Get("limit"))
		}
		if r.URL.Query().Get("training_offer_id") != "eq.offer-1" {
			t.Errorf("unexpected offer filter %q", r.URL.Query().Get("training_offer_id"))
		}
		_, _ = w.Write([]byte(`[{"id":"p-1","training_offer_id":"offer-1","user_id":"user-3","created_at":"2026-10-10T10:00:00Z"}]`))
	})

	participants, err := client.ListParticipants(context.Background(), offers.ConfirmedID("offer-1"), 10)
	if err != nil {
		t.Fatalf("list participants failed: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "user-3" {
		t.Fatalf("unexpected participants %#v", participants)
	}
}
