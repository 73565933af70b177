package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestIsMember_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/members/123" {
			t.Fatalf("path = %s, want /api/members/123", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(memberResponse{Member: true}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	member, err := client.IsMember(ctx, 123)
	if err != nil {
		t.Fatalf("IsMember error: %v", err)
	}
	if !member {
		t.Fatalf("member = false, want true")
	}
}

func TestIsMember_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	member, err := client.IsMember(context.Background(), 1)
	if err != nil {
		t.Fatalf("IsMember error: %v", err)
	}
	if member {
		t.Fatalf("404 must mean not a member")
	}
}

func TestIsMember_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.IsMember(context.Background(), 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestListMembers_Paged(t *testing.T) {
	all := []int64{1, 2, 3, 4, 5}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page := all[offset:end]

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(membersPageResponse{Members: page, Total: len(all)}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	members, err := client.ListMembers(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListMembers error: %v", err)
	}
	if len(members) != len(all) {
		t.Fatalf("got %d members, want %d", len(members), len(all))
	}
	for i, id := range all {
		if members[i] != id {
			t.Fatalf("members[%d] = %d, want %d", i, members[i], id)
		}
	}
}

func TestListMembers_PartialOnFailure(t *testing.T) {
	var calls int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			// Сбой в середине перечисления.
			http.Error(w, "boom", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"members":[1,2],"total":4}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	members, err := client.ListMembers(context.Background(), 2)
	if err == nil {
		t.Fatalf("expected error from second page")
	}
	if len(members) != 2 {
		t.Fatalf("partial prefix must be returned, got %d members", len(members))
	}
}
