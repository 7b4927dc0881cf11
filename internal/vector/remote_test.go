package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sina-abbasi/ragline/config"
)

func TestRemoteStoreUpsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("action"); got != "storeDocument" {
			t.Fatalf("unexpected action: %q", got)
		}
		if got := r.FormValue("token"); got != "secret" {
			t.Fatalf("unexpected token: %q", got)
		}
		if got := r.FormValue("namespace"); got != "docs" {
			t.Fatalf("unexpected namespace: %q", got)
		}
		if got := r.FormValue("text"); got != "section body" {
			t.Fatalf("unexpected text: %q", got)
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			t.Fatalf("metadata not JSON: %v", err)
		}
		if meta["doc_id"] != "doc-1" {
			t.Fatalf("unexpected metadata: %+v", meta)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "success",
			"vector_id": "sha256:stored",
		})
	}))
	defer srv.Close()

	st := NewRemoteStore(config.VectorConfig{
		RemoteURL:   srv.URL,
		RemoteToken: "secret",
		Namespace:   "docs",
	}, nil)

	id, err := st.Upsert(context.Background(), Section{
		Title:    "Intro",
		Text:     "section body",
		Metadata: map[string]string{"doc_id": "doc-1"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if id != "sha256:stored" {
		t.Fatalf("expected vector id from API, got %q", id)
	}
}

func TestRemoteStoreUpsertAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"error":  "namespace quota exceeded",
		})
	}))
	defer srv.Close()

	st := NewRemoteStore(config.VectorConfig{RemoteURL: srv.URL}, nil)
	_, err := st.Upsert(context.Background(), Section{Text: "body"})
	if err == nil {
		t.Fatal("expected error from API envelope")
	}
}

func TestRemoteStoreDelete(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotID = r.FormValue("vector_id")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "success"})
	}))
	defer srv.Close()

	st := NewRemoteStore(config.VectorConfig{RemoteURL: srv.URL}, nil)
	if err := st.Delete(context.Background(), "sha256:gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotID != "sha256:gone" {
		t.Fatalf("unexpected vector_id: %q", gotID)
	}
}

func TestRemoteStoreQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.FormValue("top_k"); got != "2" {
			t.Fatalf("unexpected top_k: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"results": []map[string]interface{}{
				{"vector_id": "sha256:v1", "title": "Intro", "text": "hello", "score": 0.93},
			},
		})
	}))
	defer srv.Close()

	st := NewRemoteStore(config.VectorConfig{RemoteURL: srv.URL}, nil)
	results, err := st.Query(context.Background(), "hello", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "sha256:v1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRemoteStoreHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := NewRemoteStore(config.VectorConfig{RemoteURL: srv.URL}, nil)
	if _, err := st.Query(context.Background(), "hello", 1); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
