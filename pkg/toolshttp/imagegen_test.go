package toolshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestImageGenAdapter_ReturnsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "a cat wearing sunglasses" {
			t.Fatalf("prompt = %v", body["prompt"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"url":"http://example/cat.png"}]}`))
	}))
	defer srv.Close()

	a := NewImageGenAdapter(srv.URL, "test-key", "test-image-model")
	out, err := a.Execute(context.Background(), "a cat wearing sunglasses")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "http://example/cat.png" {
		t.Fatalf("out = %q", out)
	}
}

func TestImageGenAdapter_EmptyPrompt(t *testing.T) {
	a := NewImageGenAdapter("http://unused", "key", "model")
	if _, err := a.Execute(context.Background(), "   "); err == nil {
		t.Fatalf("expected an error for an empty prompt")
	}
}

func TestImageGenAdapter_NoImageReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	a := NewImageGenAdapter(srv.URL, "key", "model")
	_, err := a.Execute(context.Background(), "anything")
	if err == nil || !strings.Contains(err.Error(), "no image returned") {
		t.Fatalf("err = %v, want a no-image-returned error", err)
	}
}
