package toolshttp

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

type fakeSearchClient struct {
	html string
	err  error
}

func (f *fakeSearchClient) Fetch(ctx context.Context, query string) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(f.html)),
	}, nil
}

const sampleResultsHTML = `
<html><body>
<div class="result">
  <h3 class="result__title">Go Programming Language</h3>
  <p class="result__snippet">An open source programming language.</p>
</div>
<div class="result">
  <h3 class="result__title">Effective Go</h3>
  <p class="result__snippet">Tips for writing clear, idiomatic Go code.</p>
</div>
</body></html>`

func TestWebSearchAdapterParsesResults(t *testing.T) {
	a := NewWebSearchAdapter(&fakeSearchClient{html: sampleResultsHTML}, 5)
	out, err := a.Execute(context.Background(), "golang")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "Go Programming Language") || !strings.Contains(out, "Effective Go") {
		t.Fatalf("expected both results in output, got %q", out)
	}
}

func TestWebSearchAdapterRespectsMaxItems(t *testing.T) {
	a := NewWebSearchAdapter(&fakeSearchClient{html: sampleResultsHTML}, 1)
	out, err := a.Execute(context.Background(), "golang")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(out, "Effective Go") {
		t.Fatalf("expected only first result with MaxItems=1, got %q", out)
	}
}

func TestWebSearchAdapterEmptyQuery(t *testing.T) {
	a := NewWebSearchAdapter(&fakeSearchClient{html: sampleResultsHTML}, 5)
	if _, err := a.Execute(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestWebSearchAdapterNoResults(t *testing.T) {
	a := NewWebSearchAdapter(&fakeSearchClient{html: "<html><body></body></html>"}, 5)
	out, err := a.Execute(context.Background(), "obscure query")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "No results found." {
		t.Fatalf("unexpected output: %q", out)
	}
}
