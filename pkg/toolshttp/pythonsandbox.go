package toolshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PythonSandboxAdapter implements tools.Adapter for
// run_python_analysis against an HTTP code-execution sandbox; the
// adapter only knows the request/response envelope.
type PythonSandboxAdapter struct {
	Endpoint string
	Client   *http.Client
}

// NewPythonSandboxAdapter builds an adapter against a sandbox service
// that accepts {"code": "..."} and returns {"stdout": "...", "error": "..."}.
func NewPythonSandboxAdapter(endpoint string) *PythonSandboxAdapter {
	return &PythonSandboxAdapter{Endpoint: endpoint, Client: &http.Client{Timeout: 30 * time.Second}}
}

type sandboxRequest struct {
	Code string `json:"code"`
}

type sandboxResponse struct {
	Stdout string `json:"stdout"`
	Error  string `json:"error"`
}

func (a *PythonSandboxAdapter) Execute(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("run_python_analysis: empty code")
	}
	body, err := json.Marshal(sandboxRequest{Code: code})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("run_python_analysis: %w", err)
	}
	defer resp.Body.Close()

	var out sandboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("run_python_analysis: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.Stdout, nil
}
