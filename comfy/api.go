package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func newHttpClient(settings *ClientSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpConnectTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

// SubmitArgs is the `/prompt` request body. Prompt carries the
// rendered job graph verbatim.
type SubmitArgs struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientId string          `json:"client_id"`
}

type SubmitResult struct {
	PromptId   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

func postJson(ctx context.Context, client *http.Client, url string, args any) (string, error) {
	requestBody, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return "", err
	}
	req.Header.Add("Content-Type", "application/json")

	r, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return "", fmt.Errorf("%s: %s", r.Status, strings.TrimSpace(string(responseBody)))
	}
	if err != nil {
		return "", err
	}

	return string(responseBody), nil
}

func getBytes(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return nil, fmt.Errorf("%s: %s", r.Status, strings.TrimSpace(string(responseBody)))
	}
	if err != nil {
		return nil, err
	}

	return responseBody, nil
}

func getJson[R any](ctx context.Context, client *http.Client, url string, result R) (R, error) {
	responseBody, err := getBytes(ctx, client, url)
	if err != nil {
		var empty R
		return empty, err
	}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}
