package comfy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPostJsonSurfacesErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid prompt: missing class_type", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newHttpClient(DefaultClientSettings())
	_, err := postJson(context.Background(), client, server.URL, map[string]string{"a": "b"})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, strings.Contains(err.Error(), "invalid prompt: missing class_type"))
	assert.Equal(t, true, strings.Contains(err.Error(), "400"))
}

func TestPostJsonSendsBody(t *testing.T) {
	var contentType string
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"prompt_id":"p1"}`))
	}))
	defer server.Close()

	client := newHttpClient(DefaultClientSettings())
	args := &SubmitArgs{
		Prompt:   []byte(`{"1":{"inputs":{}}}`),
		ClientId: "scope::caller",
	}
	responseBody, err := postJson(context.Background(), client, server.URL, args)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"prompt_id":"p1"}`, responseBody)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, true, strings.Contains(string(received), `"client_id":"scope::caller"`))
	// the rendered graph passes through verbatim
	assert.Equal(t, true, strings.Contains(string(received), `"prompt":{"1":{"inputs":{}}}`))
}

func TestGetBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer server.Close()

	client := newHttpClient(DefaultClientSettings())
	data, err := getBytes(context.Background(), client, server.URL)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestGetBytesNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newHttpClient(DefaultClientSettings())
	_, err := getBytes(context.Background(), client, server.URL)
	assert.NotEqual(t, nil, err)
}

func TestGetJson(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"k":"v"}`))
	}))
	defer server.Close()

	client := newHttpClient(DefaultClientSettings())
	result, err := getJson(context.Background(), client, server.URL, map[string]string{})
	assert.Equal(t, nil, err)
	assert.Equal(t, "v", result["k"])
}
