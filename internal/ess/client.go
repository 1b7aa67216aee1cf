package ess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/nugget/ess2mqtt/internal/httpkit"
)

// Client reads and writes device endpoints. Each call authenticates
// independently through its [Authenticator].
type Client struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a device client for baseURL.
func NewClient(baseURL string, auth Authenticator, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Read fetches the document behind ep. On login failure it returns a
// *DeviceError of kind ErrUnauthenticated without calling the endpoint.
func (c *Client) Read(ctx context.Context, ep Endpoint) (Document, error) {
	return c.do(ctx, "read", http.MethodPost, ep, nil)
}

// Write sends body to ep. The auth_key is merged into a copy of body;
// the caller's map is left untouched.
func (c *Client) Write(ctx context.Context, ep Endpoint, body map[string]any) (Document, error) {
	return c.do(ctx, "write", http.MethodPut, ep, body)
}

func (c *Client) do(ctx context.Context, op, method string, ep Endpoint, fields map[string]any) (Document, error) {
	token, err := c.auth.Authenticate(ctx)
	if err != nil {
		return nil, &DeviceError{Op: op, Endpoint: ep.Path, Kind: ErrUnauthenticated, Err: err}
	}

	payload := make(map[string]any, len(fields)+1)
	maps.Copy(payload, fields)
	payload["auth_key"] = token.Key

	doc, err := c.call(ctx, method, ep, payload, op == "write")
	if err != nil {
		return nil, &DeviceError{Op: op, Endpoint: ep.Path, Kind: ErrTransport, Err: err}
	}
	return doc, nil
}

func (c *Client) call(ctx context.Context, method string, ep Endpoint, payload map[string]any, allowEmpty bool) (Document, error) {
	req, err := httpkit.NewJSONRequest(ctx, method, c.baseURL+"/v1/"+strings.TrimLeft(ep.Path, "/"), payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if doc == nil {
		// A literal JSON null decodes without error.
		doc = Document{}
	}

	c.logger.Log(ctx, slog.Level(-8), "ess document received", // config.LevelTrace
		"endpoint", ep.Path,
		"method", method,
		"keys", len(doc),
	)
	return doc, nil
}
