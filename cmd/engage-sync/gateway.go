package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"engage/offline/internal/config"
	"engage/offline/internal/syncqueue"
)

const controlTokenHeader = "X-Engage-Control-Token"

// gatewayClient talks to the local gateway of a running agent. The badger
// backend locks its directory, so while serve runs the one-shot commands
// go through it instead of opening the store.
type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// gatewayURL turns a listen address into a URL reachable from this host.
func gatewayURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("gateway addr %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// dialGateway returns a client when a gateway answers its health check,
// and nil when no agent is serving.
func dialGateway(ctx context.Context, cfg config.Config) *gatewayClient {
	base, err := gatewayURL(cfg.Addr)
	if err != nil {
		return nil
	}
	g := &gatewayClient{
		baseURL: base,
		token:   strings.TrimSpace(cfg.ControlToken),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := g.do(ctx, http.MethodGet, "/api/health", nil); err != nil {
		return nil
	}
	return g
}

func (g *gatewayClient) Status(ctx context.Context) (syncqueue.Status, error) {
	var out struct {
		Result syncqueue.Status `json:"result"`
	}
	err := g.do(ctx, http.MethodGet, "/api/sync/status", &out)
	return out.Result, err
}

func (g *gatewayClient) Entries(ctx context.Context) ([]syncqueue.EntryView, error) {
	var out struct {
		Result []syncqueue.EntryView `json:"result"`
	}
	err := g.do(ctx, http.MethodGet, "/api/sync/queue", &out)
	return out.Result, err
}

func (g *gatewayClient) Clear(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := g.do(ctx, http.MethodDelete, "/api/sync/queue", &out)
	return out.Removed, err
}

func (g *gatewayClient) Discard(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodDelete, "/api/sync/queue/"+id, nil)
}

func (g *gatewayClient) ForceSync(ctx context.Context) (syncqueue.DrainResult, error) {
	var out struct {
		Result syncqueue.DrainResult `json:"result"`
	}
	err := g.do(ctx, http.MethodPost, "/api/sync/drain", &out)
	return out.Result, err
}

func (g *gatewayClient) do(ctx context.Context, method, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	if g.token != "" {
		req.Header.Set(controlTokenHeader, g.token)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var failure struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body.Bytes(), &failure); err != nil || failure.Error == "" {
			return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("gateway %s %s: %s (%s)", method, path, failure.Error, failure.Code)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body.Bytes(), target); err != nil {
		return fmt.Errorf("gateway %s %s: decode: %w", method, path, err)
	}
	return nil
}
