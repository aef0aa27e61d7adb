// Command healthcheck queries the nimlykoder health endpoint and exits 0 when
// the server answers. It is the HEALTHCHECK of the scratch container image.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	defaultAddr = "127.0.0.1:8080"
	healthPath  = "/api/v1/health"
	timeout     = 2 * time.Second
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addr := normalizeAddr(os.Getenv("NIMLYKODER_LISTEN_ADDR"))
	if err := check(ctx, http.DefaultClient, addr); err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		os.Exit(1)
	}
}

// check asks the server at addr for its health and fails unless it reports ok.
func check(ctx context.Context, client *http.Client, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", healthPath, resp.Status)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("server reports status %q", body.Status)
	}
	return nil
}

// normalizeAddr points the healthcheck at loopback when the server binds every
// interface; it runs inside the same container.
func normalizeAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	return net.JoinHostPort(host, port)
}
