package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/taskherd/taskherd/clients/ws"
	"github.com/taskherd/taskherd/internal/config"
)

// gatewayAddr resolves the gateway host and port from the config file.
func gatewayAddr(cmd *cli.Command) (string, int) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}
	return cfg.Gateway.Host, cfg.Gateway.Port
}

// dialGateway opens a WebSocket connection to the running daemon.
func dialGateway(ctx context.Context, cmd *cli.Command) (*ws.Client, error) {
	host, port := gatewayAddr(cmd)
	client, err := ws.Dial(ctx, fmt.Sprintf("ws://%s:%d/api/ws", host, port))
	if err != nil {
		return nil, fmt.Errorf("connect to daemon (is `taskherd serve` running?): %w", err)
	}
	return client, nil
}

// apiRequest performs an HTTP request against the gateway REST API and
// decodes the JSON response into out (which may be nil).
func apiRequest(ctx context.Context, cmd *cli.Command, method, path string, body, out any) error {
	host, port := gatewayAddr(cmd)
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach daemon (is `taskherd serve` running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
