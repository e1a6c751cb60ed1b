// Package agents provides the resilient remote-invocation client for the
// agent gateway and the typed registry of task agents behind it.
package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"collab/internal/async"
	collaberrors "collab/internal/errors"
	"collab/internal/events"
	"collab/internal/observability"
)

// gatewayKeyHeader authenticates every outbound call to the agent gateway.
const gatewayKeyHeader = "taAgwKey"

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Host        string
	Secure      bool
	Key         string
	Timeout     time.Duration // per-attempt timeout for the unary verb
	MaxAttempts int
	RetryDelay  time.Duration // fixed delay inserted only after timeouts
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Gateway issues request/response, server-streamed and duplex-streamed
// invocations against named, versioned agent endpoints. Only the unary verb
// retries; a failure mid-stream always propagates to the caller.
type Gateway struct {
	host    string
	secure  bool
	key     string
	timeout time.Duration
	retry   collaberrors.RetryConfig
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGateway builds a gateway client.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	return &Gateway{
		host:    opts.Host,
		secure:  opts.Secure,
		key:     opts.Key,
		timeout: opts.Timeout,
		retry: collaberrors.RetryConfig{
			MaxAttempts:  opts.MaxAttempts,
			TimeoutDelay: opts.RetryDelay,
		},
		client:  &http.Client{},
		dialer:  websocket.DefaultDialer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (g *Gateway) endpointFor(agentName, agentVersion string) string {
	scheme := "http"
	if g.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, g.host, agentName, agentVersion)
}

func (g *Gateway) sseEndpointFor(agentName, agentVersion string) string {
	return g.endpointFor(agentName, agentVersion) + "/sse"
}

func (g *Gateway) wsEndpointFor(agentName, agentVersion string) string {
	scheme := "ws"
	if g.secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/%s/%s/stream", scheme, g.host, agentName, agentVersion)
}

// headers builds the auth header set and injects trace context.
func (g *Gateway) headers(ctx context.Context) http.Header {
	header := http.Header{}
	header.Set(gatewayKeyHeader, g.key)
	header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	return header
}

// Invoke performs a unary JSON invocation with bounded retry. Every failure
// is retried up to the attempt bound, with a fixed delay after timeouts
// only; the last observed error is returned once the bound is exhausted.
func (g *Gateway) Invoke(ctx context.Context, agentName, agentVersion string, input any) (json.RawMessage, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal agent input: %w", err)
	}
	endpoint := g.endpointFor(agentName, agentVersion)

	attempt := 0
	return collaberrors.RetryWithResult(ctx, g.retry, func(ctx context.Context) (json.RawMessage, error) {
		attempt++
		if attempt > 1 {
			g.metrics.IncGatewayRetry(agentName)
			g.logger.Warn("retrying agent invocation", "agent", agentName, "attempt", attempt)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header = g.headers(attemptCtx)

		g.logger.Debug("invoking agent", "agent", agentName, "version", agentVersion)
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("agent %s returned status %d: %s", agentName, resp.StatusCode, truncate(string(body), 200))
		}
		return json.RawMessage(body), nil
	})
}

// StreamItem is one element of a server-streamed invocation. Exactly one
// field is set.
type StreamItem struct {
	Partial *events.PartialResponse
	Final   *events.InvokeResponse
	Raw     *RawEvent
	Err     error
}

// RawEvent is an SSE event the gateway passes through verbatim.
type RawEvent struct {
	Event string
	Data  string
}

// InvokeSSE performs a server-streamed invocation. `partial-response` and
// `final-response` events are decoded; anything else is passed through raw.
// No retry: a mid-stream failure surfaces as the terminal Err item.
func (g *Gateway) InvokeSSE(ctx context.Context, agentName, agentVersion string, input any) (<-chan StreamItem, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal agent input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sseEndpointFor(agentName, agentVersion), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header = g.headers(ctx)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("agent %s stream returned status %d: %s", agentName, resp.StatusCode, truncate(string(body), 200))
	}

	items := make(chan StreamItem)
	async.Go(g.logger, "gateway-sse-reader", func() {
		defer close(items)
		defer resp.Body.Close()
		g.readSSE(ctx, resp.Body, items)
	})
	return items, nil
}

func (g *Gateway) readSSE(ctx context.Context, body io.Reader, items chan<- StreamItem) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventName := ""
	var data strings.Builder
	flush := func() bool {
		if data.Len() == 0 && eventName == "" {
			return true
		}
		item := decodeSSEItem(eventName, data.String())
		eventName = ""
		data.Reset()
		if item == nil {
			return true
		}
		select {
		case items <- *item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// Multiple data lines of one event join with a newline.
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if !flush() {
		return
	}
	if err := scanner.Err(); err != nil {
		select {
		case items <- StreamItem{Err: err}:
		case <-ctx.Done():
		}
	}
}

func decodeSSEItem(eventName, data string) *StreamItem {
	if data == "" {
		return nil
	}
	switch eventName {
	case "partial-response":
		var partial events.PartialResponse
		if err := json.Unmarshal([]byte(data), &partial); err != nil {
			return &StreamItem{Err: fmt.Errorf("decode partial-response: %w", err)}
		}
		return &StreamItem{Partial: &partial}
	case "final-response":
		var final events.InvokeResponse
		if err := json.Unmarshal([]byte(data), &final); err != nil {
			return &StreamItem{Err: fmt.Errorf("decode final-response: %w", err)}
		}
		return &StreamItem{Final: &final}
	default:
		return &StreamItem{Raw: &RawEvent{Event: eventName, Data: data}}
	}
}

// InvokeStream performs a duplex invocation: one request message over a
// websocket, then the raw message stream until the agent closes. No retry.
func (g *Gateway) InvokeStream(ctx context.Context, agentName, agentVersion string, input any) (<-chan string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal agent input: %w", err)
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.wsEndpointFor(agentName, agentVersion), g.headers(ctx))
	if err != nil {
		return nil, fmt.Errorf("dial agent %s stream: %w", agentName, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send agent %s request: %w", agentName, err)
	}

	messages := make(chan string)
	async.Go(g.logger, "gateway-ws-reader", func() {
		defer close(messages)
		defer conn.Close()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case messages <- string(message):
			case <-ctx.Done():
				return
			}
		}
	})
	return messages, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
