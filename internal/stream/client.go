package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/resilience"
)

// ErrStop is returned by an event handler to end the watch cleanly.
var ErrStop = eris.New("stream: stop")

// ClientEvent is one decoded SSE event.
type ClientEvent struct {
	Name string
	Data json.RawMessage
}

// Client consumes an SSE endpoint and reconnects with backoff when the
// connection drops or the server's max stream duration cuts it off.
type Client struct {
	url         string
	http        *http.Client
	backoffBase time.Duration
	backoffMax  time.Duration
	lastID      string
	log         *zap.Logger
}

// NewClient creates a Client for the given SSE URL.
func NewClient(url string, backoffBase, backoffMax time.Duration) *Client {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Client{
		url:         url,
		http:        &http.Client{},
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		log:         zap.L().Named("stream.client"),
	}
}

// Watch connects and delivers events to handler until the handler returns
// ErrStop, the context ends, or the handler fails. A server that closes the
// stream (terminal event delivered, duration cap) triggers a reconnect
// unless the handler already stopped.
func (c *Client) Watch(ctx context.Context, handler func(ClientEvent) error) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "stream: watch")
		}

		delivered, err := c.consume(ctx, handler)
		if err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "stream: watch")
			}
			if delivered {
				// A healthy stream that later dropped resets the backoff.
				attempt = 0
			}
			attempt++
			delay := resilience.Backoff(attempt, c.backoffBase, c.backoffMax)
			c.log.Warn("stream disconnected, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return eris.Wrap(ctx.Err(), "stream: watch")
			}
			continue
		}
		// Server ended the stream without error: reconnect immediately.
		attempt = 0
	}
}

// consume reads one connection's worth of events. It reports whether any
// event was delivered before the stream ended.
func (c *Client) consume(ctx context.Context, handler func(ClientEvent) error) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, eris.Wrap(err, "stream: build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.lastID != "" {
		// Resuming from the last seen frame lets the server send a catch-up
		// delta instead of a full snapshot.
		req.Header.Set("Last-Event-ID", c.lastID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "stream: connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, eris.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	delivered := false
	var name string
	var data strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" {
				ev := ClientEvent{Name: name, Data: json.RawMessage(data.String())}
				name = ""
				data.Reset()
				if err := handler(ev); err != nil {
					return delivered, err
				}
				delivered = true
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			c.lastID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, eris.Wrap(err, "stream: read")
	}
	return delivered, nil
}
