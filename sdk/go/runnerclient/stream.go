package runnerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// stream issues a request expecting a text/event-stream response and
// returns a channel of decoded events. The reader goroutine owns the
// response body and closes the channel when the server ends the stream,
// the body errors, or ctx is cancelled.
func (c *Client) stream(ctx context.Context, method, path string, body io.Reader) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runnerclient: %s %s: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("runnerclient: read error body: %w", err)
		}
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			// The event: line names the type, which the payload repeats;
			// only data: lines carry content worth decoding.
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
