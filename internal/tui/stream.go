package tui

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// streamEvent is one parsed SSE frame from the server.
type streamEvent struct {
	ID    string
	Event string
	Data  string
}

// openStream connects to the server's /events endpoint and feeds
// parsed frames to emit until the context ends or the connection
// drops. Returns the terminal error (nil on a clean context end).
func openStream(ctx context.Context, baseURL, token string, emit func(streamEvent)) error {
	url := strings.TrimRight(baseURL, "/") + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	// Long-lived connection; no client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream rejected: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current streamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event != "" || current.Data != "" {
				emit(current)
			}
			current = streamEvent{}
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
