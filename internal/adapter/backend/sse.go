package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"fleetd/internal/domain"
)

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a CompletionDelta. The returned channel is closed when the
// stream ends, the body is closed, or ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser) <-chan domain.CompletionDelta {
	ch := make(chan domain.CompletionDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- domain.CompletionDelta{Done: true}
				return
			}

			var delta domain.CompletionDelta
			if err := json.Unmarshal(data, &delta); err != nil {
				// Skip unparseable lines.
				continue
			}

			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}
		// If the scanner stopped due to an I/O error (not EOF), send a
		// final Done delta so consumers know the stream terminated.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.CompletionDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
