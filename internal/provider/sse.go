// ABOUTME: Minimal server-sent events reader shared by the streaming adapters
// ABOUTME: Yields the data payload of each event to a handler callback

package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStopStream is returned by handlers to end SSE consumption early
// without surfacing an error.
var errStopStream = errors.New("stop stream")

// scanSSE reads server-sent events from r and calls handle with each
// event's data payload. Comment lines and non-data fields are skipped.
// Multi-line data fields are joined with newlines per the SSE spec.
func scanSSE(r io.Reader, handle func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return handle(payload)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				if errors.Is(err, errStopStream) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil && !errors.Is(err, errStopStream) {
		return err
	}
	return nil
}
