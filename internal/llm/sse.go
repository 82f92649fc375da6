package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE dispatches events from r until EOF or fn returns false.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var ev sseEvent
	var data []string
	dispatch := func() bool {
		if len(data) == 0 {
			ev = sseEvent{}
			return true
		}
		ev.Data = strings.Join(data, "\n")
		ok := fn(ev)
		ev = sseEvent{}
		data = data[:0]
		return ok
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()
	return nil
}
