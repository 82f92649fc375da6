package llm

import (
	"context"
	"strings"
	"unicode"
)

// GenerateText produces trimmed free text.
//
// Without a sink it calls Complete and falls back to Stream once when the
// provider requires streaming. With a sink it streams first, forwarding
// deltas as they arrive; if that stream fails before any delta was
// delivered, for a reason other than the streaming requirement, it falls
// back to one Complete call and forwards the whole text as a single delta.
// The concatenation of delivered deltas always equals the returned text.
func GenerateText(ctx context.Context, p Provider, req Request, sink DeltaSink) (string, error) {
	if sink == nil {
		text, err := p.Complete(ctx, req)
		if err != nil {
			if !RequiresStreaming(err) {
				return "", err
			}
			text, err = p.Stream(ctx, req, nil)
			if err != nil {
				return "", err
			}
		}
		return strings.TrimSpace(text), nil
	}

	ts := &trimmingSink{out: sink}
	text, err := p.Stream(ctx, req, ts.write)
	if err == nil {
		return strings.TrimSpace(text), nil
	}
	if RequiresStreaming(err) || ts.delivered || ctx.Err() != nil {
		return "", err
	}

	text, err = p.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text != "" {
		sink(text)
	}
	return text, nil
}

// trimmingSink forwards deltas so that their concatenation is the trimmed
// stream: leading whitespace is dropped and trailing whitespace is held back
// until more non-space text arrives.
type trimmingSink struct {
	out       DeltaSink
	started   bool
	pending   strings.Builder
	delivered bool
}

func (t *trimmingSink) write(delta string) {
	if !t.started {
		delta = strings.TrimLeftFunc(delta, unicode.IsSpace)
		if delta == "" {
			return
		}
		t.started = true
	}
	body := strings.TrimRightFunc(delta, unicode.IsSpace)
	tail := delta[len(body):]
	if body == "" {
		t.pending.WriteString(tail)
		return
	}
	chunk := t.pending.String() + body
	t.pending.Reset()
	t.pending.WriteString(tail)
	t.delivered = true
	t.out(chunk)
}
