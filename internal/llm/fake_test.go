package llm

import (
	"context"
	"errors"
)

// scriptedCall is one canned provider answer.
type scriptedCall struct {
	text   string
	deltas []string
	err    error
}

// fakeProvider replays scripted answers for Complete and Stream separately
// and records the requests it saw.
type fakeProvider struct {
	complete []scriptedCall
	stream   []scriptedCall

	completeReqs []Request
	streamReqs   []Request
}

func (f *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	f.completeReqs = append(f.completeReqs, req)
	if len(f.complete) == 0 {
		return "", errors.New("unexpected Complete call")
	}
	c := f.complete[0]
	f.complete = f.complete[1:]
	return c.text, c.err
}

func (f *fakeProvider) Stream(_ context.Context, req Request, onDelta func(string)) (string, error) {
	f.streamReqs = append(f.streamReqs, req)
	if len(f.stream) == 0 {
		return "", errors.New("unexpected Stream call")
	}
	c := f.stream[0]
	f.stream = f.stream[1:]
	var all string
	for _, d := range c.deltas {
		all += d
		if onDelta != nil {
			onDelta(d)
		}
	}
	if c.err != nil {
		return all, c.err
	}
	return all, nil
}

var errStreamRequired = &ProviderCallError{
	StatusCode:   400,
	ResponseBody: `{"error":{"message":"Stream must be set to true"}}`,
	Message:      "Bad Request",
}

// widget is a small Shape used across tests.
type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (w widget) Validate() error {
	if w.Name == "" {
		return errors.New("name is required")
	}
	return nil
}
