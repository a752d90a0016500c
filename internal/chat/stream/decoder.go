package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/mathsolver/core/internal/chat/model"
	logx "github.com/mathsolver/core/pkg/logger"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	// maxErrSnippet limits how much of a bad payload ends up in the log.
	maxErrSnippet = 200
)

// chunk is the subset of a chat-completions stream event the decoder reads.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns an SSE response body into a lazy, single-pass sequence of
// deltas. The body is closed as soon as the sequence ends, whichever way it
// ends.
type Decoder struct {
	body   io.ReadCloser
	reader *bufio.Reader
	err    error // sticky; io.EOF once the sequence is over
	closed bool
}

func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{body: body, reader: bufio.NewReader(body)}
}

// Next returns the next non-empty delta. It returns io.EOF after [DONE] or
// when the body is exhausted, and the read error if the body fails. A
// malformed event is logged and skipped.
func (d *Decoder) Next() (model.StreamDelta, error) {
	for d.err == nil {
		line, readErr := d.reader.ReadBytes('\n')

		// a final line without a trailing newline arrives together with io.EOF
		// and goes through the same rules as any other line
		if len(line) > 0 {
			delta, done, ok := d.parseLine(line)
			if done {
				d.finish(io.EOF)
				break
			}
			if readErr != nil {
				d.finish(readErr)
			}
			if ok {
				return delta, nil
			}
			continue
		}
		if readErr != nil {
			d.finish(readErr)
		}
	}
	return model.StreamDelta{}, d.err
}

// parseLine reports the delta carried by line, whether line is the
// sentinel, and whether the delta should be produced.
func (d *Decoder) parseLine(line []byte) (model.StreamDelta, bool, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, []byte(dataPrefix)) {
		return model.StreamDelta{}, false, false
	}
	payload := trimmed[len(dataPrefix):]
	if string(payload) == doneSentinel {
		return model.StreamDelta{}, true, false
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		logx.Warn().Err(err).Str("payload", snippet(payload)).Msg("skipping malformed stream event")
		return model.StreamDelta{}, false, false
	}
	if len(c.Choices) == 0 {
		return model.StreamDelta{}, false, false
	}

	delta := c.Choices[0].Delta
	out := model.StreamDelta{Content: delta.Content, Reasoning: delta.ReasoningContent}
	if out.Reasoning == "" {
		out.Reasoning = delta.Reasoning
	}
	return out, false, !out.IsEmpty()
}

// finish records the terminal state and releases the body.
func (d *Decoder) finish(err error) {
	if errors.Is(err, io.EOF) {
		err = io.EOF
	}
	if d.err == nil {
		d.err = err
	}
	_ = d.Close()
}

// Close releases the body. It is safe to call more than once and ends the
// sequence if it is still running.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.err == nil {
		d.err = io.EOF
	}
	return d.body.Close()
}

func snippet(b []byte) string {
	if len(b) > maxErrSnippet {
		return string(b[:maxErrSnippet]) + "..."
	}
	return string(b)
}
