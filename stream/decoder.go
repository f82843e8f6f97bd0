package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/studymatch/errors"
)

// dataPrefix marks a frame carrying a JSON payload. Lines without it are
// keep-alive noise and are skipped.
const dataPrefix = "data: "

// Decoder turns a raw byte stream of newline-delimited SSE frames into a
// sequence of typed events. Partial lines spanning read boundaries are
// buffered by the underlying bufio.Reader and only parsed once complete.
//
// A frame whose payload is not valid JSON is counted and skipped; it never
// aborts the stream. The terminal "complete" marker and a clean end of the
// byte stream both end decoding with io.EOF.
type Decoder struct {
	br      *bufio.Reader
	logger  *slog.Logger
	done    bool
	skipped int
}

// NewDecoder creates a decoder reading frames from r
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		br:     bufio.NewReader(r),
		logger: logger,
	}
}

// Skipped returns the number of malformed frames dropped so far
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next decoded event in arrival order.
//
// It returns io.EOF after the terminal marker or when the byte stream ends
// cleanly (upstream closing the connection without a marker signals implicit
// completion). Any other error means the byte stream itself became
// unreadable, which is fatal for the session.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}

		line, err := d.br.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, errors.WrapTransient(err, "Decoder", "Next", "read stream")
		}
		if err == io.EOF {
			// No bytes after the final newline: implicit completion.
			// A trailing partial line is still parsed below.
			d.done = true
			if strings.TrimSpace(line) == "" {
				return Event{}, io.EOF
			}
		}

		ev, ok := d.parseLine(line)
		if !ok {
			continue
		}
		if ev.IsTerminal() {
			// Bytes after the terminal marker are not processed
			d.done = true
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// parseLine decodes a single frame. The second return value is false when
// the line should be skipped (keep-alive, blank, or malformed payload).
func (d *Decoder) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		d.skipped++
		d.logger.Debug("skipping malformed stream frame",
			"error", err,
			"skipped_total", d.skipped)
		return Event{}, false
	}

	if ev.Event == "" {
		ev.Event = EventUnknown
	}
	ev.Timestamp = time.Now().UnixMilli()
	return ev, true
}
