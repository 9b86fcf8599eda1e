// Package cuesheet parses CUE sheets into chapter lists a Producer can
// hand to Engine.Changed (spec.md §4.H). CUE sheets predate UTF-8 and are
// frequently Shift-JIS or Latin-1 encoded with no declared charset, so the
// parser takes the same defensive-decoding posture tvarr's pkg/m3u takes
// for playlist text: try UTF-8 first, fall back to a best-guess legacy
// encoding rather than failing outright.
package cuesheet

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/pkg/chapters"
)

// Chapter is one parsed TRACK/INDEX 01 entry. It carries a start time
// only; there is no end time.
type Chapter struct {
	ID    string
	Title string
	Start packet.Timestamp
}

// Parse reads a complete CUE sheet and returns its tracks as chapters in
// file order, each starting at its INDEX 01 time. No end times are
// computed.
func Parse(r io.Reader) ([]Chapter, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cuesheet: reading input: %w", err)
	}

	text, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("cuesheet: decoding: %w", err)
	}

	var out []Chapter
	var title string

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "TITLE "):
			title = unquote(strings.TrimPrefix(line, "TITLE "))

		case strings.HasPrefix(line, "TRACK "):
			title = "" // a following TITLE line, if any, belongs to this track

		case strings.HasPrefix(line, "INDEX 01 "):
			ts, err := parseIndexTimestamp(strings.TrimPrefix(line, "INDEX 01 "))
			if err != nil {
				return nil, fmt.Errorf("cuesheet: %w", err)
			}
			out = append(out, Chapter{ID: chapters.NewID(), Title: title, Start: ts})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cuesheet: scanning: %w", err)
	}
	return out, nil
}

// decode returns raw as UTF-8 text, falling back to Latin-1 (ISO-8859-1)
// when the bytes aren't valid UTF-8 — a conservative guess, but one that
// never fails to produce output, which cue sheets from legacy rippers
// otherwise would.
func decode(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"`)
}

// parseIndexTimestamp parses a CUE "mm:ss:ff" timestamp (frames are
// 1/75 s, the CD-DA sector rate) into a packet.Timestamp of nanoseconds.
func parseIndexTimestamp(s string) (packet.Timestamp, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed INDEX timestamp %q", s)
	}
	minutes, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed INDEX minutes %q: %w", s, err)
	}
	seconds, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed INDEX seconds %q: %w", s, err)
	}
	frames, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("malformed INDEX frames %q: %w", s, err)
	}

	total := int64(minutes)*60*int64(time.Second) +
		int64(seconds)*int64(time.Second) +
		int64(frames)*int64(time.Second)/75
	return packet.Timestamp(total), nil
}
