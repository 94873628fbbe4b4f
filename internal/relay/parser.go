package relay

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel marks the normal end of an upstream event stream.
const DoneSentinel = "[DONE]"

const (
	dataPrefix = "data:"

	defaultMaxLineBytes = 1 << 20
)

// LineKind classifies one upstream line.
type LineKind int

const (
	// LineSkip is a comment, blank, or non-data field line
	LineSkip LineKind = iota
	// LineData carries a payload
	LineData
	// LineDone is the sentinel
	LineDone
)

// ParseLine strips the data prefix and classifies the line.
func ParseLine(line string) (LineKind, string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return LineSkip, ""
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == DoneSentinel {
		return LineDone, ""
	}
	if payload == "" {
		return LineSkip, ""
	}
	return LineData, payload
}

// lineReader reads newline-terminated lines with an upper bound on length.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(r io.Reader, maxLineBytes int) *lineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}
	initial := 64 * 1024
	if initial > maxLineBytes {
		initial = maxLineBytes
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &lineReader{scanner: s}
}

// Next returns the next line. io.EOF means the upstream closed cleanly.
func (l *lineReader) Next() (string, error) {
	if l.scanner.Scan() {
		return l.scanner.Text(), nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
