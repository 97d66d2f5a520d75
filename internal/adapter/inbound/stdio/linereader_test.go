package stdio

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestReadLinesSplitsOnNewline(t *testing.T) {
	r := strings.NewReader("one\ntwo\nthree\n")
	ch := readLines(r, slog.Default(), "test")

	var lines []string
	for res := range ch {
		if res.err != nil {
			if res.err != io.EOF {
				t.Fatalf("unexpected error: %v", res.err)
			}
			continue
		}
		lines = append(lines, string(res.line))
	}
	if len(lines) != 3 || lines[0] != "one" || lines[2] != "three" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestReadLinesOverflowDropsBufferWithoutEmittingLine(t *testing.T) {
	// A 70 KiB line with no newline: exceeds the 64 KiB threshold, so it
	// must be dropped entirely (no line emitted for it), leaving only the
	// terminal EOF on the channel.
	big := bytes.Repeat([]byte("a"), 70*1024)
	r := bytes.NewReader(big)

	ch := readLines(r, slog.Default(), "test")

	var sawLine bool
	for res := range ch {
		if res.err != nil {
			continue
		}
		sawLine = true
	}
	if sawLine {
		t.Fatalf("expected no line emitted for an oversized unterminated buffer")
	}
}

func TestReadLinesNormalLineAfterOverflow(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 70*1024)
	input := append(big, []byte("\nshort\n")...)
	r := bytes.NewReader(input)

	ch := readLines(r, slog.Default(), "test")

	var lines []string
	for res := range ch {
		if res.err != nil {
			continue
		}
		lines = append(lines, string(res.line))
	}
	if len(lines) != 1 || lines[0] != "short" {
		t.Fatalf("expected only the 'short' line after overflow recovery, got %v", lines)
	}
}
