package stdio

import (
	"bufio"
	"io"
	"log/slog"
)

// maxLineBytes is the framing buffer overflow threshold: a line with no
// newline beyond this size is dropped with a warning rather than grown
// without bound.
const maxLineBytes = 64 * 1024

// lineResult is one line read event: either a complete line (newline
// stripped) or a terminal error (io.EOF on clean close).
type lineResult struct {
	line []byte
	err  error
}

// readLines reads newline-delimited lines from r and sends them on the
// returned channel, which is closed after a terminal error (including
// io.EOF) is sent. A logical line exceeding maxLineBytes without a
// newline is dropped in its entirety with a logged warning: no LogEntry
// is ever produced for it, including whatever bytes of it precede the
// next newline once accumulation resumes.
func readLines(r io.Reader, logger *slog.Logger, channelName string) <-chan lineResult {
	out := make(chan lineResult, 1)
	go func() {
		defer close(out)
		br := bufio.NewReaderSize(r, 4096)
		var buf []byte
		skipping := false

		for {
			chunk, err := br.ReadSlice('\n')

			if skipping {
				if containsNewline(chunk) {
					skipping = false
				}
				if err == bufio.ErrBufferFull {
					continue
				}
				if err != nil {
					out <- lineResult{err: err}
					return
				}
				continue
			}

			buf = append(buf, chunk...)

			if err == bufio.ErrBufferFull {
				if len(buf) > maxLineBytes {
					logger.Warn("stdio proxy: line exceeded buffer limit, dropping", "channel", channelName, "bytes", len(buf))
					buf = buf[:0]
					skipping = true
				}
				continue
			}

			if err != nil {
				if len(buf) > 0 {
					// Trailing partial line at EOF; surface the error
					// without silently swallowing data already buffered.
					out <- lineResult{line: trimNewline(buf)}
				}
				out <- lineResult{err: err}
				return
			}

			if len(buf) > maxLineBytes {
				logger.Warn("stdio proxy: line exceeded buffer limit, dropping", "channel", channelName, "bytes", len(buf))
				buf = buf[:0]
				continue
			}

			line := trimNewline(buf)
			lineCopy := append([]byte(nil), line...)
			buf = buf[:0]
			out <- lineResult{line: lineCopy}
		}
	}()
	return out
}

func containsNewline(b []byte) bool {
	for _, c := range b {
		if c == '\n' {
			return true
		}
	}
	return false
}

func trimNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}
