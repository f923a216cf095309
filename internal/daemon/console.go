package daemon

import (
	"bufio"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Readiness markers. A server is ready when one console line contains both.
const (
	doneMarker = "Done"
	helpMarker = `For help, type "help" or`
)

// maxConsoleLine bounds a single console line; longer lines are split.
const maxConsoleLine = 64 * 1024

// scanConsoleLines is bufio.ScanLines that emits over-long lines in chunks of
// maxConsoleLine instead of failing with bufio.ErrTooLong.
func scanConsoleLines(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= maxConsoleLine {
		return maxConsoleLine, data[:maxConsoleLine], nil
	}

	return advance, token, err
}

// IsReadyLine reports whether a console line announces readiness.
func IsReadyLine(line string) bool {
	return strings.Contains(line, doneMarker) && strings.Contains(line, helpMarker)
}

// readConsole forwards console lines to the log until EOF. onReady is called
// for ready lines until it accepts one. It returns whether a ready line was accepted.
func readConsole(r io.Reader, log zerolog.Logger, onReady func() bool) bool {
	ready := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxConsoleLine)
	scanner.Split(scanConsoleLines)

	for scanner.Scan() {
		line := scanner.Text()
		log.Trace().Str("line", line).Msg("console")

		if !ready && IsReadyLine(line) {
			ready = onReady()
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("Console reader stopped")
		// drain so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}

	return ready
}
