// Package fake generates stand-in server templates whose start script behaves
// like a game server console, for development and tests.
package fake

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Console markers printed by real servers once they accept players.
const (
	DoneMarker = "Done"
	HelpMarker = `For help, type "help" or`
)

// Script describes the behaviour of a generated start script.
type Script struct {
	// WorldFile is written on a clean stop so archives have something to keep.
	WorldFile string

	// ReadyDelay postpones the ready line.
	ReadyDelay time.Duration

	// SplitMarkers prints the two readiness markers on separate lines.
	SplitMarkers bool

	// FailBeforeReady exits with status 1 before printing the ready line.
	FailBeforeReady bool

	// NeverReady keeps running without ever printing the ready line.
	NeverReady bool
}

// Render returns the shell script source.
func (s Script) Render() string {
	world := s.WorldFile
	if world == "" {
		world = "world.dat"
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(`echo "Starting fake server with: $*"` + "\n")
	b.WriteString(`echo "$*" > args.txt` + "\n")
	b.WriteString(`echo "[Server] Preparing spawn area: 100%"` + "\n")

	if s.ReadyDelay > 0 {
		fmt.Fprintf(&b, "sleep %.3f\n", s.ReadyDelay.Seconds())
	}

	switch {
	case s.FailBeforeReady:
		b.WriteString(`echo "[Server] Failed to bind port" >&2` + "\n")
		b.WriteString("exit 1\n")
	case s.NeverReady:
	case s.SplitMarkers:
		fmt.Fprintf(&b, "echo '%s (0.412s)!'\n", DoneMarker)
		fmt.Fprintf(&b, "echo '%s \"?\"'\n", HelpMarker)
	default:
		fmt.Fprintf(&b, "echo '%s (0.412s)! %s \"?\"'\n", DoneMarker, HelpMarker)
	}

	b.WriteString("while read -r line; do\n")
	b.WriteString(`  if [ "$line" = "stop" ]; then` + "\n")
	b.WriteString(`    echo "[Server] Stopping server"` + "\n")
	fmt.Fprintf(&b, "    date > %s\n", world)
	b.WriteString("    exit 0\n")
	b.WriteString("  fi\n")
	b.WriteString("done\n")

	return b.String()
}

// WriteTemplate creates dir with an executable startFile running s and a
// server.properties file.
func WriteTemplate(dir, startFile string, s Script) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, startFile), []byte(s.Render()), 0o755); err != nil { //nolint:gosec
		return err
	}

	properties := "motd=" + filepath.Base(dir) + "\nmax-players=20\n"
	return os.WriteFile(filepath.Join(dir, "server.properties"), []byte(properties), 0o644) //nolint:gosec
}
