package master

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var autostartPattern = regexp.MustCompile(`^\w+(:\d+)?$`)

// AutostartEntry is a parsed "pattern[:amount]" entry.
type AutostartEntry struct {
	Pattern string
	Amount  int
}

// ParseAutostart parses autostart entries. Malformed entries are logged and skipped.
func ParseAutostart(entries []string) []AutostartEntry {
	parsed := make([]AutostartEntry, 0, len(entries))

	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if !autostartPattern.MatchString(entry) {
			log.Warn().Str("entry", raw).Msg("Skipping malformed autostart entry")
			continue
		}

		name, count, found := strings.Cut(entry, ":")
		amount := 1
		if found {
			n, err := strconv.Atoi(count)
			if err != nil || n < 1 {
				log.Warn().Str("entry", raw).Msg("Skipping autostart entry with invalid amount")
				continue
			}
			amount = n
		}

		parsed = append(parsed, AutostartEntry{Pattern: name, Amount: amount})
	}

	return parsed
}
