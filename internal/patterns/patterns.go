// Package patterns loads server patterns from a YAML seed file and watches it
// for changes.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for patterns that cannot be scheduled.
var ErrInvalid = errors.New("invalid pattern")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// File is the layout of the seed file.
type File struct {
	Patterns []models.ServerPattern `yaml:"patterns"`
}

// Validate normalizes p and checks it can be used as a template folder name
// and scheduling policy.
func Validate(p *models.ServerPattern) error {
	p.Normalize()

	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalid, p.Name)
	}
	if p.Max < 1 {
		return fmt.Errorf("%w: %s: max must be positive", ErrInvalid, p.Name)
	}
	if p.Min > p.Max {
		return fmt.Errorf("%w: %s: min %d above max %d", ErrInvalid, p.Name, p.Min, p.Max)
	}

	return nil
}

// Load reads and validates the seed file.
func Load(path string) ([]models.ServerPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Patterns))
	for i := range f.Patterns {
		if err := Validate(&f.Patterns[i]); err != nil {
			return nil, err
		}
		if _, dup := seen[f.Patterns[i].Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalid, f.Patterns[i].Name)
		}
		seen[f.Patterns[i].Name] = struct{}{}
	}

	return f.Patterns, nil
}

// Watch calls onChange with the reloaded patterns whenever the file is
// written, created or renamed into place. Bursts of events within debounce
// produce a single reload. Invalid files are logged and skipped.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func([]models.ServerPattern)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// editors replace files, so the directory is watched
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = fsw.Close() }()

		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				loaded, err := Load(abs)
				if err != nil {
					log.Warn().Err(err).Str("path", abs).Msg("Ignoring invalid patterns file")
					continue
				}
				log.Info().Str("path", abs).Int("patterns", len(loaded)).Msg("Patterns file reloaded")
				onChange(loaded)

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", abs).Msg("Patterns watcher error")
			}
		}
	}()

	return nil
}
