// Package geoip downloads and reads the MaxMind GeoLite2 country database used
// by the master connection whitelist.
package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// EnsureDB downloads the database when it is missing or older than maxAge.
func EnsureDB(ctx context.Context, path, url string, maxAge time.Duration) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if time.Since(info.ModTime()) < maxAge {
			log.Debug().Str("path", path).Msg("GeoIP database is up to date")
			return false, nil
		}
		log.Info().Str("path", path).Msg("GeoIP database is outdated, updating")
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("GeoIP database missing, downloading")
	default:
		return false, err
	}

	if err := download(ctx, path, url); err != nil {
		return false, err
	}

	return true, nil
}

// Refresh checks the database every interval and reloads the resolver after
// a successful download. It returns when ctx is cancelled.
func Refresh(ctx context.Context, r *Resolver, url string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := EnsureDB(ctx, r.path, url, interval)
			if err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("GeoIP database refresh failed")
				continue
			}
			if !updated {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("GeoIP database reload failed")
			}
		}
	}
}

// download writes to a temporary file and renames it into place.
func download(ctx context.Context, path, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
