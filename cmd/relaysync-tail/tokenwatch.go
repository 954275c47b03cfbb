package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// watchTokenFile calls apply whenever the token stored at path changes. The
// parent directory is watched so editors and secret mounts that replace the
// file by rename are picked up too.
func watchTokenFile(ctx context.Context, path string, logger zerolog.Logger, apply func(string)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	current, _ := readToken(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", path).Msg("token watch error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			token, err := readToken(path)
			if err != nil {
				logger.Debug().Err(err).Str("path", path).Msg("token not readable yet")
				continue
			}
			if token == current {
				continue
			}
			current = token
			logger.Info().Str("path", path).Msg("token file changed")
			apply(token)
		}
	}
}
