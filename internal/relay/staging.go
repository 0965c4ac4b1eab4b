package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/pkg/logger"
)

// Staging hands out a private directory for each request beneath a common
// root, and removes it once the request is finished with it.
type Staging struct {
	root  string
	delay time.Duration
}

func NewStaging(root string, delay time.Duration) *Staging {
	return &Staging{root: root, delay: delay}
}

// Create makes the staging directory for the request provided.
func (s *Staging) Create(id uuid.UUID) (string, error) {
	dir := filepath.Join(s.root, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", extractor.IOError(fmt.Errorf("failed to create staging directory %s: %w", dir, err))
	}

	return dir, nil
}

// Cleanup waits for the configured delay (cut short if the context is
// cancelled) and then removes the directory and everything inside it.
func (s *Staging) Cleanup(ctx context.Context, dir string) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		log.Emit(logger.ERROR, "Failed to clean up staging directory %s: %v\n", dir, err)
		return extractor.IOError(err)
	}

	log.Emit(logger.REMOVE, "Cleaned up staging directory %s\n", dir)
	return nil
}
