package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/zombor/nutriscan/internal/nutrition"
)

// ErrNoImageStore is returned when images are requested but no archive is configured
var ErrNoImageStore = errors.New("image archive is not configured")

// imageExtensions maps label image content types to archive file extensions
var imageExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"application/pdf": ".pdf",
}

// Service handles scan history operations
type Service struct {
	store  Store
	images ImageStore
}

// NewService creates a new Service. images may be nil to disable image archiving.
func NewService(store Store, images ImageStore) *Service {
	return &Service{
		store:  store,
		images: images,
	}
}

// Save persists record for userID and returns the new scan ID
func (s *Service) Save(ctx context.Context, userID string, record nutrition.Record) (string, error) {
	id, err := s.store.Save(ctx, userID, record)
	if err != nil {
		return "", fmt.Errorf("saving scan: %w", err)
	}
	slog.Debug("Saved scan", "id", id, "user_id", userID, "product", record.ProductName)
	return id, nil
}

// List returns up to limit scans for userID, newest first
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	entries, err := s.store.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return entries, nil
}

// Get retrieves a scan by ID
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("getting scan: %w", err)
	}
	return entry, nil
}

// Delete removes a scan and its archived image
func (s *Service) Delete(ctx context.Context, id string) error {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting scan for deletion: %w", err)
	}

	s.deleteImage(ctx, entry)

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every scan for userID with their images and
// returns how many scans were removed
func (s *Service) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	deleted, err := s.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting scans for user: %w", err)
	}
	for _, entry := range deleted {
		s.deleteImage(ctx, entry)
	}
	slog.Info("Deleted scan history", "user_id", userID, "count", len(deleted))
	return len(deleted), nil
}

// AttachImage archives the label image for a scan. If the scan cannot be
// updated the archived image is removed again.
func (s *Service) AttachImage(ctx context.Context, id string, data []byte, contentType string) (string, error) {
	if s.images == nil {
		return "", ErrNoImageStore
	}

	key, err := s.images.Save(ctx, id+imageExtension(contentType), data, contentType)
	if err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}

	if err := s.store.SetImageKey(ctx, id, key); err != nil {
		if delErr := s.images.Delete(ctx, key); delErr != nil {
			slog.Warn("Failed to remove orphaned image", "key", key, "error", delErr)
		}
		return "", fmt.Errorf("linking image to scan: %w", err)
	}
	return key, nil
}

// Image returns the archived label image of a scan and its content type
func (s *Service) Image(ctx context.Context, id string) ([]byte, string, error) {
	if s.images == nil {
		return nil, "", ErrNoImageStore
	}
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan: %w", err)
	}
	if entry.ImageKey == "" {
		return nil, "", fmt.Errorf("scan %s has no image: %w", id, ErrNotFound)
	}

	data, err := s.images.Get(ctx, entry.ImageKey)
	if err != nil {
		return nil, "", fmt.Errorf("getting image: %w", err)
	}
	return data, contentTypeFor(entry.ImageKey), nil
}

func (s *Service) deleteImage(ctx context.Context, entry Entry) {
	if entry.ImageKey == "" || s.images == nil {
		return
	}
	if err := s.images.Delete(ctx, entry.ImageKey); err != nil {
		// The scan is still removed
		slog.Warn("Failed to delete image", "key", entry.ImageKey, "error", err)
	}
}

func imageExtension(contentType string) string {
	if ext, ok := imageExtensions[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		return ext
	}
	return ".jpg"
}

func contentTypeFor(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	for contentType, e := range imageExtensions {
		if e == ext {
			return contentType
		}
	}
	return "application/octet-stream"
}
