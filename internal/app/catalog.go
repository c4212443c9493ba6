package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ebookmarket/internal/util"
	"ebookmarket/pkg/domain"
)

// ListingInput carries the fields of a new listing. Cover is optional.
type ListingInput struct {
	Title       string
	Description string
	PriceCents  int64
	Filename    string
	File        io.Reader
	FileSize    int64

	CoverFilename string
	Cover         io.Reader
	CoverSize     int64
}

var coverExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "webp": {},
}

// CreateListing validates and stores a new ebook listing. The file goes to
// object storage first; the metadata row is rolled back by deleting the
// object when the database write fails.
func (a *App) CreateListing(owner domain.User, in ListingInput) (domain.Ebook, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Ebook{}, fmt.Errorf("%w: title required", ErrValidationFailed)
	}
	if in.PriceCents < 0 {
		return domain.Ebook{}, fmt.Errorf("%w: price must not be negative", ErrValidationFailed)
	}
	if in.File == nil || strings.TrimSpace(in.Filename) == "" {
		return domain.Ebook{}, fmt.Errorf("%w: ebook file required", ErrValidationFailed)
	}
	if !a.extensionAllowed(in.Filename) {
		return domain.Ebook{}, ErrDisallowedExtension
	}
	if in.Cover != nil {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(in.CoverFilename)), ".")
		if _, ok := coverExtensions[ext]; !ok {
			return domain.Ebook{}, fmt.Errorf("%w: unsupported cover image type", ErrValidationFailed)
		}
	}

	id := util.NewID()
	storageKey := buildStorageKey(id, in.Filename)
	now := time.Now().UTC()
	ebook := domain.Ebook{
		ID:               id,
		OwnerID:          owner.ID,
		Title:            title,
		Description:      strings.TrimSpace(in.Description),
		PriceCents:       in.PriceCents,
		OriginalFilename: filepath.Base(in.Filename),
		StorageKey:       storageKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(context.Background(), storageKey, in.File, in.FileSize, contentType); err != nil {
		return domain.Ebook{}, fmt.Errorf("save file: %w", err)
	}
	if in.Cover != nil {
		coverKey := path.Join("covers", id, sanitizeFilename(filepath.Base(in.CoverFilename)))
		coverType := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.CoverFilename)))
		if err := a.objects.Put(context.Background(), coverKey, in.Cover, in.CoverSize, coverType); err != nil {
			_ = a.objects.Delete(context.Background(), storageKey)
			return domain.Ebook{}, fmt.Errorf("save cover: %w", err)
		}
		ebook.CoverKey = coverKey
	}
	if err := a.store.SaveEbook(ebook); err != nil {
		_ = a.objects.Delete(context.Background(), storageKey)
		if ebook.CoverKey != "" {
			_ = a.objects.Delete(context.Background(), ebook.CoverKey)
		}
		return domain.Ebook{}, fmt.Errorf("save ebook: %w", err)
	}
	return ebook, nil
}

// CoverURL returns a pre-signed URL for a listing's cover image, or "" when
// the listing has none.
func (a *App) CoverURL(ebookID string) (string, error) {
	ebook, err := a.GetListing(ebookID)
	if err != nil {
		return "", err
	}
	if ebook.CoverKey == "" {
		return "", nil
	}
	url, err := a.objects.PresignGet(context.Background(), ebook.CoverKey, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign cover: %w", err)
	}
	return url, nil
}

// ListListings returns all listings in creation order.
func (a *App) ListListings() ([]domain.Ebook, error) {
	return a.store.ListEbooks()
}

// GetListing retrieves a listing by ID.
func (a *App) GetListing(id string) (domain.Ebook, error) {
	ebook, ok, err := a.store.GetEbook(id)
	if err != nil {
		return domain.Ebook{}, fmt.Errorf("fetch ebook: %w", err)
	}
	if !ok {
		return domain.Ebook{}, ErrListingNotFound
	}
	return ebook, nil
}

// DownloadURL returns a pre-signed URL and original filename. Only the
// listing owner, entitled buyers and admins may download.
func (a *App) DownloadURL(user domain.User, ebookID string) (string, string, error) {
	ebook, err := a.GetListing(ebookID)
	if err != nil {
		return "", "", err
	}
	if !a.canDownload(user, ebook) {
		return "", "", ErrNotEntitled
	}
	url, err := a.objects.PresignGet(context.Background(), ebook.StorageKey, a.presignExpiry)
	if err != nil {
		return "", "", fmt.Errorf("presign download: %w", err)
	}
	return url, ebook.OriginalFilename, nil
}

func (a *App) canDownload(user domain.User, ebook domain.Ebook) bool {
	if user.Role == domain.RoleAdmin || user.ID == ebook.OwnerID {
		return true
	}
	entitled, err := a.store.HasEntitlement(user.ID, ebook.ID)
	return err == nil && entitled
}

func (a *App) extensionAllowed(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	_, ok := a.allowedExtensions[ext]
	return ok
}

func normalizeExtension(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

func buildStorageKey(ebookID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "ebook"
	}
	return path.Join("ebooks", ebookID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
