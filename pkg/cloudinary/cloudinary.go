package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Archiver stores submitted answer-sheet images in Cloudinary.
type Archiver struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary archiver instance.
func New(cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	folder := strings.Trim(cfg.Folder, "/")
	if folder == "" {
		folder = "gema/answer-sheets"
	}

	return &Archiver{
		client: cld,
		folder: folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Archive uploads the image and returns its secure URL.
func (a *Archiver) Archive(ctx context.Context, name string, content []byte) (string, error) {
	params := uploader.UploadParams{
		Folder:       a.folder,
		PublicID:     BuildPublicID(name, time.Now()),
		ResourceType: "image",
	}

	result, err := a.client.Upload.Upload(ctx, bytes.NewReader(content), params)
	if err != nil {
		return "", fmt.Errorf("failed to archive answer sheet: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to archive answer sheet: %s", result.Error.Message)
	}

	a.logger.Info().Str("public_id", result.PublicID).Int("bytes", len(content)).Msg("answer sheet archived")

	return result.SecureURL, nil
}

// BuildPublicID derives a URL-safe Cloudinary public id from a file name.
func BuildPublicID(name string, at time.Time) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "answer-sheet"
	}

	return fmt.Sprintf("%s-%d", base, at.UnixNano())
}
