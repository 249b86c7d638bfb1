package metadata

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

// Source is what an extractor may look at.
type Source struct {
	Info         storage.ObjectInfo
	DetectedMime string
	Head         []byte
}

// Extractor turns a validated object into a flat metadata map.
type Extractor interface {
	Extract(ctx context.Context, src Source) (map[string]any, error)
}

// StatExtractor reports storage attributes and, for raster images whose
// header fits in the head bytes, the pixel dimensions.
type StatExtractor struct{}

func (StatExtractor) Extract(_ context.Context, src Source) (map[string]any, error) {
	out := map[string]any{
		"sizeBytes":   src.Info.Size,
		"contentType": src.DetectedMime,
	}
	if src.Info.ETag != "" {
		out["etag"] = src.Info.ETag
	}
	if !src.Info.LastModified.IsZero() {
		out["lastModified"] = src.Info.LastModified.UTC().Format(time.RFC3339)
	}
	if strings.HasPrefix(src.DetectedMime, "image/") && len(src.Head) > 0 {
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(src.Head)); err == nil {
			out["width"] = cfg.Width
			out["height"] = cfg.Height
			out["imageFormat"] = format
		}
	}
	return out, nil
}
