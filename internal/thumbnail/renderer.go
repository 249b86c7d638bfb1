package thumbnail

import (
	"context"

	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

// Source identifies the validated object to render.
type Source struct {
	FileID       string
	Bucket       string
	ObjectKey    string
	DetectedMime string
}

// Result locates a rendered thumbnail.
type Result struct {
	Bucket string
	Key    string
	Width  int
	Height int
}

// Renderer produces a thumbnail for a validated object. Implementations
// write the thumbnail themselves; the service only records where it is.
type Renderer interface {
	Render(ctx context.Context, src Source) (Result, error)
}

// PassthroughRenderer points the thumbnail at the original object. It keeps
// the workflow moving where no image renderer is deployed.
type PassthroughRenderer struct {
	Store storage.ObjectStore
}

func (r PassthroughRenderer) Render(ctx context.Context, src Source) (Result, error) {
	if r.Store != nil {
		if _, err := r.Store.Stat(ctx, src.Bucket, src.ObjectKey); err != nil {
			return Result{}, err
		}
	}
	return Result{Bucket: src.Bucket, Key: src.ObjectKey}, nil
}
