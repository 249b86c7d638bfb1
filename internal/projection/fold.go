package projection

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
)

// fold applies one event to row and reports whether the file just reached
// a final status. Final rows keep their status; later events are ignored.
func fold(row *models.FileProjection, payload any, at, now time.Time) bool {
	if row.Status != enums.ProcessingInProgress {
		return false
	}
	switch p := payload.(type) {
	case *messaging.FileValidated:
		if row.ValidatedAt == nil {
			row.ValidatedAt = &at
		}
		row.Bucket = p.Bucket
		row.ObjectKey = p.ObjectKey
		row.DetectedMime = p.DetectedMime
		if p.UploadedBy != "" {
			row.UploadedBy = p.UploadedBy
		}
	case *messaging.FileRejected:
		if row.RejectedAt == nil {
			row.RejectedAt = &at
		}
		code, reason := p.Code, p.Reason
		row.RejectionCode = &code
		row.RejectionReason = &reason
		if p.UploadedBy != "" {
			row.UploadedBy = p.UploadedBy
		}
	case *messaging.ThumbnailGenerated:
		if row.ThumbnailAt == nil {
			row.ThumbnailAt = &at
		}
		row.ThumbnailKey = p.ThumbnailKey
	case *messaging.MetadataExtracted:
		if row.MetadataAt == nil {
			row.MetadataAt = &at
		}
		if row.Metadata == nil {
			row.Metadata = datatypes.JSONMap{}
		}
		for k, v := range p.Metadata {
			row.Metadata[k] = v
		}
	default:
		return false
	}
	row.UpdatedAt = now

	switch {
	case row.RejectedAt != nil:
		row.Status = enums.ProcessingFailed
	case row.ValidatedAt != nil && row.ThumbnailAt != nil && row.MetadataAt != nil:
		row.Status = enums.ProcessingCompleted
	default:
		return false
	}
	row.CompletedAt = &now
	return true
}
