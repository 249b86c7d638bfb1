package messaging

import "time"

// FileScoped payloads name the file they describe.
type FileScoped interface {
	FileRef() string
}

// FileUploaded is emitted once an upload is durably stored.
type FileUploaded struct {
	FileID       string `json:"fileId" validate:"required"`
	Bucket       string `json:"bucket" validate:"required"`
	ObjectKey    string `json:"objectKey" validate:"required"`
	OriginalName string `json:"originalName,omitempty" validate:"max=512"`
	ContentType  string `json:"contentType,omitempty"`
	SizeBytes    int64  `json:"sizeBytes" validate:"gte=0"`
	UploadedBy   string `json:"uploadedBy,omitempty"`
}

// FileValidated carries the detected type of an accepted upload.
type FileValidated struct {
	FileID       string `json:"fileId" validate:"required"`
	Bucket       string `json:"bucket" validate:"required"`
	ObjectKey    string `json:"objectKey" validate:"required"`
	DetectedMime string `json:"detectedMime" validate:"required"`
	SizeBytes    int64  `json:"sizeBytes" validate:"gte=0"`
	UploadedBy   string `json:"uploadedBy,omitempty"`
}

// FileRejected ends a file's journey.
type FileRejected struct {
	FileID     string `json:"fileId" validate:"required"`
	Code       string `json:"code" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	UploadedBy string `json:"uploadedBy,omitempty"`
}

type ThumbnailGenerated struct {
	FileID       string `json:"fileId" validate:"required"`
	Bucket       string `json:"bucket" validate:"required"`
	ThumbnailKey string `json:"thumbnailKey" validate:"required"`
	Width        int    `json:"width" validate:"gte=0"`
	Height       int    `json:"height" validate:"gte=0"`
}

type MetadataExtracted struct {
	FileID   string         `json:"fileId" validate:"required"`
	Metadata map[string]any `json:"metadata" validate:"required"`
}

// ProcessingCompleted is the projection's authoritative completion signal.
type ProcessingCompleted struct {
	FileID        string    `json:"fileId" validate:"required"`
	Status        string    `json:"status" validate:"required,oneof=completed failed"`
	CompletedAt   time.Time `json:"completedAt" validate:"required"`
	UploadedBy    string    `json:"uploadedBy,omitempty"`
	RejectionCode string    `json:"rejectionCode,omitempty"`
}

// NotificationRequested asks the email transport to deliver a message.
type NotificationRequested struct {
	NotificationID string `json:"notificationId" validate:"required"`
	FileID         string `json:"fileId" validate:"required"`
	Recipient      string `json:"recipient" validate:"required"`
	Template       string `json:"template" validate:"required,oneof=processing-completed processing-failed"`
	Subject        string `json:"subject" validate:"required"`
}

func (p FileUploaded) FileRef() string          { return p.FileID }
func (p FileValidated) FileRef() string         { return p.FileID }
func (p FileRejected) FileRef() string          { return p.FileID }
func (p ThumbnailGenerated) FileRef() string    { return p.FileID }
func (p MetadataExtracted) FileRef() string     { return p.FileID }
func (p ProcessingCompleted) FileRef() string   { return p.FileID }
func (p NotificationRequested) FileRef() string { return p.FileID }
