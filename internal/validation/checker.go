package validation

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Rejection codes carried by FileRejected.v1.
const (
	CodeObjectMissing     = "object_missing"
	CodeEmptyFile         = "empty_file"
	CodeTooLarge          = "too_large"
	CodeUnsupportedType   = "unsupported_type"
	CodeSignatureMismatch = "signature_mismatch"
)

// Input is what the checker sees of one upload.
type Input struct {
	DeclaredType string
	OriginalName string
	Size         int64
	Head         []byte
}

// Verdict is the checker's decision. DetectedMime is set whenever the head
// bytes could be sniffed.
type Verdict struct {
	Accepted     bool
	DetectedMime string
	Code         string
	Reason       string
}

func reject(code, reason string) Verdict {
	return Verdict{Code: code, Reason: reason}
}

// SignatureChecker decides whether an upload's content is acceptable.
type SignatureChecker interface {
	Check(in Input) Verdict
}

// MimeSignatureChecker sniffs magic bytes and compares them with the allowed
// list and the type the client declared.
type MimeSignatureChecker struct {
	allowed []string
	maxSize int64
}

func NewMimeSignatureChecker(allowed []string, maxSize int64) (*MimeSignatureChecker, error) {
	clean := make([]string, 0, len(allowed))
	for _, value := range allowed {
		base, err := baseType(value)
		if err != nil {
			return nil, fmt.Errorf("allowed type %q: %w", value, err)
		}
		clean = append(clean, base)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("at least one allowed type is required")
	}
	return &MimeSignatureChecker{allowed: clean, maxSize: maxSize}, nil
}

func (c *MimeSignatureChecker) Check(in Input) Verdict {
	if in.Size == 0 || len(in.Head) == 0 {
		return reject(CodeEmptyFile, "object is empty")
	}
	if c.maxSize > 0 && in.Size > c.maxSize {
		return reject(CodeTooLarge, fmt.Sprintf("object is %d bytes, limit is %d", in.Size, c.maxSize))
	}

	detected := mimetype.Detect(in.Head)
	detectedBase, _ := baseType(detected.String())

	if !c.isAllowed(detected) {
		v := reject(CodeUnsupportedType, fmt.Sprintf("%s is not an accepted type", detectedBase))
		v.DetectedMime = detectedBase
		return v
	}
	if declared := strings.TrimSpace(in.DeclaredType); declared != "" {
		declaredBase, err := baseType(declared)
		if err != nil || !detected.Is(declaredBase) {
			v := reject(CodeSignatureMismatch, fmt.Sprintf("declared %s but content is %s", declared, detectedBase))
			v.DetectedMime = detectedBase
			return v
		}
	}
	return Verdict{Accepted: true, DetectedMime: detectedBase}
}

func (c *MimeSignatureChecker) isAllowed(detected *mimetype.MIME) bool {
	for _, allowed := range c.allowed {
		if detected.Is(allowed) {
			return true
		}
	}
	return false
}

func baseType(value string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return "", err
	}
	return strings.ToLower(mediaType), nil
}
