// Package blob issues short-lived pre-signed object-store URLs. Bytes never
// pass through this process; clients talk to the store directly and only the
// object key travels through the message pipeline.
package blob

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/relaychat/tms/api/config"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/shared/id"
)

// allowedMIME is the upload allowlist. Everything else is refused before a
// URL is ever signed.
var allowedMIME = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"audio/mpeg":         true,
	"audio/ogg":          true,
	"audio/webm":         true,
	"audio/mp4":          true,
	"video/mp4":          true,
	"video/webm":         true,
	"application/pdf":    true,
	"application/zip":    true,
	"text/plain":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
}

type Signer struct {
	s3       *s3.S3
	bucket   string
	urlTTL   time.Duration
	maxBytes int64
}

func NewSigner(cfg config.OSSConfig, endpoint string) (*Signer, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store session: %w", err)
	}

	return &Signer{
		s3:       s3.New(sess),
		bucket:   cfg.Bucket,
		urlTTL:   cfg.URLTTL,
		maxBytes: cfg.MaxUploadBytes,
	}, nil
}

// MaxBytes is the configured upload cap.
func (s *Signer) MaxBytes() int64 { return s.maxBytes }

// IssueUploadURL validates the MIME type and declared size, derives a fresh
// object key, and signs a PUT URL.
func (s *Signer) IssueUploadURL(userID, filename, contentType string, size int64) (*domain.SignedURL, error) {
	if !allowedMIME[strings.ToLower(contentType)] {
		return nil, domain.Validation("content type not allowed", map[string]string{
			"content_type": contentType,
		})
	}
	if size > s.maxBytes {
		return nil, domain.Validation("file too large", map[string]string{
			"size": fmt.Sprintf("exceeds %d bytes", s.maxBytes),
		})
	}

	key := objectKey(userID, filename)
	req, _ := s.s3.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})

	url, err := req.Presign(s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &domain.SignedURL{
		URL:       url,
		ObjectKey: key,
		ExpiresAt: time.Now().UTC().Add(s.urlTTL),
	}, nil
}

// IssueDownloadURL signs a GET for an existing object key. Visibility
// (membership in a conversation referencing the key) is the caller's check.
func (s *Signer) IssueDownloadURL(objectKey string) (*domain.SignedURL, error) {
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})

	url, err := req.Presign(s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}

	return &domain.SignedURL{
		URL:       url,
		ObjectKey: objectKey,
		ExpiresAt: time.Now().UTC().Add(s.urlTTL),
	}, nil
}

// objectKey keeps the original extension for content-type sniffing on
// download but never trusts the rest of the filename.
func objectKey(userID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 10 {
		ext = ""
	}
	return fmt.Sprintf("uploads/%s/%s%s", userID, id.NewObjectKey(), ext)
}
