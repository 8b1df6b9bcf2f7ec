package services

import (
	"context"

	"github.com/relaychat/tms/api/domain"
)

// BlobBroker mediates between clients and the object store. Bytes never
// transit the core: uploads get a presigned PUT, downloads get a presigned
// GET gated on the caller being able to see a message referencing the key.
type BlobBroker struct {
	signer BlobSigner
	msgs   MessageStore
}

func NewBlobBroker(signer BlobSigner, msgs MessageStore) *BlobBroker {
	return &BlobBroker{signer: signer, msgs: msgs}
}

// IssueUploadURL validates and signs an upload slot for the caller.
func (b *BlobBroker) IssueUploadURL(ctx context.Context, callerID, filename, contentType string, size int64) (*domain.SignedURL, error) {
	if filename == "" {
		return nil, domain.Validation("filename is required", nil)
	}
	if size <= 0 {
		return nil, domain.Validation("declared size is required", nil)
	}
	return b.signer.IssueUploadURL(callerID, filename, contentType, size)
}

// IssueDownloadURL signs a GET for an object key the caller can see: the key
// must be referenced by a message in a conversation the caller belongs to.
func (b *BlobBroker) IssueDownloadURL(ctx context.Context, callerID, objectKey string) (*domain.SignedURL, error) {
	if objectKey == "" {
		return nil, domain.Validation("object key is required", nil)
	}

	visible, err := b.msgs.ObjectKeyVisible(ctx, objectKey, callerID)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, domain.PermissionDenied("object is not visible to you")
	}
	return b.signer.IssueDownloadURL(objectKey)
}

// MaxUploadBytes is the configured cap, surfaced for client preflight.
func (b *BlobBroker) MaxUploadBytes() int64 {
	return b.signer.MaxBytes()
}
