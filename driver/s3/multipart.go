package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gobeaver/drivekit"
)

// multipartState tracks one in-progress multipart upload: the target key,
// the store-issued upload ID, and the etag of every completed part.
type multipartState struct {
	path     drivekit.Path
	key      string
	uploadID string

	mu    sync.Mutex
	parts []types.CompletedPart
}

type multipartTable struct {
	mu sync.Mutex
	m  map[string]*multipartState
}

func (t *multipartTable) init() {
	t.m = make(map[string]*multipartState)
}

func (t *multipartTable) get(id string) (*multipartState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[id]
	return st, ok
}

func (t *multipartTable) remove(id string) (*multipartState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[id]
	delete(t.m, id)
	return st, ok
}

func newUploadHandle() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InitiateUpload implements drivekit.ChunkedUploader over S3 multipart
// uploads. Content type and metadata are carried on the create call so
// the assembled object matches what a single PutObject would store.
func (a *Adapter) InitiateUpload(ctx context.Context, p drivekit.Path, opts drivekit.WriteOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	out, err := a.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", mapS3Error("initiate-upload", p, err)
	}

	handle, err := newUploadHandle()
	if err != nil {
		return "", mapS3Error("initiate-upload", p, err)
	}

	a.uploads.mu.Lock()
	a.uploads.m[handle] = &multipartState{
		path:     p,
		key:      a.key(p),
		uploadID: aws.ToString(out.UploadId),
	}
	a.uploads.mu.Unlock()
	return handle, nil
}

// UploadPart implements drivekit.ChunkedUploader
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	st, ok := a.uploads.get(uploadID)
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}

	out, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(st.key),
		UploadId:      aws.String(st.uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return mapS3Error("upload-part", st.path, err)
	}

	st.mu.Lock()
	st.parts = append(st.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(int32(partNumber)),
	})
	st.mu.Unlock()
	return nil
}

// CompleteUpload implements drivekit.ChunkedUploader
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	st, ok := a.uploads.remove(uploadID)
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}

	st.mu.Lock()
	parts := make([]types.CompletedPart, len(st.parts))
	copy(parts, st.parts)
	st.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(st.key),
		UploadId:        aws.String(st.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return mapS3Error("complete-upload", st.path, err)
}

// AbortUpload implements drivekit.ChunkedUploader; every uploaded part is
// discarded by the store.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	st, ok := a.uploads.remove(uploadID)
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}

	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(st.key),
		UploadId: aws.String(st.uploadID),
	})
	return mapS3Error("abort-upload", st.path, err)
}
