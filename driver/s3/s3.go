// Package s3 implements the drivekit backend contract over an
// S3-compatible object store: a flat key namespace with
// continuation-token pagination and no atomic rename.
package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gobeaver/drivekit"
)

// deleteBatchSize is the DeleteObjects limit.
const deleteBatchSize = 1000

// Client is the subset of the S3 API the adapter uses. *s3.Client
// satisfies it; tests substitute a fake.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Adapter provides an S3 implementation of drivekit.Backend. Virtual
// paths map to flat keys by joining segments with "/"; directories are
// synthetic, inferred from common key prefixes, and physically exist only
// as zero-byte marker objects for otherwise-empty directories.
type Adapter struct {
	client Client
	bucket string
	prefix string

	uploads multipartTable
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithPrefix scopes all keys under a bucket prefix.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// New creates an S3 backend over the given client and bucket.
func New(client Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client: client,
		bucket: bucket,
	}
	adapter.uploads.init()
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Kind implements drivekit.Backend
func (a *Adapter) Kind() string { return "s3" }

// key maps a virtual path to the object key. The root maps to the bare
// prefix.
func (a *Adapter) key(p drivekit.Path) string {
	return a.prefix + p.String()
}

// dirKey is the prefix shared by every key under a directory.
func (a *Adapter) dirKey(p drivekit.Path) string {
	if p.IsRoot() {
		return a.prefix
	}
	return a.prefix + p.String() + "/"
}

// pathFromKey maps an object key back to a virtual path.
func (a *Adapter) pathFromKey(key string) (drivekit.Path, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(key, a.prefix), "/")
	p, err := drivekit.ParsePath(trimmed)
	if err != nil {
		return drivekit.Path{}, false
	}
	return p, true
}

// mapS3Error translates S3 API errors into the drivekit taxonomy.
func mapS3Error(op string, p drivekit.Path, err error) error {
	if err == nil {
		return nil
	}

	wrap := func(cause error) error {
		return &drivekit.PathError{Op: op, Path: p.String(), Err: cause}
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return wrap(drivekit.ErrNotFound)
	}
	if errors.As(err, &noBucket) {
		return wrap(drivekit.ErrUnavailable)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return wrap(drivekit.ErrNotFound)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrap(drivekit.ErrAccessDenied)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout",
			"Throttling", "ThrottlingException", "RequestLimitExceeded":
			return wrap(drivekit.ErrUnavailable)
		case "QuotaExceeded", "AccountProblem":
			return wrap(drivekit.ErrQuotaExceeded)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(drivekit.ErrCancelled)
	}
	return wrap(err)
}

func cleanETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

// Stat implements drivekit.Backend. A path is a file when its exact key
// exists, a directory when its marker exists or any key carries its
// prefix.
func (a *Adapter) Stat(ctx context.Context, p drivekit.Path) (*drivekit.FileEntry, error) {
	if p.IsRoot() {
		return &drivekit.FileEntry{Path: p, Kind: drivekit.KindDir}, nil
	}

	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	})
	if err == nil {
		return &drivekit.FileEntry{
			Name:        p.Name(),
			Path:        p,
			Kind:        drivekit.KindFile,
			Size:        aws.ToInt64(head.ContentLength),
			ModTime:     aws.ToTime(head.LastModified),
			ETag:        cleanETag(head.ETag),
			ContentType: aws.ToString(head.ContentType),
			Metadata:    head.Metadata,
		}, nil
	}
	mapped := mapS3Error("stat", p, err)
	if !drivekit.IsNotFound(mapped) {
		return nil, mapped
	}

	// Not a file; a synthetic directory exists when anything lives under
	// the prefix (marker object included).
	list, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, mapS3Error("stat", p, err)
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return nil, &drivekit.PathError{Op: "stat", Path: p.String(), Err: drivekit.ErrNotFound}
	}
	return &drivekit.FileEntry{Name: p.Name(), Path: p, Kind: drivekit.KindDir}, nil
}

// List implements drivekit.Backend. One delimiter-scoped ListObjectsV2
// page: objects under the prefix become files, common prefixes become
// synthetic directories, and the native continuation token is passed
// through as the page token.
func (a *Adapter) List(ctx context.Context, p drivekit.Path, opts drivekit.ListOptions) (*drivekit.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(a.dirKey(p)),
		Delimiter: aws.String("/"),
	}
	if opts.PageSize > 0 {
		input.MaxKeys = aws.Int32(int32(opts.PageSize))
	}
	if opts.PageToken != "" {
		input.ContinuationToken = aws.String(opts.PageToken)
	}

	out, err := a.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, mapS3Error("list", p, err)
	}

	// First page of an empty result: distinguish "no such directory"
	// from "directory exists but is empty", and reject listing a file.
	if opts.PageToken == "" && len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 && !p.IsRoot() {
		entry, err := a.Stat(ctx, p)
		if err != nil {
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrNotFound}
		}
		if !entry.IsDir() {
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrNotDir}
		}
	}

	page := &drivekit.Page{}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == a.dirKey(p) {
			continue // the directory's own marker object
		}
		child, ok := a.pathFromKey(key)
		if !ok {
			continue
		}
		name := child.Name()
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		page.Entries = append(page.Entries, drivekit.FileEntry{
			Name:        name,
			Path:        child,
			Kind:        drivekit.KindFile,
			Size:        aws.ToInt64(obj.Size),
			ModTime:     aws.ToTime(obj.LastModified),
			ETag:        cleanETag(obj.ETag),
			ContentType: drivekit.GuessContentType(name, nil),
		})
	}
	for _, cp := range out.CommonPrefixes {
		child, ok := a.pathFromKey(aws.ToString(cp.Prefix))
		if !ok {
			continue
		}
		if !opts.IncludeHidden && strings.HasPrefix(child.Name(), ".") {
			continue
		}
		page.Entries = append(page.Entries, drivekit.FileEntry{
			Name: child.Name(),
			Path: child,
			Kind: drivekit.KindDir,
		})
	}

	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// OpenRead implements drivekit.Backend
func (a *Adapter) OpenRead(ctx context.Context, p drivekit.Path) (io.ReadCloser, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	})
	if err != nil {
		return nil, mapS3Error("read", p, err)
	}
	return out.Body, nil
}

// OpenWrite implements drivekit.Backend. Bytes stream through a pipe into
// a single PutObject, so the object appears atomically on Close and an
// aborted write leaves nothing behind.
func (a *Adapter) OpenWrite(ctx context.Context, p drivekit.Path, opts drivekit.WriteOptions) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()

	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
		Body:   pr,
	}
	if opts.ExpectedSize >= 0 {
		input.ContentLength = aws.Int64(opts.ExpectedSize)
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	sink := &putSink{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(sink.done)
		_, err := a.client.PutObject(ctx, input)
		if err != nil {
			err = mapS3Error("write", p, err)
			// Unblock the writer side if the put died mid-stream.
			pr.CloseWithError(err)
		}
		sink.err = err
	}()

	return sink, nil
}

// putSink is the write half of a streaming PutObject.
type putSink struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (s *putSink) Write(b []byte) (int, error) {
	return s.pw.Write(b)
}

// Close finishes the stream and waits for the PutObject result.
func (s *putSink) Close() error {
	s.pw.Close()
	<-s.done
	return s.err
}

// Abort implements drivekit.AbortWriter: the put fails and no object is
// created.
func (s *putSink) Abort() error {
	s.pw.CloseWithError(drivekit.ErrCancelled)
	<-s.done
	return nil
}

// Delete implements drivekit.Backend. Recursive deletion repeatedly lists
// and batch-deletes until no keys remain under the prefix. A listing
// snapshot is not guaranteed consistent with concurrent writers; keys
// created mid-deletion may survive the pass. That eventual-consistency
// caveat is inherent to the store, not a bug here.
func (a *Adapter) Delete(ctx context.Context, p drivekit.Path, recursive bool) error {
	entry, err := a.Stat(ctx, p)
	if err != nil {
		return err
	}

	if !entry.IsDir() {
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(p)),
		})
		return mapS3Error("delete", p, err)
	}

	if recursive {
		return a.deletePrefix(ctx, p)
	}

	// Non-recursive: the directory must hold nothing but its own marker.
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.dirKey(p)),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapS3Error("delete", p, err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != a.dirKey(p) {
			return &drivekit.PathError{Op: "delete", Path: p.String(), Err: drivekit.ErrNotEmpty}
		}
	}
	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.dirKey(p)),
	})
	return mapS3Error("delete", p, err)
}

func (a *Adapter) deletePrefix(ctx context.Context, p drivekit.Path) error {
	prefix := a.dirKey(p)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(a.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(deleteBatchSize),
		})
		if err != nil {
			return mapS3Error("delete", p, err)
		}
		if len(out.Contents) == 0 {
			return nil
		}

		objects := make([]types.ObjectIdentifier, 0, len(out.Contents))
		for _, obj := range out.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		del, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapS3Error("delete", p, err)
		}
		if len(del.Errors) > 0 {
			first := del.Errors[0]
			return &drivekit.PathError{
				Op:   "delete",
				Path: strings.TrimPrefix(aws.ToString(first.Key), a.prefix),
				Err:  errors.New(aws.ToString(first.Message)),
			}
		}
		if !aws.ToBool(out.IsTruncated) && len(out.Contents) < deleteBatchSize {
			return nil
		}
	}
}

// Mkdir implements drivekit.Backend by writing the zero-byte directory
// marker object.
func (a *Adapter) Mkdir(ctx context.Context, p drivekit.Path) error {
	if _, err := a.Stat(ctx, p); err == nil {
		return &drivekit.PathError{Op: "mkdir", Path: p.String(), Err: drivekit.ErrExist}
	} else if !drivekit.IsNotFound(err) {
		return err
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(drivekit.MIMETypeDirectory),
	})
	return mapS3Error("mkdir", p, err)
}

// Rename implements drivekit.Backend. Object stores have no atomic
// rename; the coordinator falls back to copy-then-delete.
func (a *Adapter) Rename(ctx context.Context, src, dst drivekit.Path) error {
	return &drivekit.PathError{Op: "rename", Path: src.String(), Err: drivekit.ErrUnsupported}
}

// Copy implements drivekit.Backend via server-side CopyObject.
func (a *Adapter) Copy(ctx context.Context, src, dst drivekit.Path) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(a.key(dst)),
		CopySource: aws.String(a.bucket + "/" + a.key(src)),
	})
	return mapS3Error("copy", src, err)
}

// Watch implements drivekit.Watcher by polling the directory prefix for a
// changed listing fingerprint. Object stores emit no native events here.
func (a *Adapter) Watch(ctx context.Context, dir drivekit.Path, pattern string) (drivekit.ChangeToken, error) {
	baseline, err := a.listFingerprint(ctx, dir)
	if err != nil {
		return nil, err
	}

	return drivekit.NewPollingChangeToken(ctx, drivekit.PollingConfig{
		CheckFunc: func() bool {
			fp, err := a.listFingerprint(ctx, dir)
			if err != nil {
				return false
			}
			return fp != baseline
		},
	}), nil
}

// listFingerprint folds the first listing page's keys and etags into a
// comparable string.
func (a *Adapter) listFingerprint(ctx context.Context, dir drivekit.Path) (string, error) {
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.dirKey(dir)),
	})
	if err != nil {
		return "", mapS3Error("watch", dir, err)
	}
	var sb strings.Builder
	for _, obj := range out.Contents {
		sb.WriteString(aws.ToString(obj.Key))
		sb.WriteString("|")
		sb.WriteString(cleanETag(obj.ETag))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
