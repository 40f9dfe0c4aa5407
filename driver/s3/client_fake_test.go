package s3

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeObject is one stored object in the fake bucket.
type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
}

type fakeUpload struct {
	key         string
	contentType string
	metadata    map[string]string
	parts       map[int32][]byte
}

// fakeClient implements the Client interface over an in-memory key map.
// ListObjectsV2 honors Prefix, Delimiter, MaxKeys, and ContinuationToken
// the way the real service does: lexicographic key order, common prefixes
// folded by the delimiter, and the last emitted key as the continuation
// token.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int

	// failures maps a method name to an error it should return.
	failures map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		objects:  make(map[string]*fakeObject),
		uploads:  make(map[string]*fakeUpload),
		failures: make(map[string]error),
	}
}

func (c *fakeClient) put(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = &fakeObject{data: []byte(content), modTime: time.Now()}
}

func (c *fakeClient) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[key]
	return ok
}

func (c *fakeClient) content(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key]
	if !ok {
		return ""
	}
	return string(obj.data)
}

func (c *fakeClient) keyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

func (c *fakeClient) fail(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[method]
}

// apiError builds the kind of coded error smithy surfaces for S3 API
// failures.
func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (c *fakeClient) sortedKeys(prefix string) []string {
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *fakeClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := c.fail("ListObjectsV2"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	max := int(aws.ToInt32(in.MaxKeys))
	if max <= 0 {
		max = 1000
	}

	keys := c.sortedKeys(prefix)
	if token := aws.ToString(in.ContinuationToken); token != "" {
		for len(keys) > 0 && keys[0] <= token {
			keys = keys[1:]
		}
	}

	out := &s3.ListObjectsV2Output{}
	seen := make(map[string]bool)
	count := 0
	var last string
	for _, key := range keys {
		if count >= max {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		last = key

		rest := strings.TrimPrefix(key, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{
						Prefix: aws.String(cp),
					})
					count++
				}
				continue
			}
		}

		obj := c.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modTime),
			ETag:         aws.String(fmt.Sprintf("%q", fakeETag(obj.data))),
		})
		count++
	}
	return out, nil
}

func fakeETag(data []byte) string {
	return fmt.Sprintf("etag-%d", len(data))
}

func (c *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := c.fail("GetObject"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(data))),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(obj.contentType),
	}, nil
}

func (c *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := c.fail("PutObject"); err != nil {
		if in.Body != nil {
			io.Copy(io.Discard, in.Body)
		}
		return nil, err
	}

	var data []byte
	if in.Body != nil {
		var err error
		data, err = io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modTime:     time.Now(),
	}
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("%q", fakeETag(data)))}, nil
}

func (c *fakeClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := c.fail("HeadObject"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modTime),
		ETag:          aws.String(fmt.Sprintf("%q", fakeETag(obj.data))),
		Metadata:      obj.metadata,
	}, nil
}

func (c *fakeClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := c.fail("DeleteObject"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeClient) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if err := c.fail("DeleteObjects"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(c.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (c *fakeClient) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := c.fail("CopyObject"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// CopySource is "bucket/key".
	source := aws.ToString(in.CopySource)
	i := strings.Index(source, "/")
	if i < 0 {
		return nil, apiError("InvalidArgument")
	}
	src, ok := c.objects[source[i+1:]]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := make([]byte, len(src.data))
	copy(data, src.data)
	c.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		contentType: src.contentType,
		modTime:     time.Now(),
	}
	return &s3.CopyObjectOutput{}, nil
}

func (c *fakeClient) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := c.fail("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := fmt.Sprintf("upload-%d", c.nextID)
	c.uploads[id] = &fakeUpload{
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		parts:       make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (c *fakeClient) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := c.fail("UploadPart"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	num := aws.ToInt32(in.PartNumber)
	up.parts[num] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("%q", fmt.Sprintf("part-%d", num)))}, nil
}

func (c *fakeClient) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := c.fail("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := aws.ToString(in.UploadId)
	up, ok := c.uploads[id]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}

	var data []byte
	for _, part := range in.MultipartUpload.Parts {
		chunk, ok := up.parts[aws.ToInt32(part.PartNumber)]
		if !ok {
			return nil, apiError("InvalidPart")
		}
		data = append(data, chunk...)
	}
	c.objects[up.key] = &fakeObject{
		data:        data,
		contentType: up.contentType,
		metadata:    up.metadata,
		modTime:     time.Now(),
	}
	delete(c.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (c *fakeClient) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := c.fail("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := aws.ToString(in.UploadId)
	if _, ok := c.uploads[id]; !ok {
		return nil, apiError("NoSuchUpload")
	}
	delete(c.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}
