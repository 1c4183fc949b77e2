package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// minPartSize is the smallest part S3 accepts in a multipart upload,
// except for the final part.
const minPartSize = 5 * 1024 * 1024

// S3Config holds connection settings for an S3-compatible bucket.
type S3Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3 implements Driver backed by an S3-compatible object store.
// Chunked uploads land each chunk in its own scratch object; completion
// assembles them server-side via multipart copy when part sizes allow,
// falling back to re-streaming otherwise.
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	uploader  *manager.Uploader
	bucket    string
	prefix    string
}

// NewS3 creates a new S3 driver.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Validate checks that the bucket is reachable.
func (d *S3) Validate(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", d.bucket, err)
	}
	return nil
}

// Exists checks if a path exists.
func (d *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := d.head(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size returns the size of the object at path.
func (d *S3) Size(ctx context.Context, path string) (int64, error) {
	out, err := d.head(ctx, path)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetContent retrieves the full object at path.
func (d *S3) GetContent(ctx context.Context, path string) ([]byte, error) {
	rc, err := d.StreamRead(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading object body: %w", err)
	}
	return content, nil
}

// PutContent stores content at path.
func (d *S3) PutContent(ctx context.Context, path string, content []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", path, err)
	}
	return nil
}

// StreamRead retrieves the object at path as a stream.
func (d *S3) StreamRead(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object %s: %w", path, err)
	}
	return out.Body, nil
}

// StreamWrite stores data at path. The upload manager splits large streams
// into multipart uploads, so nothing is visible until the write completes.
func (d *S3) StreamWrite(ctx context.Context, path string, r io.Reader) (int64, error) {
	cr := &byteCountReader{r: r}
	_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
		Body:   cr,
	})
	if err != nil {
		return cr.n, fmt.Errorf("uploading object %s: %w", path, err)
	}
	return cr.n, nil
}

// Delete removes the object at path.
func (d *S3) Delete(ctx context.Context, path string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", path, err)
	}
	return nil
}

// List returns all paths with the given prefix.
func (d *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if d.prefix != "" {
				key = strings.TrimPrefix(key, d.prefix+"/")
			}
			paths = append(paths, key)
		}
	}
	return paths, nil
}

// s3Chunk records one uploaded chunk object.
type s3Chunk struct {
	Key    string `json:"key"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// s3UploadMetadata tracks the scratch chunks of an in-flight upload.
type s3UploadMetadata struct {
	Chunks []s3Chunk `json:"chunks"`
}

func (m *s3UploadMetadata) totalSize() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.Size
	}
	return total
}

// InitiateChunkedUpload starts a new chunked upload.
func (d *S3) InitiateChunkedUpload(ctx context.Context) (string, []byte, error) {
	uploadID := uuid.New().String()
	meta, err := json.Marshal(s3UploadMetadata{})
	if err != nil {
		return "", nil, fmt.Errorf("encoding upload metadata: %w", err)
	}
	return uploadID, meta, nil
}

// StreamUploadChunk writes a chunk as its own scratch object. S3 objects
// cannot be rewritten in place, so chunks must arrive in order.
func (d *S3) StreamUploadChunk(ctx context.Context, uploadID string, offset, length int64, r io.Reader, meta []byte) (int64, []byte, error) {
	var um s3UploadMetadata
	if err := json.Unmarshal(meta, &um); err != nil {
		return 0, nil, fmt.Errorf("decoding upload metadata: %w", err)
	}
	if offset != um.totalSize() {
		return 0, nil, fmt.Errorf("%w: offset %d does not match upload size %d", ErrInvalidOffset, offset, um.totalSize())
	}

	src := r
	if length >= 0 {
		src = io.LimitReader(r, length)
	}

	chunkKey := fmt.Sprintf("uploads/%s/%d", uploadID, len(um.Chunks))
	cr := &byteCountReader{r: src}
	_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(chunkKey)),
		Body:   cr,
	})
	if err != nil {
		return cr.n, nil, fmt.Errorf("uploading chunk %s: %w", chunkKey, err)
	}

	um.Chunks = append(um.Chunks, s3Chunk{Key: chunkKey, Offset: offset, Size: cr.n})
	newMeta, err := json.Marshal(um)
	if err != nil {
		return cr.n, nil, fmt.Errorf("encoding upload metadata: %w", err)
	}
	return cr.n, newMeta, nil
}

// CompleteChunkedUpload assembles the chunks at finalPath.
func (d *S3) CompleteChunkedUpload(ctx context.Context, uploadID string, finalPath string, meta []byte) error {
	var um s3UploadMetadata
	if err := json.Unmarshal(meta, &um); err != nil {
		return fmt.Errorf("decoding upload metadata: %w", err)
	}

	var err error
	switch {
	case len(um.Chunks) == 0:
		err = d.PutContent(ctx, finalPath, nil)
	case len(um.Chunks) == 1:
		err = d.copyObject(ctx, um.Chunks[0].Key, finalPath)
	case d.partsCopyable(&um):
		err = d.multipartCopy(ctx, &um, finalPath)
	default:
		err = d.restreamChunks(ctx, &um, finalPath)
	}
	if err != nil {
		return err
	}

	d.deleteChunks(ctx, &um)
	return nil
}

// CancelChunkedUpload discards the upload's scratch chunks.
func (d *S3) CancelChunkedUpload(ctx context.Context, uploadID string, meta []byte) error {
	var um s3UploadMetadata
	if err := json.Unmarshal(meta, &um); err != nil {
		return fmt.Errorf("decoding upload metadata: %w", err)
	}
	d.deleteChunks(ctx, &um)
	return nil
}

// RedirectURL returns a presigned GET URL for path.
func (d *S3) RedirectURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	req, err := d.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", path, err)
	}
	return req.URL, nil
}

// partsCopyable reports whether every chunk except the last satisfies the
// multipart minimum part size.
func (d *S3) partsCopyable(um *s3UploadMetadata) bool {
	for i, c := range um.Chunks {
		if i < len(um.Chunks)-1 && c.Size < minPartSize {
			return false
		}
	}
	return true
}

// multipartCopy concatenates chunks server-side via UploadPartCopy.
func (d *S3) multipartCopy(ctx context.Context, um *s3UploadMetadata, finalPath string) error {
	create, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(finalPath)),
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload: %w", err)
	}
	mpUploadID := create.UploadId

	abort := func() {
		_, _ = d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(d.bucket),
			Key:      aws.String(d.key(finalPath)),
			UploadId: mpUploadID,
		})
	}

	parts := make([]types.CompletedPart, 0, len(um.Chunks))
	for i, c := range um.Chunks {
		partNum := int32(i + 1)
		copied, err := d.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(d.key(finalPath)),
			UploadId:   mpUploadID,
			PartNumber: aws.Int32(partNum),
			CopySource: aws.String(d.bucket + "/" + d.key(c.Key)),
		})
		if err != nil {
			abort()
			return fmt.Errorf("copying part %d: %w", partNum, err)
		}
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(partNum),
			ETag:       copied.CopyPartResult.ETag,
		})
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(finalPath)),
		UploadId: mpUploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		abort()
		return fmt.Errorf("completing multipart upload: %w", err)
	}
	return nil
}

// restreamChunks concatenates chunks client-side when part sizes rule out
// a server-side copy.
func (d *S3) restreamChunks(ctx context.Context, um *s3UploadMetadata, finalPath string) error {
	readers := make([]io.Reader, 0, len(um.Chunks))
	closers := make([]io.Closer, 0, len(um.Chunks))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	for _, c := range um.Chunks {
		rc, err := d.StreamRead(ctx, c.Key)
		if err != nil {
			return fmt.Errorf("reading chunk %s: %w", c.Key, err)
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}

	if _, err := d.StreamWrite(ctx, finalPath, io.MultiReader(readers...)); err != nil {
		return fmt.Errorf("assembling chunks: %w", err)
	}
	return nil
}

func (d *S3) deleteChunks(ctx context.Context, um *s3UploadMetadata) {
	for _, c := range um.Chunks {
		_ = d.Delete(ctx, c.Key)
	}
}

func (d *S3) copyObject(ctx context.Context, src, dst string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(dst)),
		CopySource: aws.String(d.bucket + "/" + d.key(src)),
	})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func (d *S3) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("head object %s: %w", path, err)
	}
	return out, nil
}

// key prepends the configured prefix to a storage path.
func (d *S3) key(path string) string {
	if d.prefix == "" {
		return path
	}
	return d.prefix + "/" + path
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// byteCountReader wraps a reader and counts bytes read.
type byteCountReader struct {
	r io.Reader
	n int64
}

func (cr *byteCountReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface check
var _ Driver = (*S3)(nil)
