// internal/messaging/storage.go

package messaging

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultMaxImageBytes     = 10 << 20
	DefaultImageMaxDimension = 1600
	defaultJPEGQuality       = 80
)

var allowedImageTypes = []string{"image/jpeg", "image/png", "image/gif"}

// ImagePipeline validates, resizes and recompresses images before upload.
type ImagePipeline struct {
	MaxBytes     int
	MaxDimension int
	Quality      int
}

func (p ImagePipeline) maxBytes() int {
	if p.MaxBytes <= 0 {
		return DefaultMaxImageBytes
	}
	return p.MaxBytes
}

// Check rejects empty, oversized and non-image payloads. An empty
// contentType is sniffed.
func (p ImagePipeline) Check(data []byte, contentType string) error {
	if len(data) == 0 {
		return errors.Wrap(ErrInvalidImage, "empty payload")
	}
	if len(data) > p.maxBytes() {
		return errors.Wrapf(ErrInvalidImage, "size %d exceeds maximum %d", len(data), p.maxBytes())
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageType(contentType) {
		return errors.Wrapf(ErrInvalidImage, "content type %s not allowed", contentType)
	}
	return nil
}

// Prepare decodes data, fits it into the max dimension and re-encodes it as
// JPEG.
func (p ImagePipeline) Prepare(data []byte) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", errors.Wrap(ErrInvalidImage, err.Error())
	}

	dim := p.MaxDimension
	if dim <= 0 {
		dim = DefaultImageMaxDimension
	}
	b := img.Bounds()
	if b.Dx() > dim || b.Dy() > dim {
		img = imaging.Fit(img, dim, dim, imaging.Lanczos)
	}

	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", errors.Wrap(err, "encode image")
	}
	return buf.Bytes(), "image/jpeg", nil
}

func isAllowedImageType(contentType string) bool {
	contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, allowed := range allowedImageTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// S3BlobStore uploads to an S3 bucket fronted by a CDN
type S3BlobStore struct {
	s3Client   *s3.S3
	bucketName string
	cdnURL     string
}

func NewS3BlobStore(awsSession *awssession.Session, bucketName, cdnURL string) *S3BlobStore {
	return &S3BlobStore{
		s3Client:   s3.New(awsSession),
		bucketName: bucketName,
		cdnURL:     strings.TrimRight(cdnURL, "/"),
	}
}

// Upload stores data under path and returns its CDN URL.
func (s *S3BlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	key := objectKey(path)
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           aws.String("public-read"),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("%s/%s", s.cdnURL, key), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, url string) error {
	key := strings.TrimPrefix(url, s.cdnURL+"/")
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	return errors.Wrap(err, "delete object")
}

// LocalBlobStore writes uploads to disk and serves them under baseURL
type LocalBlobStore struct {
	uploadDir string
	baseURL   string
}

func NewLocalBlobStore(uploadDir, baseURL string) *LocalBlobStore {
	return &LocalBlobStore{
		uploadDir: uploadDir,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (s *LocalBlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	key := objectKey(path)
	full := filepath.Join(s.uploadDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", errors.Wrap(err, "create upload directory")
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", errors.Wrap(err, "write upload")
	}
	return fmt.Sprintf("%s/uploads/%s", s.baseURL, key), nil
}

func (s *LocalBlobStore) Delete(ctx context.Context, url string) error {
	prefix := s.baseURL + "/uploads/"
	if !strings.HasPrefix(url, prefix) {
		return errors.Errorf("url %s is not served by this store", url)
	}
	key := strings.TrimPrefix(url, prefix)
	if strings.Contains(key, "..") {
		return errors.Errorf("invalid upload key %q", key)
	}
	err := os.Remove(filepath.Join(s.uploadDir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "remove upload")
}

// objectKey dates the path and prefixes a random component so re-uploads of
// the same message never collide with cached objects.
func objectKey(path string) string {
	path = strings.TrimLeft(path, "/")
	dir, file := filepath.Split(path)
	return fmt.Sprintf("%s%s/%s-%s", dir, time.Now().UTC().Format("2006/01/02"), uuid.New().String()[:8], file)
}
