package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultAvatarSizeLimit int64 = 5 * 1024 * 1024
	avatarObjectPrefix           = "avatars"
	avatarOpTimeout              = 10 * time.Second
)

// 头像扩展名按内容类型决定,同一张表同时充当白名单。
var avatarContentTypes = map[string]string{
	"image/png":   ".png",
	"image/x-png": ".png",
	"image/jpeg":  ".jpg",
	"image/pjpeg": ".jpg",
	"image/webp":  ".webp",
	"image/gif":   ".gif",
}

// AvatarStorage keeps user avatars in a MinIO/S3 bucket and hands out
// presigned read URLs so the bucket can stay private.
type AvatarStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
	sizeLimit int64
}

// NewAvatarStorageFromEnv builds the store from MINIO_* variables.
// Avatar storage is optional: with no endpoint configured it returns
// (nil, nil) and the profile endpoints degrade to raw URLs.
func NewAvatarStorageFromEnv() (*AvatarStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), avatarOpTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check avatar bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create avatar bucket %s: %w", bucket, err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	sizeLimit := defaultAvatarSizeLimit
	if raw := strings.TrimSpace(os.Getenv("AVATAR_MAX_BYTES")); raw != "" {
		if parsed, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && parsed > 0 {
			sizeLimit = parsed
		}
	}

	return &AvatarStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		sizeLimit: sizeLimit,
	}, nil
}

// Upload stores an avatar image under avatars/<segments...>/<uuid><ext>
// and returns its public URL. The image is buffered in full to enforce
// the size cap and to sniff the content type before any bytes hit the
// bucket.
func (s *AvatarStorage) Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: avatar storage not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: avatar file not provided")
	}

	limit := s.sizeLimit
	if limit <= 0 {
		limit = defaultAvatarSizeLimit
	}
	if fileHeader.Size > 0 && fileHeader.Size > limit {
		return "", fmt.Errorf("storage: avatar exceeds %d bytes", limit)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("storage: open avatar: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, limit+1))
	if err != nil {
		return "", fmt.Errorf("storage: read avatar: %w", err)
	}
	if written > limit {
		return "", fmt.Errorf("storage: avatar exceeds %d bytes", limit)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	ext, allowed := avatarContentTypes[strings.ToLower(contentType)]
	if !allowed {
		return "", fmt.Errorf("storage: unsupported avatar content type %q", contentType)
	}
	if ext == "" {
		ext = fallbackExtension(fileHeader.Filename)
	}

	objectName := path.Join(avatarObjectKey(pathSegments), uuid.NewString()+ext)

	uploadCtx, cancel := context.WithTimeout(ctx, avatarOpTimeout)
	defer cancel()

	_, err = s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload avatar: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectName), nil
}

// Remove deletes the object an avatar URL points at. URLs the store
// does not own are left alone.
func (s *AvatarStorage) Remove(ctx context.Context, avatarURL string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectKey(avatarURL)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, avatarOpTimeout)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL 为头像生成限时访问链接;非本桶地址原样返回。
func (s *AvatarStorage) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return strings.TrimSpace(raw), nil
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}

	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectKey(trimmed)
	if !ok {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, avatarOpTimeout)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign avatar %s: %w", objectName, err)
	}
	return signed.String(), nil
}

// objectKey resolves a stored avatar reference (public URL, same-host
// URL, or bare object path) back to its key inside the bucket.
func (s *AvatarStorage) objectKey(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	if strings.HasPrefix(trimmed, s.publicURL) {
		if key := s.stripBucket(strings.TrimPrefix(trimmed, s.publicURL)); key != "" {
			return key, true
		}
	}

	if strings.Contains(trimmed, "://") {
		target, err := url.Parse(trimmed)
		if err != nil {
			return "", false
		}
		base, err := url.Parse(s.publicURL)
		if err != nil || base.Host == "" || base.Host != target.Host {
			return "", false
		}
		if key := s.stripBucket(target.Path); key != "" {
			return key, true
		}
		return "", false
	}

	if key := s.stripBucket(trimmed); key != "" {
		return key, true
	}
	return "", false
}

func (s *AvatarStorage) stripBucket(candidate string) string {
	candidate = strings.TrimPrefix(candidate, "/")
	candidate = strings.TrimPrefix(candidate, s.bucket+"/")
	return strings.TrimPrefix(candidate, "/")
}

// avatarObjectKey joins the caller's segments beneath the avatar prefix,
// ignoring empty ones.
func avatarObjectKey(segments []string) string {
	parts := []string{avatarObjectPrefix}
	for _, segment := range segments {
		if trimmed := strings.Trim(segment, "/"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return path.Join(parts...)
}

func fallbackExtension(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		return ".bin"
	}
	return ext
}
