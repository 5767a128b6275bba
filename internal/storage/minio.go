package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore holds claim artefacts that do not belong in the database:
// intake payloads, summaries, audit exports and published events.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

func NewMinioStore(ctx context.Context, client *minio.Client, bucket string) (*MinioStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) Bucket() string {
	return m.bucket
}

// PutObject writes content under key and returns its s3-style locator.
func (m *MinioStore) PutObject(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

func (m *MinioStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data.Bytes(), nil
}
