package events

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

const (
	objectCreatedEvent = "s3:ObjectCreated:*"
	IntakePrefix       = "intake/"
	intakeSuffix       = ".json"
)

// IntakeEvent announces a claim document dropped at intake/<claim-id>.json.
type IntakeEvent struct {
	ClaimID   string
	ObjectKey string
	EventName string
}

type IntakeEventSource interface {
	Run(ctx context.Context, handler func(context.Context, IntakeEvent) error) error
}

type MinioIntakeEventSource struct {
	client *minio.Client
	bucket string
}

func NewMinioIntakeEventSource(client *minio.Client, bucket string) *MinioIntakeEventSource {
	return &MinioIntakeEventSource{client: client, bucket: bucket}
}

func (s *MinioIntakeEventSource) Run(ctx context.Context, handler func(context.Context, IntakeEvent) error) error {
	notificationCh := s.client.ListenBucketNotification(ctx, s.bucket, IntakePrefix, intakeSuffix, []string{objectCreatedEvent})
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-notificationCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream closed")
			}
			if info.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream error: %w", info.Err)
			}
			for _, record := range info.Records {
				objectKey, err := decodeObjectKey(record.S3.Object.Key)
				if err != nil {
					continue
				}
				claimID, err := parseIntakeKey(objectKey)
				if err != nil {
					continue
				}
				event := IntakeEvent{
					ClaimID:   claimID,
					ObjectKey: objectKey,
					EventName: record.EventName,
				}
				if err := handler(ctx, event); err != nil {
					return err
				}
			}
		}
	}
}

func decodeObjectKey(encoded string) (string, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("object key is empty")
	}
	return decoded, nil
}

func parseIntakeKey(objectKey string) (string, error) {
	cleaned := strings.Trim(strings.ReplaceAll(objectKey, "\\", "/"), "/")
	if !strings.HasPrefix(cleaned, IntakePrefix) {
		return "", fmt.Errorf("object key %q is not under %s", objectKey, IntakePrefix)
	}
	name := strings.TrimPrefix(cleaned, IntakePrefix)
	if strings.Contains(name, "/") || path.Ext(name) != intakeSuffix {
		return "", fmt.Errorf("object key %q does not match intake/<claim-id>.json", objectKey)
	}
	claimID := strings.TrimSpace(strings.TrimSuffix(name, intakeSuffix))
	if claimID == "" {
		return "", fmt.Errorf("object key %q missing claim id", objectKey)
	}
	return claimID, nil
}
