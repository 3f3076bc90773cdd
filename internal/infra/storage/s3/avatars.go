package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"skillchat/internal/domain/chat"
)

// DefaultURLTTL is how long a presigned avatar URL stays valid.
const DefaultURLTTL = time.Hour

type Config struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	URLTTL    time.Duration
}

// AvatarResolver turns profile picture object keys into presigned GET URLs.
// Refs that already are absolute URLs pass through untouched.
type AvatarResolver struct {
	bucket string
	ttl    time.Duration
	client *minio.Client
	logger *slog.Logger
}

// NewAvatarResolver configures a resolver using the provided endpoint and
// credentials. With a region set, presigning needs no round trip.
func NewAvatarResolver(cfg Config, logger *slog.Logger) (*AvatarResolver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	client, err := minio.New(parseEndpoint(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AvatarResolver{bucket: bucket, ttl: ttl, client: client, logger: logger}, nil
}

// ResolveAvatars presigns every ref. Refs that fail are left out of the
// result and reported together.
func (r *AvatarResolver) ResolveAvatars(ctx context.Context, refs map[chat.UserID]string) (map[chat.UserID]string, error) {
	out := make(map[chat.UserID]string, len(refs))
	var errs []error
	for id, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if isAbsoluteURL(ref) {
			out[id] = ref
			continue
		}
		key := strings.Trim(ref, "/")
		u, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.ttl, url.Values{})
		if err != nil {
			errs = append(errs, fmt.Errorf("s3: presign %s: %w", key, err))
			continue
		}
		out[id] = u.String()
	}
	if len(errs) > 0 {
		r.logger.Warn("avatar presign failed", "failed", len(errs))
	}
	return out, errors.Join(errs...)
}

// NoopResolver returns refs unchanged.
type NoopResolver struct{}

func (NoopResolver) ResolveAvatars(_ context.Context, refs map[chat.UserID]string) (map[chat.UserID]string, error) {
	out := make(map[chat.UserID]string, len(refs))
	for id, ref := range refs {
		out[id] = ref
	}
	return out, nil
}

func isAbsoluteURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}
