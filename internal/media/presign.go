package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/models"
)

var (
	ErrDisabled    = errors.New("media uploads are not configured")
	ErrContentType = errors.New("content type does not match media kind")
)

// Upload is a presigned PUT and the URL the object will be served from once
// uploaded. MediaURL is what clients put in a message body.
type Upload struct {
	UploadURL   string    `json:"upload_url"`
	MediaURL    string    `json:"media_url"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Presigner hands out short-lived S3 upload URLs under media/<user>/.
type Presigner struct {
	client     *s3.S3
	bucket     string
	region     string
	publicBase string
	ttl        time.Duration
	now        func() time.Time
}

// New builds a presigner from cfg. It returns ErrDisabled when no bucket is
// configured. Credentials come from the default AWS chain.
func New(cfg config.MediaConfig) (*Presigner, error) {
	return newPresigner(cfg, nil)
}

func newPresigner(cfg config.MediaConfig, creds *credentials.Credentials) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, ErrDisabled
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if creds != nil {
		awsCfg.Credentials = creds
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Presigner{
		client:     s3.New(sess),
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		publicBase: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// PresignUpload signs a PUT for one new object owned by userID.
func (p *Presigner) PresignUpload(ctx context.Context, userID string, kind models.MediaKind, contentType string) (Upload, error) {
	if p == nil {
		return Upload{}, ErrDisabled
	}
	if !kind.Valid() {
		return Upload{}, fmt.Errorf("%w: unknown kind %q", ErrContentType, kind)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, string(kind)+"/") {
		return Upload{}, fmt.Errorf("%w: %q is not %s/*", ErrContentType, contentType, kind)
	}

	key := fmt.Sprintf("media/%s/%s", url.PathEscape(userID), uuid.NewString())
	req, _ := p.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mediaType),
	})
	req.SetContext(ctx)
	signed, err := req.Presign(p.ttl)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}

	return Upload{
		UploadURL:   signed,
		MediaURL:    p.objectURL(key),
		Key:         key,
		ContentType: mediaType,
		ExpiresAt:   p.now().Add(p.ttl).UTC(),
	}, nil
}

func (p *Presigner) objectURL(key string) string {
	if p.publicBase != "" {
		return p.publicBase + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.bucket, p.region, key)
}
