package media

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/models"
)

func testPresigner(t *testing.T, publicBase string) *Presigner {
	t.Helper()
	p, err := newPresigner(config.MediaConfig{
		Region:        "us-west-2",
		Bucket:        "safeyou-media",
		PublicBaseURL: publicBase,
		PresignTTL:    15 * time.Minute,
	}, credentials.NewStaticCredentials("AKIDEXAMPLE", "secret", ""))
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestNewWithoutBucketIsDisabled(t *testing.T) {
	p, err := New(config.MediaConfig{Region: "us-west-2"})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Nil(t, p)

	_, err = p.PresignUpload(context.Background(), "u1", models.MediaImage, "image/png")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPresignUpload(t *testing.T) {
	p := testPresigner(t, "")

	up, err := p.PresignUpload(context.Background(), "u1", models.MediaImage, "image/png")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(up.Key, "media/u1/"))
	assert.Equal(t, "image/png", up.ContentType)
	assert.Equal(t, "https://safeyou-media.s3.us-west-2.amazonaws.com/"+up.Key, up.MediaURL)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), up.ExpiresAt)

	signed, err := url.Parse(up.UploadURL)
	require.NoError(t, err)
	assert.Contains(t, signed.Host, "safeyou-media")
	assert.Contains(t, signed.Path, up.Key)
	assert.Equal(t, "900", signed.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, signed.Query().Get("X-Amz-Signature"))

	body := models.Body{Media: &models.Media{Kind: models.MediaImage, URL: up.MediaURL}}
	assert.NoError(t, body.Normalize().Validate(), "media url is usable in a message")
}

func TestPresignUploadPublicBase(t *testing.T) {
	p := testPresigner(t, "https://cdn.example.com/")
	up, err := p.PresignUpload(context.Background(), "u1", models.MediaVideo, "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+up.Key, up.MediaURL)
}

func TestPresignUploadRejectsMismatchedType(t *testing.T) {
	p := testPresigner(t, "")
	cases := []struct {
		kind models.MediaKind
		ct   string
	}{
		{models.MediaImage, "video/mp4"},
		{models.MediaVideo, "image/png"},
		{models.MediaImage, "application/pdf"},
		{models.MediaImage, ""},
		{"gif", "image/gif"},
	}
	for _, tc := range cases {
		_, err := p.PresignUpload(context.Background(), "u1", tc.kind, tc.ct)
		assert.ErrorIs(t, err, ErrContentType, "%s %s", tc.kind, tc.ct)
	}
}
