package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

const (
	// FolderMeetings is the S3 prefix for meeting recordings.
	FolderMeetings = "meetings"
	// URIScheme prefixes every object URI handed to clients.
	URIScheme = "s3://"
)

// ErrInvalidRange is returned when a requested byte range cannot be satisfied.
var ErrInvalidRange = errors.New("invalid range")

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// S3 provides recording storage with pre-signed URLs and range reads.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// ObjectStream is a (possibly partial) object body. Caller must close Body.
type ObjectStream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ContentRange  string // set when the response is partial
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("recordings_bucket", cfg.RecordingsBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// SanitizeFilename reduces a client-supplied file name to a safe object key segment.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "recording"
	}
	return base
}

// MeetingObjectKey returns meetings/{meeting_id}/{upload_id}-{filename}.
// Every upload cycle gets a fresh key so a re-upload never overwrites bytes a job may still read.
func MeetingObjectKey(meetingID, filename string) string {
	return path.Join(FolderMeetings, meetingID, uuid.NewString()+"-"+SanitizeFilename(filename))
}

// ObjectURI returns s3://{bucket}/{key}.
func ObjectURI(bucket, key string) string {
	return URIScheme + bucket + "/" + key
}

// ParseObjectURI splits s3://{bucket}/{key}.
func ParseObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return "", "", fmt.Errorf("object uri %q: %w", uri, apperrors.ErrValidation)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.Contains(key, "..") {
		return "", "", fmt.Errorf("object uri %q: %w", uri, apperrors.ErrValidation)
	}
	return bucket, key, nil
}

// FilenameFromURI returns the original file name portion of a meeting object URI.
func FilenameFromURI(uri string) string {
	base := path.Base(uri)
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}

// MeetingIDFromURI returns the meeting id segment of a meeting object URI.
func MeetingIDFromURI(uri string) (string, bool) {
	_, key, err := ParseObjectURI(uri)
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != FolderMeetings || parts[2] == "" {
		return "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", false
	}
	return parts[1], true
}

// RecordingsBucket returns the recordings bucket name.
func (s *S3) RecordingsBucket() string { return s.cfg.RecordingsBucket }

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// OwnsURI reports whether uri points into the recordings bucket under the meeting's prefix.
func (s *S3) OwnsURI(uri, meetingID string) bool {
	bucket, key, err := ParseObjectURI(uri)
	if err != nil {
		return false
	}
	return bucket == s.cfg.RecordingsBucket && strings.HasPrefix(key, path.Join(FolderMeetings, meetingID)+"/")
}

// PresignUpload returns a signed PUT slot for a new meeting recording.
func (s *S3) PresignUpload(ctx context.Context, meetingID, filename, contentType string) (uploadURL, objectURI string, err error) {
	key := MeetingObjectKey(meetingID, filename)
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.RecordingsBucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, ObjectURI(s.cfg.RecordingsBucket, key), nil
}

// PresignDownload returns a signed GET URL for an object URI.
func (s *S3) PresignDownload(ctx context.Context, objectURI string) (string, error) {
	bucket, key, err := ParseObjectURI(objectURI)
	if err != nil {
		return "", err
	}
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// UploadRecording streams a reader to a new meeting object and returns its URI.
func (s *S3) UploadRecording(ctx context.Context, meetingID, filename, contentType string, body io.Reader, contentLength int64) (string, error) {
	key := MeetingObjectKey(meetingID, filename)
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.RecordingsBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Info("recording uploaded", zap.String("key", key), zap.Int64("size", contentLength))
	return ObjectURI(s.cfg.RecordingsBucket, key), nil
}

// GetObjectRange opens an object, forwarding an HTTP Range header when set.
func (s *S3) GetObjectRange(ctx context.Context, objectURI, byteRange string) (*ObjectStream, error) {
	bucket, key, err := ParseObjectURI(objectURI)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, classify(err)
	}
	stream := &ObjectStream{
		Body:          out.Body,
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentRange:  aws.ToString(out.ContentRange),
	}
	if stream.ContentType == "" {
		stream.ContentType = "application/octet-stream"
	}
	return stream, nil
}

// DeleteObject removes an object by URI. Missing objects are not an error.
func (s *S3) DeleteObject(ctx context.Context, objectURI string) error {
	bucket, key, err := ParseObjectURI(objectURI)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func classify(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("get object: %w", apperrors.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("get object: %w", apperrors.ErrNotFound)
		case "InvalidRange":
			return fmt.Errorf("get object: %w", ErrInvalidRange)
		}
	}
	return fmt.Errorf("get object: %w: %v", apperrors.ErrUnavailable, err)
}
