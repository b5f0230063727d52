package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

// S3Config configures the S3 store. Endpoint is set for S3-compatible
// servers such as MinIO, which also switches to path-style addressing.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// ConnectTimeout bounds dialing and the TLS handshake, ReadTimeout
	// the wait for response headers. Zero keeps the SDK default.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 stores the backup as objects under a key prefix. Object IDs are the
// full keys. The token argument is ignored.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds an S3 store. Static credentials are used when both keys
// are set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	// The SDK adds AWS_CA_BUNDLE roots through the buildable client's
	// transport options, so a plain *http.Client cannot be used here.
	opts = append(opts, config.WithHTTPClient(newS3HTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}

		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newS3HTTPClient(connectTimeout, readTimeout time.Duration) *awshttp.BuildableClient {
	client := awshttp.NewBuildableClient()

	if connectTimeout > 0 {
		client = client.WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = connectTimeout
		})
	}

	return client.WithTransportOptions(func(tr *http.Transport) {
		if connectTimeout > 0 {
			tr.TLSHandshakeTimeout = connectTimeout
		}

		if readTimeout > 0 {
			tr.ResponseHeaderTimeout = readTimeout
		}
	})
}

func (s *S3) key(name string) string {
	return s.prefix + name
}

// FindByName returns the object stored under the prefixed name.
func (s *S3) FindByName(ctx context.Context, _ string, name string) (*Object, error) {
	obj, err := s.head(ctx, s.key(name), name)
	if isNotFound(err) {
		return nil, nil
	}

	return obj, err
}

// Create stores a new object.
func (s *S3) Create(ctx context.Context, _ string, name string, data []byte) (*Object, error) {
	return s.put(ctx, s.key(name), name, data)
}

// Update overwrites the object with key id.
func (s *S3) Update(ctx context.Context, _ string, id string, data []byte) (*Object, error) {
	return s.put(ctx, id, "", data)
}

// Download returns the content of the object with key id.
func (s *S3) Download(ctx context.Context, _ string, id string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, wrapS3Error("downloading "+id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrNetwork, id, err)
	}

	return data, nil
}

func (s *S3) put(ctx context.Context, key, name string, data []byte) (*Object, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, wrapS3Error("uploading "+key, err)
	}

	return s.head(ctx, key, name)
}

func (s *S3) head(ctx context.Context, key, name string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}

		return nil, wrapS3Error("reading "+key, err)
	}

	if name == "" {
		name = strings.TrimPrefix(key, s.prefix)
	}

	return &Object{
		ID:         key,
		Name:       name,
		ModifiedAt: aws.ToTime(out.LastModified),
		Size:       aws.ToInt64(out.ContentLength),
	}, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var re *awshttp.ResponseError

	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// wrapS3Error classifies SDK errors. Anything that never got an HTTP
// response is treated as a network failure.
func wrapS3Error(op string, err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrNetwork, op, err)
	}

	return fmt.Errorf("%w: %s (%d): %w", apperrors.ErrAPIRequest, op, re.HTTPStatusCode(), err)
}
