package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/chatmigrate/internal/link"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Source serves s3://bucket/key links: it presigns a GET against the
// configured endpoint (MinIO-compatible) and streams the presigned URL over
// plain HTTP, the same path the relay downloads take.
type S3Source struct {
	Region       string
	BaseEndpoint string // optional, for MinIO and friends
	AccessKey    string
	SecretKey    string
	Client       *http.Client
}

func (s *S3Source) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *S3Source) presignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.AccessKey,
			s.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return newS3PresignClient(client), nil
}

// Fetch resolves the link to a presigned GET URL and streams it.
func (s *S3Source) Fetch(ctx context.Context, lnk *link.Link) (io.ReadCloser, int64, error) {
	bucket, key, ok := strings.Cut(lnk.Address, "/")
	if !ok || bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("malformed s3 address: %q", lnk.Address)
	}

	pc, err := s.presignClient(ctx)
	if err != nil {
		return nil, 0, err
	}

	req, err := presignGetObject(pc, ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return nil, 0, err
	}

	return fetchURL(ctx, s.httpClient(), req.URL)
}
