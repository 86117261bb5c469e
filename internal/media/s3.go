package media

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Config holds the object storage connection settings
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string // Key prefix (default: "avatars")
}

// S3Store keeps media under <prefix>/<avatar_id>/ in one bucket
type S3Store struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Store opens a session against an S3-compatible endpoint
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to s3; %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "avatars"
	}

	return &S3Store{
		svc:      s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

func (s *S3Store) key(avatarID, name string) string {
	return path.Join(s.prefix, avatarID, name)
}

func (s *S3Store) Save(ctx context.Context, avatarID, name string, r io.Reader) (string, error) {
	if err := cleanID(avatarID); err != nil {
		return "", err
	}
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	key := s.key(avatarID, name)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024 // 10MB part size
		u.LeavePartsOnError = false   // on fail delete garbage
	})
	if err != nil {
		return "", fmt.Errorf("failed putobject; %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Remove(ctx context.Context, avatarID, name string) error {
	if err := cleanID(avatarID); err != nil {
		return err
	}
	name, err := cleanName(name)
	if err != nil {
		return err
	}

	key := s.key(avatarID, name)
	_, err = s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed deleteobject %s; %w", key, err)
	}
	return nil
}

func (s *S3Store) Release(ctx context.Context, avatarID string) error {
	if err := cleanID(avatarID); err != nil {
		return err
	}

	var keys []string
	err := s.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/" + avatarID + "/"),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed listobjects; %w", err)
	}

	for _, key := range keys {
		_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed deleteobject %s; %w", key, err)
		}
	}
	return nil
}
