// Package s3kv implements platform.KVStore over an S3 bucket, for a bridge
// deployment that wants pairing/identity state centralized in object
// storage rather than a local disk or a Redis instance. Values are tiny
// (spec.md §6 "~128 bytes per entry"), so each (domain, key) pair is simply
// one object at "<prefix/>domain/key". Grounded on the teacher pack's
// EdgxCloud-EdgeFlow/pkg/nodes/storage/aws_s3.go (session/credentials
// construction, per-operation S3 API calls).
package s3kv

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/jwoglom/haprt/pkg/platform"
)

// Config configures the S3-backed store.
type Config struct {
	Bucket    string
	Region    string
	Prefix    string // optional object-key prefix
	AccessKey string
	SecretKey string
}

// Store is a platform.KVStore over S3 objects.
type Store struct {
	client *s3.S3
	bucket string
	prefix string
}

// Open establishes an AWS session and verifies the bucket is reachable.
func Open(cfg Config) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3kv: create session: %w", err)
	}

	client := s3.New(sess)
	if _, err := client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3kv: access bucket %s: %w", cfg.Bucket, err)
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) objectKey(domain, key string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/%s", s.prefix, domain, key)
	}
	return fmt.Sprintf("%s/%s", domain, key)
}

func (s *Store) domainPrefix(domain string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/", s.prefix, domain)
	}
	return domain + "/"
}

func (s *Store) Get(domain, key string) ([]byte, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(domain, key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("s3kv: get %s/%s: %w", domain, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *Store) Set(domain, key string, value []byte) error {
	uploader := s3manager.NewUploaderWithClient(s.client)
	_, err := uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(domain, key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("s3kv: set %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Remove(domain, key string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(domain, key)),
	})
	if err != nil {
		return fmt.Errorf("s3kv: remove %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Enumerate(domain string, fn func(key string, value []byte) error) error {
	prefix := s.domainPrefix(domain)
	var listErr error
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(*obj.Key, prefix)
			value, err := s.Get(domain, name)
			if err != nil {
				listErr = err
				return false
			}
			if err := fn(name, value); err != nil {
				listErr = err
				return false
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("s3kv: list %s: %w", domain, err)
	}
	return listErr
}

func (s *Store) PurgeDomain(domain string) error {
	prefix := s.domainPrefix(domain)
	var keys []*s3.ObjectIdentifier
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("s3kv: list %s for purge: %w", domain, err)
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = s.client.DeleteObjects(&s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3.Delete{Objects: keys},
	})
	if err != nil {
		return fmt.Errorf("s3kv: purge %s: %w", domain, err)
	}
	return nil
}
