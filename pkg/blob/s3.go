package blob

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config holds the settings for an S3-backed content store. Endpoint may
// point at any S3-compatible service (MinIO and friends); path-style
// addressing is forced for that reason.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// S3 stores blobs as digest-keyed objects in a single bucket. Reference
// counts live in the same sqlite table the local backend uses, so objects
// shared by several versions are only removed with their last referent.
type S3 struct {
	client *s3.S3
	bucket string
	refs   *refCounter
}

// NewS3 builds the client and verifies the bucket exists, creating it when
// the backend allows.
func NewS3(cfg S3Config, db *sql.DB) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	refs, err := newRefCounter(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob table: %w", err)
	}

	store := &S3{client: s3.New(sess), bucket: cfg.Bucket, refs: refs}

	if _, err := store.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, err := store.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			return nil, fmt.Errorf("bucket %q not accessible: %w", cfg.Bucket, err)
		}
	}

	return store, nil
}

func (s *S3) Put(r io.Reader) (string, int64, error) {
	// The SDK needs a seekable body and the digest is the object key, so
	// the content has to be read through once before the upload anyway.
	hasher := sha256.New()
	var buf bytes.Buffer
	size, err := io.Copy(io.MultiWriter(&buf, hasher), r)
	if err != nil {
		return "", 0, err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(digest)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload blob %s: %w", digest, err)
	}

	if _, err := s.refs.addOrIncrement(digest, size); err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

func (s *S3) Get(digest string) (io.ReadCloser, error) {
	if !ValidDigest(digest) {
		return nil, ErrNotFound
	}
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (s *S3) Delete(digest string) error {
	if !ValidDigest(digest) {
		return ErrNotFound
	}
	count, err := s.refs.decrement(digest)
	if err != nil {
		return err
	}
	if count <= 0 {
		if _, err := s.client.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey(digest)),
		}); err != nil {
			return err
		}
		return s.refs.remove(digest)
	}
	return nil
}

func (s *S3) Exists(digest string) bool {
	if !ValidDigest(digest) {
		return false
	}
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	return err == nil
}

// objectKey shards keys the same way the local backend shards directories,
// which keeps bucket listings usable.
func objectKey(digest string) string {
	return digest[:2] + "/" + digest[2:4] + "/" + digest
}

func isNoSuchKey(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
