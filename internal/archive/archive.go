// Package archive uploads complete job output to S3-compatible storage, so
// output truncated in the database is still available in full.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/config"
)

// objectPutter is the subset of *minio.Client used here.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive stores job output objects in one bucket.
type Archive struct {
	client objectPutter
	bucket string
}

// New creates an archive client from cfg.
func New(cfg config.Archive) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_BUCKET is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client for %s: %w", u.Host, err)
	}

	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the target bucket.
func (a *Archive) Bucket() string {
	return a.bucket
}

// ObjectName is the key under which a job's output is stored.
func ObjectName(jobID int64) string {
	return fmt.Sprintf("jobs/%d/output.log", jobID)
}

// StoreOutput uploads output for jobID and returns its object key.
func (a *Archive) StoreOutput(ctx context.Context, jobID int64, output string) (string, error) {
	name := ObjectName(jobID)
	info, err := a.client.PutObject(ctx, a.bucket, name, strings.NewReader(output), int64(len(output)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("failed to upload output for job %d: %w", jobID, err)
	}

	logrus.WithFields(logrus.Fields{
		"job_id": jobID,
		"bucket": a.bucket,
		"object": name,
		"size":   info.Size,
	}).Debug("Archived job output")
	return name, nil
}
