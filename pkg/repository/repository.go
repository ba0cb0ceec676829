package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/worker"
)

const s3Scheme = "s3:"

// Location is an S3-compatible repository address.
type Location struct {
	Endpoint string
	Secure   bool
	Bucket   string
	Prefix   string
}

func (l Location) String() string {
	scheme := "https"
	if !l.Secure {
		scheme = "http"
	}
	s := fmt.Sprintf("%s://%s/%s", scheme, l.Endpoint, l.Bucket)
	if l.Prefix != "" {
		s += "/" + l.Prefix
	}
	return s
}

// ParseS3 parses a repository string of the form s3:host/bucket[/prefix] or
// s3:http[s]://host/bucket[/prefix]. ok is false for other backends.
func ParseS3(repo string) (loc Location, ok bool, err error) {
	if !strings.HasPrefix(repo, s3Scheme) {
		return Location{}, false, nil
	}
	rest := strings.TrimPrefix(repo, s3Scheme)

	loc.Secure = true
	switch {
	case strings.HasPrefix(rest, "https://"):
		rest = strings.TrimPrefix(rest, "https://")
	case strings.HasPrefix(rest, "http://"):
		rest = strings.TrimPrefix(rest, "http://")
		loc.Secure = false
	}

	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Location{}, true, errors.Errorf("malformed s3 repository %q: want s3:host/bucket[/prefix]", repo)
	}
	loc.Endpoint = parts[0]
	loc.Bucket = parts[1]
	if len(parts) == 3 {
		loc.Prefix = strings.Trim(parts[2], "/")
	}
	return loc, true, nil
}

// BucketAPI is the part of the object-storage client the probe needs.
type BucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ClientFactory builds a BucketAPI for loc.
type ClientFactory func(loc Location, env worker.LookupFunc) (BucketAPI, error)

// NewMinioClient builds a minio client from the S3 credentials found in env.
func NewMinioClient(loc Location, env worker.LookupFunc) (BucketAPI, error) {
	get := func(k string) string {
		v, _ := env(k)
		return v
	}
	region := get("AWS_DEFAULT_REGION")

	mc, err := minio.New(loc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(get("AWS_ACCESS_KEY_ID"), get("AWS_SECRET_ACCESS_KEY"), get("AWS_SESSION_TOKEN")),
		Secure: loc.Secure,
		Region: region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 client")
	}
	return mc, nil
}

// Probe checks that an object-storage repository is reachable before the
// backup tool is asked to initialise it.
type Probe struct {
	env       worker.LookupFunc
	newClient ClientFactory
	logger    *zap.Logger
}

func NewProbe(env worker.LookupFunc, newClient ClientFactory, logger *zap.Logger) *Probe {
	if newClient == nil {
		newClient = NewMinioClient
	}
	return &Probe{env: env, newClient: newClient, logger: logger.Named("repository")}
}

// Check verifies the bucket of an s3 repository exists and is accessible
// with the configured credentials. Other backends are not checked.
func (p *Probe) Check(ctx context.Context) error {
	if p.env == nil {
		return nil
	}
	repo, _ := p.env("RESTIC_REPOSITORY")
	loc, ok, err := ParseS3(repo)
	if !ok {
		p.logger.Debug("repository is not s3, skipping preflight")
		return nil
	}
	if err != nil {
		return err
	}

	client, err := p.newClient(loc, p.env)
	if err != nil {
		return err
	}

	p.logger.Debug("checking bucket", zap.Stringer("location", loc))
	exists, err := client.BucketExists(ctx, loc.Bucket)
	if err != nil {
		return errors.Wrapf(err, "checking bucket %s", loc.Bucket)
	}
	if !exists {
		return errors.Errorf("bucket %s does not exist at %s", loc.Bucket, loc.Endpoint)
	}
	p.logger.Debug("bucket reachable", zap.String("bucket", loc.Bucket))
	return nil
}
