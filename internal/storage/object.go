package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/groovesheet/api/internal/config"
	"github.com/groovesheet/api/internal/model"
)

const jobsPrefix = "jobs/"

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// ObjectStore keeps jobs in an S3-compatible bucket under jobs/<id>/.
type ObjectStore struct {
	api       objectAPI
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
	now       func() time.Time

	// metadata read-modify-write is serialized per process; a job has a
	// single writer at a time once it leaves the ingress.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewObjectStore builds an S3 client from cfg. A custom endpoint targets
// S3-compatible services such as R2 or MinIO.
func NewObjectStore(ctx context.Context, cfg config.S3Config) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage configuration incomplete: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	store := newObjectStore(client, cfg.Bucket, cfg.SignedURLExpiry)
	store.presigner = s3.NewPresignClient(client)
	return store, nil
}

func newObjectStore(api objectAPI, bucket string, expiry time.Duration) *ObjectStore {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &ObjectStore{
		api:    api,
		bucket: bucket,
		expiry: expiry,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *ObjectStore) prefix(jobID string) string {
	return jobsPrefix + jobID + "/"
}

func (s *ObjectStore) key(jobID, name string) string {
	return s.prefix(jobID) + name
}

func (s *ObjectStore) Locator(jobID string) string {
	return fmt.Sprintf("s3://%s/%s%s", s.bucket, jobsPrefix, jobID)
}

func (s *ObjectStore) ArtifactLocator(jobID string, attempt int, kind model.ArtifactKind) string {
	return s.Locator(jobID) + "/" + outputName(attempt, kind)
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", model.ErrStorage, s.bucket, err)
	}
	return nil
}

// CreateJob writes the initial metadata object. An existing metadata object
// for the id is a collision.
func (s *ObjectStore) CreateJob(ctx context.Context, jobID, filename string) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID, metadataFile)),
	})
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: job %s already exists", model.ErrStorage, jobID)
	case !isNotFound(err):
		return nil, fmt.Errorf("%w: check job %s: %v", model.ErrStorage, jobID, err)
	}

	job := model.NewJob(jobID, filename, s.now().UTC())
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *ObjectStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	return s.readJob(ctx, jobID)
}

func (s *ObjectStore) UpdateStatus(ctx context.Context, jobID string, upd Update) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.readJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(job, upd, s.now().UTC()); err != nil {
		if job.Status.IsTerminal() {
			s.dropLock(jobID, lock)
		}
		return nil, err
	}
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	// terminal records are immutable, so their lock is no longer needed
	if job.Status.IsTerminal() {
		s.dropLock(jobID, lock)
	}
	return job.Clone(), nil
}

func (s *ObjectStore) ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(jobsPrefix),
	})

	var jobs []*model.Job
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list jobs: %v", model.ErrStorage, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, "/"+metadataFile) {
				continue
			}
			jobID := strings.TrimSuffix(strings.TrimPrefix(key, jobsPrefix), "/"+metadataFile)
			job, err := s.readJob(ctx, jobID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if matchesStatus(job, statuses) {
				jobs = append(jobs, job)
			}
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *ObjectStore) WriteInput(ctx context.Context, jobID string, data []byte) error {
	return s.put(ctx, jobID, inputFile, data, "application/octet-stream")
}

func (s *ObjectStore) ReadInput(ctx context.Context, jobID string) ([]byte, error) {
	return s.get(ctx, jobID, inputFile)
}

func (s *ObjectStore) WriteOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind, data []byte) error {
	return s.put(ctx, jobID, outputName(attempt, kind), data, kind.ContentType())
}

func (s *ObjectStore) ReadOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind) ([]byte, error) {
	return s.get(ctx, jobID, outputName(attempt, kind))
}

// SignedURL returns a presigned GET URL for an artifact.
func (s *ObjectStore) SignedURL(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind) (string, error) {
	if s.presigner == nil {
		return "", fmt.Errorf("%w: presigning is not configured", model.ErrStorage)
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID, outputName(attempt, kind))),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

func (s *ObjectStore) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// dropLock forgets the job's lock unless it has already been replaced.
// Callers still waiting on it read a terminal record and get a conflict.
func (s *ObjectStore) dropLock(jobID string, l *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[jobID] == l {
		delete(s.locks, jobID)
	}
}

func (s *ObjectStore) readJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.get(ctx, jobID, metadataFile)
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: decode job %s: %v", model.ErrStorage, jobID, err)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: job %s has malformed metadata: %v", model.ErrStorage, jobID, err)
	}
	return &job, nil
}

func (s *ObjectStore) writeJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return s.put(ctx, job.ID, metadataFile, data, "application/json")
}

func (s *ObjectStore) put(ctx context.Context, jobID, name string, data []byte, contentType string) error {
	if err := validID(jobID); err != nil {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(jobID, name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	return nil
}

func (s *ObjectStore) get(ctx context.Context, jobID, name string) ([]byte, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: job %s: %s", model.ErrNotFound, jobID, name)
		}
		return nil, fmt.Errorf("%w: download %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
