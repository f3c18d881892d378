package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/groovesheet/api/internal/model"
)

const (
	metadataFile = "metadata.json"
	inputFile    = "input.bin"
	metaLockFile = ".metadata.lock"
	claimFile    = ".claim.lock"
)

// LocalStore keeps one directory per job under root.
type LocalStore struct {
	root string
	now  func() time.Time
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create jobs dir: %v", model.ErrStorage, err)
	}
	return &LocalStore{root: abs, now: time.Now}, nil
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *LocalStore) Locator(jobID string) string {
	return "file://" + filepath.ToSlash(s.jobDir(jobID))
}

func (s *LocalStore) ArtifactLocator(jobID string, attempt int, kind model.ArtifactKind) string {
	return s.Locator(jobID) + "/" + outputName(attempt, kind)
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	return nil
}

// CreateJob creates the job directory and its initial metadata. An existing
// directory is a collision.
func (s *LocalStore) CreateJob(ctx context.Context, jobID, filename string) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	if err := os.Mkdir(s.jobDir(jobID), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: job %s already exists", model.ErrStorage, jobID)
		}
		return nil, fmt.Errorf("%w: create job dir: %v", model.ErrStorage, err)
	}

	job := model.NewJob(jobID, filename, s.now().UTC())
	if err := s.writeJob(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *LocalStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	return s.readJob(jobID)
}

// UpdateStatus applies a partial update under the job's metadata lock.
func (s *LocalStore) UpdateStatus(ctx context.Context, jobID string, upd Update) (*model.Job, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	if _, err := os.Stat(s.jobDir(jobID)); err != nil {
		return nil, s.wrapFSError(jobID, err)
	}

	lock := flock.New(filepath.Join(s.jobDir(jobID), metaLockFile))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("%w: lock job %s: %v", model.ErrStorage, jobID, err)
	}
	defer lock.Unlock() //nolint:errcheck

	job, err := s.readJob(jobID)
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(job, upd, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.writeJob(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *LocalStore) ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", model.ErrStorage, err)
	}

	jobs := make([]*model.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validID(entry.Name()) != nil {
			continue
		}
		job, err := s.readJob(entry.Name())
		if err != nil {
			// half-created directory; skip it rather than fail the listing
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesStatus(job, statuses) {
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *LocalStore) WriteInput(ctx context.Context, jobID string, data []byte) error {
	return s.writeBlob(jobID, inputFile, data)
}

func (s *LocalStore) ReadInput(ctx context.Context, jobID string) ([]byte, error) {
	return s.readBlob(jobID, inputFile)
}

func (s *LocalStore) WriteOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind, data []byte) error {
	return s.writeBlob(jobID, outputName(attempt, kind), data)
}

func (s *LocalStore) ReadOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind) ([]byte, error) {
	return s.readBlob(jobID, outputName(attempt, kind))
}

// TryClaim takes the job's claim lock without blocking. The lock is released
// by the OS if the process dies, which makes a crashed claim reclaimable.
func (s *LocalStore) TryClaim(ctx context.Context, jobID string) (func(), bool, error) {
	if err := validID(jobID); err != nil {
		return nil, false, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	lock := flock.New(filepath.Join(s.jobDir(jobID), claimFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("%w: claim job %s: %v", model.ErrStorage, jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = lock.Unlock() }, true, nil
}

func (s *LocalStore) readJob(jobID string) (*model.Job, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), metadataFile))
	if err != nil {
		return nil, s.wrapFSError(jobID, err)
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

func (s *LocalStore) writeJob(job *model.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return s.writeBlob(job.ID, metadataFile, data)
}

// writeBlob writes via temp file and rename so readers never see a partial file.
func (s *LocalStore) writeBlob(jobID, name string, data []byte) error {
	if err := validID(jobID); err != nil {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	dir := s.jobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		return s.wrapFSError(jobID, err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: write %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("%w: commit %s for job %s: %v", model.ErrStorage, name, jobID, err)
	}
	return nil
}

func (s *LocalStore) readBlob(jobID, name string) ([]byte, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), name))
	if err != nil {
		return nil, s.wrapFSError(jobID, err)
	}
	return data, nil
}

func (s *LocalStore) wrapFSError(jobID string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s: %v", model.ErrStorage, jobID, err)
}

// validID rejects ids that could escape the jobs directory.
func validID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID || jobID[0] == '.' {
		return fmt.Errorf("%w: invalid job id %q", model.ErrValidation, jobID)
	}
	return nil
}
