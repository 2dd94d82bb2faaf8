package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	runsBucket      = []byte("job_runs")
	sequencesBucket = []byte("sequences")
)

// MaxRunsPerJob is the number of runs kept per job. Older runs are pruned on
// write.
const MaxRunsPerJob = 500

type RunOutcome string

const (
	RunSuccess RunOutcome = "success"
	RunFailure RunOutcome = "failure"
)

// JobRun is one execution of a scheduled job.
type JobRun struct {
	ID                  string     `json:"id"`
	Job                 string     `json:"job"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          time.Time  `json:"finished_at"`
	Outcome             RunOutcome `json:"outcome"`
	Error               string     `json:"error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Detail              any        `json:"detail,omitempty"`
}

func (r *JobRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// BoltStore keeps job run history and named sequences. Runs are stored in one
// nested bucket per job keyed by a big endian sequence, so a cursor walking
// backwards yields the newest run first.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sequencesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (b *BoltStore) RecordRun(run *JobRun) error {
	if run.Job == "" {
		return errors.New("job name is required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		jb, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(run.Job))
		if err != nil {
			return err
		}

		seq, err := jb.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := jb.Put(itob(seq), data); err != nil {
			return err
		}

		if seq > MaxRunsPerJob {
			cutoff := itob(seq - MaxRunsPerJob)
			c := jb.Cursor()
			for k, _ := c.First(); k != nil && string(k) <= string(cutoff); k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Runs returns up to limit runs of job, newest first. limit <= 0 returns all
// retained runs.
func (b *BoltStore) Runs(job string, limit int) ([]JobRun, error) {
	runs := []JobRun{}
	err := b.db.View(func(tx *bolt.Tx) error {
		jb := tx.Bucket(runsBucket).Bucket([]byte(job))
		if jb == nil {
			return nil
		}
		c := jb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run JobRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LastRun returns the newest run of job or ErrNotFound.
func (b *BoltStore) LastRun(job string) (*JobRun, error) {
	runs, err := b.Runs(job, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

func (b *BoltStore) Jobs() ([]string, error) {
	var jobs []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEachBucket(func(k []byte) error {
			jobs = append(jobs, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// NextSequence increments and returns the named counter. Counters start at 1
// and survive restarts.
func (b *BoltStore) NextSequence(name string) (uint64, error) {
	if name == "" {
		return 0, errors.New("sequence name is required")
	}
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(sequencesBucket).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		seq, err = sb.NextSequence()
		return err
	})
	return seq, err
}
