package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sidkik/kpublish/pkg/errors"
)

// Digest returns the hex encoded SHA-256 of everything read from `r`.
func Digest(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// DigestFile returns the Digest of the file at `path` within `fs`.
func DigestFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	return Digest(f)
}

// digestCache memoizes file digests for the duration of one publish.
// Concurrent requests for the same path share a single read, and the number
// of reads in flight against the remote filesystem is capped.
type digestCache struct {
	fs      afero.Fs
	limiter *semaphore.Weighted
	group   singleflight.Group

	lock    sync.Mutex
	digests map[string]string
}

func newDigestCache(fs afero.Fs, maxInFlight int) *digestCache {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &digestCache{
		fs:      fs,
		limiter: semaphore.NewWeighted(int64(maxInFlight)),
		digests: map[string]string{},
	}
}

func (cache *digestCache) get(ctx context.Context, path string) (string, error) {
	cache.lock.Lock()
	digest, ok := cache.digests[path]
	cache.lock.Unlock()
	if ok {
		return digest, nil
	}

	res, err, _ := cache.group.Do(path, func() (interface{}, error) {
		if err := cache.limiter.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer cache.limiter.Release(1)

		digest, err := DigestFile(cache.fs, path)
		if err != nil {
			return "", err
		}

		cache.lock.Lock()
		cache.digests[path] = digest
		cache.lock.Unlock()
		return digest, nil
	})
	if err != nil {
		return "", errors.WithContext(err, "digest "+path)
	}
	return res.(string), nil
}
