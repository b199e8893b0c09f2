package publish

import (
	"context"
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the number of temp files compared concurrently.
	DefaultWorkers = 8

	// DefaultMaxDigestReads caps the remote file reads in flight while
	// computing digests.
	DefaultMaxDigestReads = 4
)

type printer interface {
	Printf(format string, args ...interface{})
}

// Differ compares a freshly unpacked temp tree against the live tree.
type Differ struct {
	digests *digestCache
	workers int
	log     log.FieldLogger
	out     printer
}

// NewDiffer returns a Differ that reads file contents from `fs`. Digests are
// memoized for the lifetime of the Differ, so a Differ should be used for a
// single publish.
func NewDiffer(fs afero.Fs, workers, maxDigestReads int, logger log.FieldLogger) *Differ {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if maxDigestReads <= 0 {
		maxDigestReads = DefaultMaxDigestReads
	}
	return &Differ{
		digests: newDigestCache(fs, maxDigestReads),
		workers: workers,
		log:     logger,
		out:     logger,
	}
}

// Diff returns the temp files that must be copied into the live tree. The
// result follows the order of `tempFiles`.
//
// Each temp file is matched against the live file at the same relative
// path, or else against a live file in the same directory whose name only
// differs by its hash infix. A live file that is still part of the temp tree
// is never taken as a sibling. Files without a match are additions. Matched
// files are compared by digest: identical names with identical contents
// need no copy, while names that differ always need one since the live name
// has to change.
func (d *Differ) Diff(ctx context.Context, tempFiles, liveFiles []string,
	tempRoot, liveRoot string) ([]Difference, error) {

	kept := make(map[string]struct{}, len(tempFiles))
	for _, f := range tempFiles {
		kept[relativePath(tempRoot, f)] = struct{}{}
	}

	live := make([]FileRecord, 0, len(liveFiles))
	for _, f := range liveFiles {
		live = append(live, newFileRecord(liveRoot, f))
	}

	// Each worker writes only to its own slot, so no locking is needed.
	results := make([]*Difference, len(tempFiles))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for i, tempPath := range tempFiles {
		i, temp := i, newFileRecord(tempRoot, tempPath)
		group.Go(func() error {
			diff, err := d.compare(ctx, temp, live, kept)
			if err != nil {
				return err
			}
			results[i] = diff
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var diffs []Difference
	for _, diff := range results {
		if diff != nil {
			diffs = append(diffs, *diff)
		}
	}
	return diffs, nil
}

func (d *Differ) compare(ctx context.Context, temp FileRecord, live []FileRecord,
	kept map[string]struct{}) (*Difference, error) {

	match, ok := findMatch(temp, live, kept)
	if !ok {
		d.out.Printf("%s is new, it will be added", temp.RelPath)
		return &Difference{TempPath: temp.Path, RelPath: temp.RelPath, Kind: Added}, nil
	}

	same, err := d.sameContents(ctx, temp.Path, match.Path)
	if err != nil {
		return nil, err
	}

	diff := &Difference{
		TempPath: temp.Path,
		OldPath:  match.Path,
		RelPath:  temp.RelPath,
		Kind:     Changed,
	}
	if temp.Name == match.Name {
		if same {
			return nil, nil
		}
		d.out.Printf("%s changed, it will be replaced", temp.RelPath)
		return diff, nil
	}

	if same {
		diff.Kind = Renamed
	}
	d.out.Printf("%s replaces %s", temp.RelPath, match.RelPath)
	return diff, nil
}

// sameContents compares the digests of two files. A file that can't be read
// is treated as different so that it gets overwritten.
func (d *Differ) sameContents(ctx context.Context, a, b string) (bool, error) {
	digestA, err := d.digests.get(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.log.WithError(err).WithField("path", a).Warn("Failed to digest file. Assuming it changed.")
		return false, nil
	}

	digestB, err := d.digests.get(ctx, b)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.log.WithError(err).WithField("path", b).Warn("Failed to digest file. Assuming it changed.")
		return false, nil
	}
	return digestA == digestB, nil
}

// findMatch returns the live file that `temp` would replace. A live file at
// the same relative path wins over a hash-infix sibling. Otherwise, the
// first sibling in `live` whose path isn't in `kept` is used, since a kept
// file is matched by its own counterpart in the temp tree.
func findMatch(temp FileRecord, live []FileRecord, kept map[string]struct{}) (FileRecord, bool) {
	for _, l := range live {
		if l.RelPath == temp.RelPath {
			return l, true
		}
	}

	tempParent := path.Dir(temp.RelPath)
	for _, l := range live {
		if _, ok := kept[l.RelPath]; ok {
			continue
		}
		if path.Dir(l.RelPath) == tempParent && FilenamesEqualIgnoringHash(temp.Name, l.Name) {
			return l, true
		}
	}
	return FileRecord{}, false
}

// StaleFiles returns the live files whose relative path doesn't exist in the
// temp tree. Unlike Diff, this is an exact match: a renamed asset leaves its
// old name behind as stale.
func StaleFiles(liveFiles, tempFiles []string, liveRoot, tempRoot string) []string {
	wanted := map[string]struct{}{}
	for _, f := range tempFiles {
		wanted[relativePath(tempRoot, f)] = struct{}{}
	}

	var stale []string
	for _, f := range liveFiles {
		if _, ok := wanted[relativePath(liveRoot, f)]; !ok {
			stale = append(stale, f)
		}
	}
	return stale
}
