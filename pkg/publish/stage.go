package publish

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/kpublish/pkg/errors"
)

// ScratchDirName is the directory next to the live tree that holds uploaded
// archives and unpacked temp trees.
const ScratchDirName = "__PUBLISH_STAGING__"

const archiveTimeFormat = "20060102150405"

// Source is the top level of the local build output.
type Source struct {
	Dir   string
	Dirs  []string
	Files []string
}

// ReadSource lists the top level of `dir`. It fails if `dir` isn't a
// directory or is empty.
func ReadSource(fs afero.Fs, dir string) (Source, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		if isNotExist(err) {
			return Source{}, errors.ValidationError{Field: "dir", Reason: fmt.Sprintf("%q does not exist", dir)}
		}
		return Source{}, errors.WithContext(err, "stat source")
	}
	if !info.IsDir() {
		return Source{}, errors.ValidationError{Field: "dir", Reason: fmt.Sprintf("%q is not a directory", dir)}
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return Source{}, errors.WithContext(err, "read source")
	}

	src := Source{Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			src.Dirs = append(src.Dirs, entry.Name())
		} else {
			src.Files = append(src.Files, entry.Name())
		}
	}
	if len(src.Dirs) == 0 && len(src.Files) == 0 {
		return Source{}, errors.ValidationError{Field: "dir", Reason: fmt.Sprintf("%q is empty", dir)}
	}
	return src, nil
}

// PrebuiltArchive returns the archive in `src` if the source holds nothing
// but a single zip file. Such an archive is uploaded as is.
func PrebuiltArchive(src Source) (string, bool) {
	if len(src.Dirs) != 0 || len(src.Files) != 1 {
		return "", false
	}
	if !strings.EqualFold(filepath.Ext(src.Files[0]), ".zip") {
		return "", false
	}
	return filepath.Join(src.Dir, src.Files[0]), true
}

// ArtifactName returns the name of the remote tree for `src`. An explicit
// name always wins. Otherwise a source holding a single directory is named
// after that directory, a prebuilt archive is named after the archive
// without its extension, a source holding any other single file is named
// after that file, and anything else is named after the source directory
// itself.
func ArtifactName(explicit string, src Source) string {
	archive, prebuilt := PrebuiltArchive(src)
	switch {
	case explicit != "":
		return explicit
	case prebuilt:
		name := filepath.Base(archive)
		return strings.TrimSuffix(name, filepath.Ext(name))
	case len(src.Dirs) == 1 && len(src.Files) == 0:
		return src.Dirs[0]
	case len(src.Dirs) == 0 && len(src.Files) == 1:
		return src.Files[0]
	default:
		return filepath.Base(filepath.Clean(src.Dir))
	}
}

// packageRoot is the local directory whose contents become the artifact.
func packageRoot(src Source) string {
	if len(src.Dirs) == 1 && len(src.Files) == 0 {
		return filepath.Join(src.Dir, src.Dirs[0])
	}
	return src.Dir
}

// Layout is where one publish puts things.
type Layout struct {
	Name string

	// LiveDir is the deployed tree.
	LiveDir string

	// ScratchDir holds RemoteArchive and TempDir.
	ScratchDir    string
	TempDir       string
	RemoteArchive string

	// LocalDir is the local directory holding LocalArchive. It's removed
	// during cleanup.
	LocalDir     string
	LocalArchive string
}

// NewLayout returns the remote paths used to publish `name` into
// `serverDir`, given the local archive that will be uploaded.
func NewLayout(serverDir, name, localArchive string) Layout {
	serverDir = path.Clean(serverDir)
	scratch := path.Join(path.Dir(serverDir), ScratchDirName)
	return Layout{
		Name:          name,
		LiveDir:       path.Join(serverDir, name),
		ScratchDir:    scratch,
		TempDir:       path.Join(scratch, name),
		RemoteArchive: path.Join(scratch, filepath.Base(localArchive)),
		LocalDir:      filepath.Dir(localArchive),
		LocalArchive:  localArchive,
	}
}

// Stager moves the local build output into a temp tree on the remote host.
type Stager struct {
	fs       afero.Fs
	clock    clockwork.Clock
	localDir string
	log      log.FieldLogger
}

// NewStager returns a Stager that reads the source from `fs` and writes
// archives under `localDir`.
func NewStager(fs afero.Fs, clock clockwork.Clock, localDir string, logger log.FieldLogger) *Stager {
	return &Stager{fs: fs, clock: clock, localDir: localDir, log: logger}
}

// Package zips `src` into a fresh directory under the Stager's local
// directory. Every entry in the archive is prefixed by `name/`, so that
// unpacking it creates the temp tree. The archive name carries a timestamp
// so that concurrent publishes of the same artifact don't collide.
//
// A prebuilt archive is copied rather than zipped again. It must already
// hold its files under `name/`.
func (s *Stager) Package(src Source, name string) (string, error) {
	dir := filepath.Join(s.localDir, uuid.NewString())
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithContext(err, "create local staging directory")
	}

	archive := filepath.Join(dir, fmt.Sprintf("%s-%s.zip", name, s.clock.Now().Format(archiveTimeFormat)))
	write := func() error {
		return s.writeArchive(archive, packageRoot(src), name)
	}
	if prebuilt, ok := PrebuiltArchive(src); ok {
		write = func() error {
			return s.copyArchive(archive, prebuilt, name)
		}
	}

	if err := write(); err != nil {
		if rmErr := s.fs.RemoveAll(dir); rmErr != nil {
			s.log.WithError(rmErr).WithField("path", dir).Warn("Failed to remove local staging directory")
		}
		return "", err
	}
	return archive, nil
}

func (s *Stager) writeArchive(archive, root, prefix string) error {
	out, err := s.fs.Create(archive)
	if err != nil {
		return errors.WithContext(err, "create archive")
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
			_, err := zw.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			s.log.WithField("path", p).Debug("Skipping non-regular file")
			return nil
		}
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := s.fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return errors.WithContext(err, "write archive")
	}

	if err := zw.Close(); err != nil {
		return errors.WithContext(err, "finish archive")
	}
	return errors.WithContext(out.Close(), "close archive")
}

func (s *Stager) copyArchive(archive, prebuilt, prefix string) error {
	if err := s.checkArchive(prebuilt, prefix); err != nil {
		return err
	}

	src, err := s.fs.Open(prebuilt)
	if err != nil {
		return errors.WithContext(err, "open prebuilt archive")
	}
	defer src.Close()

	out, err := s.fs.Create(archive)
	if err != nil {
		return errors.WithContext(err, "create archive")
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return errors.WithContext(err, "copy prebuilt archive")
	}
	return errors.WithContext(out.Close(), "close archive")
}

// checkArchive fails unless every entry of the archive is under `prefix/`,
// so that unpacking it creates exactly the temp tree.
func (s *Stager) checkArchive(archive, prefix string) error {
	f, err := s.fs.Open(archive)
	if err != nil {
		return errors.WithContext(err, "open prebuilt archive")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithContext(err, "stat prebuilt archive")
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return errors.WithContext(err, "read prebuilt archive")
	}

	var hasFiles bool
	for _, entry := range zr.File {
		if !strings.HasPrefix(entry.Name, prefix+"/") {
			return errors.ValidationError{
				Field: "dir",
				Reason: fmt.Sprintf("%s contains %q, but every entry must be under %s/",
					filepath.Base(archive), entry.Name, prefix),
			}
		}
		if !entry.FileInfo().IsDir() {
			hasFiles = true
		}
	}
	if !hasFiles {
		return errors.ValidationError{
			Field:  "dir",
			Reason: fmt.Sprintf("%s has no files", filepath.Base(archive)),
		}
	}
	return nil
}

// Upload copies the local archive into the remote scratch directory.
func (s *Stager) Upload(session Session, layout Layout) error {
	remote := session.FS()
	if err := remote.MkdirAll(layout.ScratchDir, 0755); err != nil {
		return errors.WithContext(err, "create scratch directory")
	}

	src, err := s.fs.Open(layout.LocalArchive)
	if err != nil {
		return errors.WithContext(err, "open archive")
	}
	defer src.Close()

	dst, err := remote.Create(layout.RemoteArchive)
	if err != nil {
		return errors.WithContext(err, "create remote archive")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.WithContext(err, "upload archive")
	}
	return errors.WithContext(dst.Close(), "close remote archive")
}

// Unpack extracts the uploaded archive into the temp tree, replacing any
// temp tree left behind by an earlier publish.
func Unpack(ctx context.Context, session Session, layout Layout) error {
	cmds := UnpackCommands(layout)
	if _, err := Execute(ctx, session, cmds); err != nil {
		return errors.WithContext(err, "unpack archive")
	}

	info, err := session.FS().Stat(layout.TempDir)
	if err != nil {
		return errors.WithContext(err, "stat temp tree")
	}
	if !info.IsDir() {
		return errors.Errorf("temp tree %s is not a directory", layout.TempDir)
	}
	return nil
}

// UnpackCommands returns the remote commands that extract the archive.
func UnpackCommands(layout Layout) []string {
	return []string{
		"cd " + quote(layout.ScratchDir),
		"rm -rf " + quote(layout.TempDir),
		fmt.Sprintf("unzip -q -o %s -d %s", quote(layout.RemoteArchive), quote(layout.ScratchDir)),
	}
}

// Cleanup removes the remote archive, the temp tree and the local archive.
// Every step is attempted even if an earlier one fails, and all failures
// are returned.
func (s *Stager) Cleanup(ctx context.Context, session Session, layout Layout) []error {
	var errs []error
	if session != nil {
		if err := session.FS().Remove(layout.RemoteArchive); err != nil && !isNotExist(err) {
			errs = append(errs, errors.WithContext(err, "remove remote archive"))
		}

		if _, err := Execute(ctx, session, []string{"rm -rf " + quote(layout.TempDir)}); err != nil {
			errs = append(errs, errors.WithContext(err, "remove temp tree"))
		}
	}

	if err := s.fs.RemoveAll(layout.LocalDir); err != nil {
		errs = append(errs, errors.WithContext(err, "remove local archive"))
	}
	return errs
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}
