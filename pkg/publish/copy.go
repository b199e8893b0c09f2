package publish

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/sidkik/kpublish/pkg/errors"
)

// CopySpec describes a single file to place on the remote host.
type CopySpec struct {
	// File is the local file.
	File string

	// DestDir is the remote directory. Relative paths are resolved against
	// the remote user's home directory.
	DestDir string
}

// Validate checks the fields that don't require touching the filesystem.
func (spec CopySpec) Validate() error {
	if strings.TrimSpace(spec.File) == "" {
		return errors.ValidationError{Field: "file", Reason: "required"}
	}
	if strings.TrimSpace(spec.DestDir) == "" {
		return errors.ValidationError{Field: "destDir", Reason: "required"}
	}
	return nil
}

// CopyResult describes what a Copy did.
type CopyResult struct {
	RemotePath string

	// Uploaded is false if the remote file already had the same contents.
	Uploaded bool
}

// Copy uploads `spec.File` unless the remote copy already has the same
// digest.
func (r *Reconciler) Copy(ctx context.Context, conn Connection, spec CopySpec,
	progress ProgressFunc) (CopyResult, error) {

	logger := r.log.WithField("invocation", uuid.NewString())
	out := newReporter(progress, logger)
	defer out.Close()

	if err := conn.Validate(); err != nil {
		return CopyResult{}, err
	}
	if err := spec.Validate(); err != nil {
		return CopyResult{}, err
	}

	info, err := r.fs.Stat(spec.File)
	switch {
	case err != nil && isNotExist(err):
		return CopyResult{}, errors.ValidationError{Field: "file", Reason: spec.File + " does not exist"}
	case err != nil:
		return CopyResult{}, errors.WithContext(err, "stat file")
	case !info.Mode().IsRegular():
		return CopyResult{}, errors.ValidationError{Field: "file", Reason: spec.File + " is not a regular file"}
	}

	localDigest, err := DigestFile(r.fs, spec.File)
	if err != nil {
		return CopyResult{}, errors.NewStageError(errors.StageStaging, err)
	}

	out.Printf("connecting to %s", conn.Address())
	session, err := r.dial(ctx, conn)
	if err != nil {
		return CopyResult{}, errors.NewStageError(errors.StageConnect, err)
	}
	defer session.Close()

	destDir := spec.DestDir
	if !path.IsAbs(destDir) {
		execCtx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
		home, err := Execute(execCtx, session, []string{"echo $HOME"})
		cancel()
		if err != nil {
			return CopyResult{}, errors.NewStageError(errors.StageStaging,
				errors.WithContext(err, "get remote home"))
		}
		destDir = path.Join(strings.TrimSpace(home), destDir)
	}
	remotePath := path.Join(destDir, filepath.Base(spec.File))
	logger = logger.WithField("remotePath", remotePath)

	remote := session.FS()
	remoteDigest, err := DigestFile(remote, remotePath)
	if err == nil && remoteDigest == localDigest {
		out.Printf("%s is up to date", remotePath)
		return CopyResult{RemotePath: remotePath}, nil
	}
	if err != nil && !isNotExist(errors.RootCause(err)) {
		logger.WithError(err).Debug("Failed to digest remote file. Uploading it anyway.")
	}

	out.Printf("uploading %s to %s", spec.File, remotePath)
	if err := r.upload(remote, spec.File, destDir, remotePath); err != nil {
		return CopyResult{}, errors.NewStageError(errors.StageStaging, err)
	}
	if err := remote.Chmod(remotePath, info.Mode().Perm()); err != nil {
		logger.WithError(err).Warn("Failed to set file mode")
	}
	return CopyResult{RemotePath: remotePath, Uploaded: true}, nil
}

func (r *Reconciler) upload(remote afero.Fs, local, dir, dest string) error {
	if err := remote.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create remote directory")
	}

	src, err := r.fs.Open(local)
	if err != nil {
		return errors.WithContext(err, "open file")
	}
	defer src.Close()

	dst, err := remote.Create(dest)
	if err != nil {
		return errors.WithContext(err, "create remote file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.WithContext(err, "upload file")
	}
	return errors.WithContext(dst.Close(), "close remote file")
}
