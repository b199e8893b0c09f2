// Package publish reconciles a directory on a remote host with a local build
// output.
//
// A publish uploads the build output as an archive, unpacks it next to the
// live tree, and then either swaps the whole tree or copies only the files
// that differ. Build tools commonly embed a content hash in asset names
// (`app.3f2a9c.js`), so a file is matched against the live file whose name
// only differs by that hash.
package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/kpublish/pkg/errors"
)

// Options configures a Reconciler. The zero value uses the defaults.
type Options struct {
	// Workers is the number of files compared concurrently.
	Workers int

	// MaxDigestReads caps the concurrent remote reads made to compute
	// digests.
	MaxDigestReads int

	// LocalFs is the filesystem the build output is read from. It defaults
	// to the OS filesystem.
	LocalFs afero.Fs

	// LocalDir is where archives are built. It defaults to a directory
	// under os.TempDir().
	LocalDir string

	Clock clockwork.Clock
	Log   log.FieldLogger
}

// Reconciler publishes build outputs to remote hosts. It's safe for
// concurrent use, and every call opens its own Session.
type Reconciler struct {
	dialer         Dialer
	fs             afero.Fs
	localDir       string
	clock          clockwork.Clock
	log            log.FieldLogger
	workers        int
	maxDigestReads int
}

// New returns a Reconciler that connects with `dialer`.
func New(dialer Dialer, opts Options) *Reconciler {
	r := &Reconciler{
		dialer:         dialer,
		fs:             opts.LocalFs,
		localDir:       opts.LocalDir,
		clock:          opts.Clock,
		log:            opts.Log,
		workers:        opts.Workers,
		maxDigestReads: opts.MaxDigestReads,
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.localDir == "" {
		r.localDir = filepath.Join(os.TempDir(), "kpublish")
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.log == nil {
		r.log = log.StandardLogger()
	}
	if r.workers <= 0 {
		r.workers = DefaultWorkers
	}
	if r.maxDigestReads <= 0 {
		r.maxDigestReads = DefaultMaxDigestReads
	}
	return r
}

// Reconcile publishes `spec.Dir` to `spec.ServerDir` on the host described
// by `conn`, and then runs `spec.Commands`.
//
// Once the archive has been uploaded, the scratch state is always cleaned
// up, whether or not the publish succeeds. Cleanup failures are logged and
// reported through `progress`, but never returned. Errors after validation
// are StageErrors naming the step that failed.
func (r *Reconciler) Reconcile(ctx context.Context, conn Connection, spec UploadSpec,
	progress ProgressFunc) (Result, error) {

	logger := r.log.WithField("invocation", uuid.NewString())
	out := newReporter(progress, logger)
	defer out.Close()

	if err := conn.Validate(); err != nil {
		return Result{}, err
	}
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	src, err := ReadSource(r.fs, spec.Dir)
	if err != nil {
		return Result{}, err
	}

	name := ArtifactName(spec.ServerFileName, src)
	out.Printf("get upload filename: %s", name)

	stager := NewStager(r.fs, r.clock, r.localDir, logger)
	archive, err := stager.Package(src, name)
	if err != nil {
		return Result{}, errors.NewStageError(errors.StageStaging, err)
	}
	layout := NewLayout(spec.ServerDir, name, archive)
	logger = logger.WithField("live", layout.LiveDir)

	out.Printf("connecting to %s", conn.Address())
	session, err := r.dial(ctx, conn)
	if err != nil {
		r.cleanup(stager, nil, layout, conn, logger, out)
		return Result{}, errors.NewStageError(errors.StageConnect, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close session")
		}
	}()
	defer r.cleanup(stager, session, layout, conn, logger, out)

	out.Printf("uploading %s to %s", filepath.Base(archive), layout.ScratchDir)
	if err := stager.Upload(session, layout); err != nil {
		return Result{}, errors.NewStageError(errors.StageStaging, err)
	}

	unpackCtx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
	err = Unpack(unpackCtx, session, layout)
	cancel()
	if err != nil {
		return Result{}, errors.NewStageError(errors.StageStaging, err)
	}

	plan, err := r.plan(ctx, session, layout, spec, logger, out)
	if err != nil {
		return Result{}, errors.NewStageError(errors.StageDiff, err)
	}

	if len(plan.Commands) != 0 {
		out.Printf("exec server command:\n%s", strings.Join(plan.Commands, CommandSeparator))
		execCtx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
		_, err := Execute(execCtx, session, plan.Commands)
		cancel()
		if err != nil {
			return Result{}, errors.NewStageError(errors.StageExecute, err)
		}
	}

	out.Printf("publish %s finished", name)
	return plan.Result(), nil
}

func (r *Reconciler) plan(ctx context.Context, session Session, layout Layout, spec UploadSpec,
	logger log.FieldLogger, out *reporter) (Plan, error) {

	remote := session.FS()
	tempFiles := ListFiles(remote, layout.TempDir, logger)
	if len(tempFiles) == 0 {
		return Plan{}, errors.Errorf("temp tree %s has no files", layout.TempDir)
	}

	liveExists, err := afero.DirExists(remote, layout.LiveDir)
	if err != nil {
		return Plan{}, errors.WithContext(err, "stat live tree")
	}

	var liveFiles []string
	if liveExists && spec.NeedIncrement {
		liveFiles = ListFiles(remote, layout.LiveDir, logger)
	}

	differ := NewDiffer(remote, r.workers, r.maxDigestReads, logger)
	differ.out = out
	planner := NewPlanner(differ, logger)
	planner.out = out
	return planner.Plan(ctx, PlanInput{
		TempDir:       layout.TempDir,
		LiveDir:       layout.LiveDir,
		LiveExists:    liveExists,
		NeedIncrement: spec.NeedIncrement,
		TempFiles:     tempFiles,
		LiveFiles:     liveFiles,
		Commands:      spec.Commands,
	})
}

func (r *Reconciler) dial(ctx context.Context, conn Connection) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
	defer cancel()
	return r.dialer.Dial(dialCtx, conn)
}

// cleanup runs with its own deadline so that it still happens after the
// publish's context is cancelled.
func (r *Reconciler) cleanup(stager *Stager, session Session, layout Layout,
	conn Connection, logger log.FieldLogger, out *reporter) {

	cleanupCtx, cancel := context.WithTimeout(context.Background(), conn.EffectiveTimeout())
	defer cancel()
	for _, err := range stager.Cleanup(cleanupCtx, session, layout) {
		err = errors.NewStageError(errors.StageCleanup, err)
		logger.WithError(err).Warn("Failed to clean up")
		out.Printf("%s", err)
	}
}

// Run executes `commands` on the host described by `conn` and returns their
// combined stdout.
func (r *Reconciler) Run(ctx context.Context, conn Connection, commands []string,
	progress ProgressFunc) (string, error) {

	logger := r.log.WithField("invocation", uuid.NewString())
	out := newReporter(progress, logger)
	defer out.Close()

	if err := conn.Validate(); err != nil {
		return "", err
	}
	if len(commands) == 0 {
		return "", errors.ValidationError{Field: "commands", Reason: "required"}
	}

	out.Printf("connecting to %s", conn.Address())
	session, err := r.dial(ctx, conn)
	if err != nil {
		return "", errors.NewStageError(errors.StageConnect, err)
	}
	defer session.Close()

	out.Printf("exec server command:\n%s", strings.Join(commands, CommandSeparator))
	execCtx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
	defer cancel()
	stdout, err := Execute(execCtx, session, commands)
	if err != nil {
		return stdout, errors.NewStageError(errors.StageExecute, err)
	}
	return stdout, nil
}
