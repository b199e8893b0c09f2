package publish

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/alessio/shellescape"
	log "github.com/sirupsen/logrus"
)

// Strategy is how the live tree gets updated.
type Strategy int

const (
	// FullPublish replaces the live tree with the temp tree.
	FullPublish Strategy = iota

	// IncrementalPublish copies only the differing files and removes the
	// stale ones.
	IncrementalPublish
)

func (s Strategy) String() string {
	if s == IncrementalPublish {
		return "incremental"
	}
	return "full"
}

// ChooseStrategy decides between a full and an incremental publish. An
// incremental publish is only possible if it was requested and the live tree
// exists and has files. Otherwise the request is downgraded to a full
// publish.
func ChooseStrategy(liveExists, needIncrement bool, liveFileCount int) Strategy {
	if !liveExists || !needIncrement || liveFileCount == 0 {
		return FullPublish
	}
	return IncrementalPublish
}

// PlanInput is the state of the remote host that a Plan is derived from.
type PlanInput struct {
	TempDir string
	LiveDir string

	LiveExists    bool
	NeedIncrement bool

	TempFiles []string
	LiveFiles []string

	// Commands are appended after the publish commands.
	Commands []string
}

// Plan is the ordered batch of remote commands for one publish.
type Plan struct {
	Strategy    Strategy
	FileCount   int
	DeleteCount int
	Commands    []string
}

// Result converts the plan into the result reported to the caller.
func (plan Plan) Result() Result {
	return Result{
		FileCount:     plan.FileCount,
		DeleteCount:   plan.DeleteCount,
		NeedIncrement: plan.Strategy == IncrementalPublish,
		Commands:      plan.Commands,
	}
}

// Planner turns the temp and live trees into a Plan.
type Planner struct {
	differ *Differ
	log    log.FieldLogger
	out    printer
}

// NewPlanner returns a Planner that uses `differ` for incremental publishes.
func NewPlanner(differ *Differ, logger log.FieldLogger) *Planner {
	return &Planner{differ: differ, log: logger, out: logger}
}

// Plan computes the commands for the publish described by `in`. The plan
// has no side effects on the remote host.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (Plan, error) {
	var plan Plan
	switch ChooseStrategy(in.LiveExists, in.NeedIncrement, len(in.LiveFiles)) {
	case FullPublish:
		if in.NeedIncrement {
			p.out.Printf("%s has no files, falling back to a full publish", in.LiveDir)
		}
		p.out.Printf("use full publish, file count: %d", len(in.TempFiles))
		plan = Plan{
			Strategy:  FullPublish,
			FileCount: len(in.TempFiles),
			Commands:  FullPublishCommands(in.TempDir, in.LiveDir),
		}
	case IncrementalPublish:
		diffs, err := p.differ.Diff(ctx, in.TempFiles, in.LiveFiles, in.TempDir, in.LiveDir)
		if err != nil {
			return Plan{}, err
		}
		stale := StaleFiles(in.LiveFiles, in.TempFiles, in.LiveDir, in.TempDir)
		p.out.Printf("use incremental publish, file count: %d, delete count: %d",
			len(diffs), len(stale))
		plan = Plan{
			Strategy:    IncrementalPublish,
			FileCount:   len(diffs),
			DeleteCount: len(stale),
			Commands:    IncrementalCommands(diffs, stale, in.LiveDir, in.LiveFiles),
		}
	}

	plan.Commands = append(plan.Commands, in.Commands...)
	return plan, nil
}

// FullPublishCommands replaces `liveDir` with `tempDir`.
func FullPublishCommands(tempDir, liveDir string) []string {
	return []string{
		"rm -rf " + quote(liveDir),
		fmt.Sprintf("mkdir -p %s && mv %s %s",
			quote(path.Dir(liveDir)), quote(tempDir), quote(liveDir)),
	}
}

// IncrementalCommands replaces each differing file, then removes the stale
// files. Copies into directories that the live tree doesn't have yet create
// the directory first.
func IncrementalCommands(diffs []Difference, stale []string, liveDir string, liveFiles []string) []string {
	knownDirs := map[string]bool{path.Clean(liveDir): true}
	for _, f := range liveFiles {
		markDir(knownDirs, liveDir, path.Dir(f))
	}

	var cmds []string
	for _, diff := range diffs {
		if diff.OldPath != "" {
			cmds = append(cmds, "rm -rf "+quote(diff.OldPath))
		}

		dest := path.Join(liveDir, diff.RelPath)
		cp := fmt.Sprintf("cp %s %s", quote(diff.TempPath), quote(dest))
		if dir := path.Dir(dest); !knownDirs[dir] {
			cp = fmt.Sprintf("mkdir -p %s && %s", quote(dir), cp)
			markDir(knownDirs, liveDir, dir)
		}
		cmds = append(cmds, cp)
	}

	for _, f := range stale {
		cmds = append(cmds, "rm -rf "+quote(f))
	}
	return cmds
}

// markDir records `dir` and its ancestors up to `root` as existing.
func markDir(known map[string]bool, root, dir string) {
	root = path.Clean(root)
	for dir = path.Clean(dir); !known[dir] && strings.HasPrefix(dir, root+"/"); dir = path.Dir(dir) {
		known[dir] = true
	}
}

func quote(s string) string {
	return shellescape.Quote(s)
}
