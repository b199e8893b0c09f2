package publish

import (
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sidkik/kpublish/pkg/errors"
)

// DefaultTimeout is used for connecting and for each remote command batch
// when the Connection doesn't specify a timeout.
const DefaultTimeout = 10 * time.Second

// Connection describes how to reach and authenticate to the remote host.
type Connection struct {
	Host string
	Port int
	User string

	// Password, PrivateKeyFile and UseAgent are alternative authentication
	// methods. At least one must be set. They are tried in the order key,
	// agent, password.
	Password       string
	PrivateKeyFile string
	UseAgent       bool

	// KnownHostsFile verifies the host key when set. Otherwise the host key
	// is accepted without verification.
	KnownHostsFile string

	// Timeout bounds connecting and each remote command batch.
	Timeout time.Duration
}

// Address returns the host:port to dial.
func (c Connection) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EffectiveTimeout returns the configured timeout, or DefaultTimeout.
func (c Connection) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Validate checks that the connection has everything needed to dial.
func (c Connection) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return errors.ValidationError{Field: "host", Reason: "required"}
	case c.Port <= 0 || c.Port > 65535:
		return errors.ValidationError{Field: "port", Reason: "must be between 1 and 65535"}
	case strings.TrimSpace(c.User) == "":
		return errors.ValidationError{Field: "username", Reason: "required"}
	case c.Password == "" && c.PrivateKeyFile == "" && !c.UseAgent:
		return errors.ValidationError{Field: "password",
			Reason: "one of password, privateKeyFile or useAgent is required"}
	}
	return nil
}

// UploadSpec describes one artifact to publish.
type UploadSpec struct {
	// Dir is the local build output.
	Dir string

	// ServerDir is the remote directory the artifact is published into. The
	// live tree is ServerDir/<artifact name>.
	ServerDir string

	// ServerFileName overrides the artifact name derived from Dir.
	ServerFileName string

	// NeedIncrement requests an incremental publish when the live tree
	// already has files.
	NeedIncrement bool

	// Commands run on the remote host after the tree is reconciled, in
	// order.
	Commands []string
}

// Validate checks the fields that don't require touching the filesystem.
func (spec UploadSpec) Validate() error {
	if strings.TrimSpace(spec.Dir) == "" {
		return errors.ValidationError{Field: "dir", Reason: "required"}
	}
	if strings.TrimSpace(spec.ServerDir) == "" {
		return errors.ValidationError{Field: "serverDir", Reason: "required"}
	}
	if !path.IsAbs(strings.TrimSpace(spec.ServerDir)) {
		return errors.ValidationError{Field: "serverDir", Reason: "must be an absolute path"}
	}
	if strings.Contains(spec.ServerFileName, "/") {
		return errors.ValidationError{Field: "serverFileName", Reason: "must not contain '/'"}
	}
	return nil
}

// Result describes what a publish did.
type Result struct {
	// FileCount is the number of files added or replaced.
	FileCount int

	// DeleteCount is the number of stale files removed.
	DeleteCount int

	// NeedIncrement is whether an incremental publish was actually used. It
	// may be false even if the UploadSpec requested an incremental publish.
	NeedIncrement bool

	// Commands are the remote commands that were executed, in order.
	Commands []string
}

// DifferenceKind classifies why a temp file needs to be published.
type DifferenceKind int

const (
	// Added means no live file corresponds to the temp file.
	Added DifferenceKind = iota

	// Changed means the matching live file has different contents.
	Changed

	// Renamed means the matching live file has the same contents but a
	// different hash in its name.
	Renamed
)

func (kind DifferenceKind) String() string {
	switch kind {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Difference is a temp file that must be copied into the live tree.
type Difference struct {
	// TempPath is the path of the new file in the temp tree.
	TempPath string

	// OldPath is the live file being replaced, or empty for additions.
	OldPath string

	// RelPath is TempPath relative to the temp tree root. The file is
	// copied to the same relative path under the live tree.
	RelPath string

	Kind DifferenceKind
}

// FileRecord is a file within one of the trees.
type FileRecord struct {
	Path    string
	RelPath string
	Name    string
	Ext     string
}

func newFileRecord(root, p string) FileRecord {
	name := path.Base(p)
	return FileRecord{
		Path:    p,
		RelPath: relativePath(root, p),
		Name:    name,
		Ext:     strings.TrimPrefix(path.Ext(name), "."),
	}
}

// relativePath returns `p` relative to `root`, using forward slashes since
// both trees live on the POSIX remote host.
func relativePath(root, p string) string {
	root = strings.TrimSuffix(path.Clean(root), "/")
	p = path.Clean(p)
	if p == root {
		return ""
	}
	return strings.TrimPrefix(p, root+"/")
}
