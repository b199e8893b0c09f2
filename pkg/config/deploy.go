package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
)

const (
	// DefaultPath is where the config is read from if no path is given.
	DefaultPath = "kpublish.yaml"

	// InitialVersion is the first version of the config. Config files that
	// don't specify a version default to it.
	InitialVersion = "v1alpha1"

	// SupportedVersion is the config version understood by this binary.
	SupportedVersion = "v1alpha1"

	// DefaultPort is the SSH port used when the server doesn't set one.
	DefaultPort = 22
)

// Config describes a server and what to publish to it.
type Config struct {
	Version string   `json:"version,omitempty"`
	Server  Server   `json:"server"`
	Uploads []Upload `json:"uploads,omitempty"`
	Copies  []Copy   `json:"copies,omitempty"`

	// Workers is the number of files compared concurrently during an
	// incremental publish.
	Workers int `json:"workers,omitempty"`

	// MaxDigestReads caps the concurrent remote reads during an incremental
	// publish.
	MaxDigestReads int `json:"maxDigestReads,omitempty"`

	// Only populated by Parse. Never set by the user.
	path string
}

// Server is the remote host and the credentials for it. String fields may
// reference environment variables, e.g. `password: $DEPLOY_PASSWORD`.
type Server struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PrivateKeyFile string `json:"privateKeyFile,omitempty"`
	UseAgent       bool   `json:"useAgent,omitempty"`
	KnownHostsFile string `json:"knownHostsFile,omitempty"`

	// Timeout is in seconds.
	Timeout int `json:"timeout,omitempty"`
}

// Upload is a local build output to publish.
type Upload struct {
	// Name identifies the upload for `publish --only`. It defaults to the
	// upload's directory name.
	Name string `json:"name,omitempty"`

	Dir            string   `json:"dir"`
	ServerDir      string   `json:"serverDir"`
	ServerFileName string   `json:"serverFileName,omitempty"`
	NeedIncrement  bool     `json:"needIncrement,omitempty"`
	Cmds           []string `json:"cmds,omitempty"`
}

// Copy is a single file to place on the server.
type Copy struct {
	File    string `json:"file"`
	DestDir string `json:"destDir"`
}

// GetPath returns the path the config was parsed from.
func (c Config) GetPath() string {
	return c.path
}

// These are overridden in mock tests.
var (
	homedirExpand = homedir.Expand
	expandEnv     = os.ExpandEnv
)

// Parse reads the config at `path`. Local paths in the config are
// evaluated relative to the config file.
func Parse(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.expand(filepath.Dir(cfg.path)); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read reads the config at `path` as written. Unlike Parse, it doesn't
// expand, default or validate any fields.
func Read(path string) (Config, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.NewFriendlyError("The kpublish config "+
				"file doesn't exist at %q. Create it with `kpublish config`, "+
				"or point to it with the --config flag.", path)
		}
		return Config{}, errors.WithContext(err, "read config")
	}

	cfg := Config{Version: InitialVersion}
	if err := cfg.decode(path, contents); err != nil {
		return Config{}, errors.WithContext(err, "parse")
	}
	cfg.path = path
	return cfg, nil
}

// decode unmarshals `contents` twice. The first pass ignores unknown fields,
// so that a config written for another version reports the version
// mismatch rather than the first field this binary doesn't know.
func (c *Config) decode(path string, contents []byte) error {
	if err := yaml.Unmarshal(contents, c); err != nil {
		return malformedConfigError{path, err}
	}
	if c.Version != SupportedVersion {
		return incompatibleVersionError{path, SupportedVersion, c.Version}
	}
	if err := yaml.UnmarshalStrict(contents, c, yaml.DisallowUnknownFields); err != nil {
		return malformedConfigError{path, err}
	}
	return nil
}

type malformedConfigError struct {
	path string
	err  error
}

func (err malformedConfigError) Error() string {
	return fmt.Sprintf("malformed config %s: %s", err.path, err.err)
}

func (err malformedConfigError) Unwrap() error {
	return err.err
}

func (err malformedConfigError) FriendlyMessage() string {
	return fmt.Sprintf("The kpublish config at %q is malformed: %s\n\n"+
		"Check that field names are spelled as documented, e.g. `serverDir` "+
		"rather than `serverdir`, and that every upload is a list entry "+
		"under `uploads`.", err.path, err.err)
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The kpublish config at %q is version %q, but this "+
		"binary only understands version %q.", err.path, err.actual, err.exp)
}

// Write saves `cfg` to `path` at the supported version. Values are written
// as given, without the expansion that Parse applies.
func Write(path string, cfg Config) error {
	cfg.Version = SupportedVersion
	configBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, configBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func (c *Config) expand(base string) error {
	c.Server.Host = expandEnv(c.Server.Host)
	c.Server.Username = expandEnv(c.Server.Username)
	c.Server.Password = expandEnv(c.Server.Password)

	var err error
	if c.Server.PrivateKeyFile, err = c.expandLocalPath(base, expandEnv(c.Server.PrivateKeyFile)); err != nil {
		return errors.WithContext(err, "expand privateKeyFile")
	}
	if c.Server.KnownHostsFile, err = c.expandLocalPath(base, expandEnv(c.Server.KnownHostsFile)); err != nil {
		return errors.WithContext(err, "expand knownHostsFile")
	}

	for i := range c.Uploads {
		if c.Uploads[i].Dir, err = c.expandLocalPath(base, c.Uploads[i].Dir); err != nil {
			return errors.WithContext(err, "expand upload dir")
		}
	}
	for i := range c.Copies {
		if c.Copies[i].File, err = c.expandLocalPath(base, c.Copies[i].File); err != nil {
			return errors.WithContext(err, "expand copy file")
		}
	}
	return nil
}

func (c *Config) expandLocalPath(base, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	path, err := homedirExpand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return path, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = int(publish.DefaultTimeout / time.Second)
	}
	if c.Workers == 0 {
		c.Workers = publish.DefaultWorkers
	}
	if c.MaxDigestReads == 0 {
		c.MaxDigestReads = publish.DefaultMaxDigestReads
	}
	for i := range c.Uploads {
		if c.Uploads[i].Name == "" {
			c.Uploads[i].Name = c.Uploads[i].defaultName()
		}
	}
}

func (u Upload) defaultName() string {
	if u.ServerFileName != "" {
		return u.ServerFileName
	}
	return filepath.Base(u.Dir)
}

// Validate checks the config for mistakes that can be caught without
// connecting to the server.
func (c Config) Validate() error {
	conn := c.Connection()
	if c.NeedsPassword() {
		// The CLI prompts for missing credentials after parsing.
		conn.Password = "prompt"
	}
	if err := conn.Validate(); err != nil {
		return prefixField("server", err)
	}
	if c.Server.Timeout < 0 {
		return errors.ValidationError{Field: "server.timeout", Reason: "must not be negative"}
	}
	if c.Workers < 0 {
		return errors.ValidationError{Field: "workers", Reason: "must not be negative"}
	}
	if c.MaxDigestReads < 0 {
		return errors.ValidationError{Field: "maxDigestReads", Reason: "must not be negative"}
	}

	names := map[string]struct{}{}
	for i, upload := range c.Uploads {
		if err := upload.Spec().Validate(); err != nil {
			return prefixField(fmt.Sprintf("uploads[%d]", i), err)
		}
		if _, ok := names[upload.Name]; ok {
			return errors.ValidationError{
				Field:  fmt.Sprintf("uploads[%d].name", i),
				Reason: fmt.Sprintf("%q is used by more than one upload", upload.Name),
			}
		}
		names[upload.Name] = struct{}{}
	}

	for i, cp := range c.Copies {
		if err := cp.Spec().Validate(); err != nil {
			return prefixField(fmt.Sprintf("copies[%d]", i), err)
		}
	}
	return nil
}

func prefixField(prefix string, err error) error {
	if validationErr, ok := err.(errors.ValidationError); ok {
		validationErr.Field = prefix + "." + validationErr.Field
		return validationErr
	}
	return err
}

// NeedsPassword returns whether the server has no credentials configured.
func (c Config) NeedsPassword() bool {
	return c.Server.Password == "" && c.Server.PrivateKeyFile == "" && !c.Server.UseAgent
}

// Connection returns how to connect to the server.
func (c Config) Connection() publish.Connection {
	return publish.Connection{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		User:           c.Server.Username,
		Password:       c.Server.Password,
		PrivateKeyFile: c.Server.PrivateKeyFile,
		UseAgent:       c.Server.UseAgent,
		KnownHostsFile: c.Server.KnownHostsFile,
		Timeout:        time.Duration(c.Server.Timeout) * time.Second,
	}
}

// Options returns the tuning options for publishing.
func (c Config) Options() publish.Options {
	return publish.Options{
		Workers:        c.Workers,
		MaxDigestReads: c.MaxDigestReads,
	}
}

// Spec converts the upload into a publish request.
func (u Upload) Spec() publish.UploadSpec {
	return publish.UploadSpec{
		Dir:            u.Dir,
		ServerDir:      u.ServerDir,
		ServerFileName: u.ServerFileName,
		NeedIncrement:  u.NeedIncrement,
		Commands:       u.Cmds,
	}
}

// Spec converts the copy into a publish request.
func (cp Copy) Spec() publish.CopySpec {
	return publish.CopySpec{File: cp.File, DestDir: cp.DestDir}
}

// SelectUploads returns the uploads with the given names, in config order.
// All uploads are returned if `names` is empty.
func (c Config) SelectUploads(names []string) ([]Upload, error) {
	if len(names) == 0 {
		return c.Uploads, nil
	}

	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = false
	}

	var selected []Upload
	for _, upload := range c.Uploads {
		if _, ok := wanted[upload.Name]; ok {
			wanted[upload.Name] = true
			selected = append(selected, upload)
		}
	}

	var missing []string
	for _, name := range names {
		if !wanted[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) != 0 {
		return nil, errors.NewFriendlyError("No upload named %s in %s.",
			strings.Join(missing, ", "), c.path)
	}
	return selected, nil
}
