package publish

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const fakeHome = "/home/deploy"

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, conn Connection) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

// fakeSession emulates a remote host: the filesystem is in memory, and
// channels interpret the handful of shell commands that publishes emit.
type fakeSession struct {
	fs afero.Fs

	// failOn makes any command containing it fail.
	failOn string

	// failScript makes the script exactly matching it fail.
	failScript string

	lock    sync.Mutex
	scripts []string
	closed  bool
}

func newFakeSession() *fakeSession {
	fs := afero.NewMemMapFs()
	fs.MkdirAll(fakeHome, 0755)
	return &fakeSession{fs: fs}
}

func (s *fakeSession) FS() afero.Fs {
	return s.fs
}

func (s *fakeSession) NewChannel() (Channel, error) {
	return &fakeChannel{session: s}, nil
}

func (s *fakeSession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Scripts() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.scripts...)
}

type fakeExitError struct {
	status int
}

func (err fakeExitError) Error() string {
	return fmt.Sprintf("Process exited with status %d", err.status)
}

func (err fakeExitError) ExitStatus() int {
	return err.status
}

type fakeChannel struct {
	session *fakeSession
	status  int
	calls   []string
}

func (c *fakeChannel) Start(script string) (io.Reader, io.Reader, error) {
	c.calls = append(c.calls, "start")
	c.session.lock.Lock()
	c.session.scripts = append(c.session.scripts, script)
	c.session.lock.Unlock()

	stdout, stderr, status := c.session.run(script)
	c.status = status
	return strings.NewReader(stdout), strings.NewReader(stderr), nil
}

func (c *fakeChannel) CloseWrite() error {
	c.calls = append(c.calls, "eof")
	return nil
}

func (c *fakeChannel) Wait() error {
	c.calls = append(c.calls, "wait")
	if c.status != 0 {
		return fakeExitError{c.status}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.calls = append(c.calls, "close")
	return nil
}

// run interprets `script` like `sh -c`: lines run in order regardless of
// earlier failures, and `&&` chains stop at the first failure.
func (s *fakeSession) run(script string) (string, string, int) {
	if s.failScript != "" && script == s.failScript {
		return "", "injected failure\n", 1
	}

	var stdout, stderr strings.Builder
	cwd := fakeHome
	status := 0
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		status = 0
		for _, cmd := range strings.Split(line, " && ") {
			args := splitArgs(cmd)
			if s.failOn != "" && strings.Contains(cmd, s.failOn) {
				fmt.Fprintf(&stderr, "%s: injected failure\n", args[0])
				status = 1
				break
			}

			if code, err := s.exec(&cwd, args, &stdout); err != nil {
				fmt.Fprintf(&stderr, "%s: %s\n", args[0], err)
				status = code
				break
			}
		}
	}
	return stdout.String(), stderr.String(), status
}

func (s *fakeSession) exec(cwd *string, args []string, stdout io.Writer) (int, error) {
	abs := func(p string) string {
		if path.IsAbs(p) {
			return path.Clean(p)
		}
		return path.Join(*cwd, p)
	}
	operands := func() []string {
		var ops []string
		for _, arg := range args[1:] {
			if !strings.HasPrefix(arg, "-") {
				ops = append(ops, abs(arg))
			}
		}
		return ops
	}

	switch args[0] {
	case "true":
		return 0, nil
	case "false":
		return 1, fmt.Errorf("false")
	case "echo":
		var words []string
		for _, arg := range args[1:] {
			words = append(words, strings.ReplaceAll(arg, "$HOME", fakeHome))
		}
		fmt.Fprintln(stdout, strings.Join(words, " "))
		return 0, nil
	case "cd":
		dir := abs(args[1])
		if ok, _ := afero.DirExists(s.fs, dir); !ok {
			return 1, fmt.Errorf("%s: No such file or directory", args[1])
		}
		*cwd = dir
		return 0, nil
	case "rm":
		for _, p := range operands() {
			if err := s.fs.RemoveAll(p); err != nil {
				return 1, err
			}
		}
		return 0, nil
	case "mkdir":
		for _, p := range operands() {
			if err := s.fs.MkdirAll(p, 0755); err != nil {
				return 1, err
			}
		}
		return 0, nil
	case "cp":
		ops := operands()
		return s.copyFile(ops[0], ops[1])
	case "mv":
		ops := operands()
		return s.move(ops[0], ops[1])
	case "unzip":
		var archive, dest string
		for i := 1; i < len(args); i++ {
			switch {
			case args[i] == "-d":
				dest = abs(args[i+1])
				i++
			case !strings.HasPrefix(args[i], "-"):
				archive = abs(args[i])
			}
		}
		return s.unzip(archive, dest)
	}
	return 127, fmt.Errorf("command not found")
}

func (s *fakeSession) copyFile(src, dst string) (int, error) {
	if ok, _ := afero.DirExists(s.fs, path.Dir(dst)); !ok {
		return 1, fmt.Errorf("cannot create regular file '%s': No such file or directory", dst)
	}

	contents, err := afero.ReadFile(s.fs, src)
	if err != nil {
		return 1, fmt.Errorf("cannot stat '%s': No such file or directory", src)
	}
	if err := afero.WriteFile(s.fs, dst, contents, 0644); err != nil {
		return 1, err
	}
	return 0, nil
}

func (s *fakeSession) move(src, dst string) (int, error) {
	if ok, _ := afero.DirExists(s.fs, path.Dir(dst)); !ok {
		return 1, fmt.Errorf("cannot move '%s': No such file or directory", src)
	}

	err := afero.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := path.Join(dst, relativePath(src, p))
		if info.IsDir() {
			return s.fs.MkdirAll(target, 0755)
		}
		contents, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return err
		}
		return afero.WriteFile(s.fs, target, contents, 0644)
	})
	if err != nil {
		return 1, err
	}
	return 0, s.fs.RemoveAll(src)
}

func (s *fakeSession) unzip(archive, dest string) (int, error) {
	f, err := s.fs.Open(archive)
	if err != nil {
		return 9, fmt.Errorf("cannot find or open %s", archive)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 9, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return 9, err
	}

	for _, entry := range zr.File {
		target := path.Join(dest, entry.Name)
		if strings.HasSuffix(entry.Name, "/") {
			if err := s.fs.MkdirAll(target, 0755); err != nil {
				return 1, err
			}
			continue
		}

		if err := s.fs.MkdirAll(path.Dir(target), 0755); err != nil {
			return 1, err
		}
		rc, err := entry.Open()
		if err != nil {
			return 1, err
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return 1, err
		}
		if err := afero.WriteFile(s.fs, target, contents, 0644); err != nil {
			return 1, err
		}
	}
	return 0, nil
}

// splitArgs splits a command into words, honoring single and double quotes.
func splitArgs(cmd string) []string {
	var args []string
	var word strings.Builder
	inWord := false
	var quote rune
	for _, c := range cmd {
		switch {
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			word.WriteRune(c)
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ':
			if inWord {
				args = append(args, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(c)
			inWord = true
		}
	}
	if inWord {
		args = append(args, word.String())
	}
	return args
}

// writeFiles creates each file in `files` with its contents.
func writeFiles(fs afero.Fs, files map[string]string) {
	for p, contents := range files {
		if err := fs.MkdirAll(path.Dir(p), 0755); err != nil {
			panic(err)
		}
		if err := afero.WriteFile(fs, p, []byte(contents), 0644); err != nil {
			panic(err)
		}
	}
}

// readTree returns the contents of every file under `root`, keyed by
// relative path.
func readTree(fs afero.Fs, root string) map[string]string {
	tree := map[string]string{}
	afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		contents, _ := afero.ReadFile(fs, p)
		tree[relativePath(root, p)] = string(contents)
		return nil
	})
	return tree
}
