package publish

import (
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ListFiles returns the path of every regular file under `dir`,
// recursively. Directories are traversed but not returned.
//
// A directory that can't be read is logged and treated as empty, so a single
// unreadable subdirectory doesn't abort the whole listing.
func ListFiles(fs afero.Fs, dir string, logger log.FieldLogger) []string {
	var files []string
	listFiles(fs, path.Clean(dir), logger, &files)
	return files
}

func listFiles(fs afero.Fs, dir string, logger log.FieldLogger, files *[]string) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		logger.WithError(err).WithField("dir", dir).Warn("Failed to read remote directory. Treating it as empty.")
		return
	}

	for _, entry := range entries {
		entryPath := path.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			listFiles(fs, entryPath, logger, files)
		case entry.Mode().IsRegular():
			*files = append(*files, entryPath)
		}
	}
}
