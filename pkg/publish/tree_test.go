package publish

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func TestListFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(fs, map[string]string{
		"/srv/www/app/index.html":            "index",
		"/srv/www/app/static/js/app.1a2b.js": "js",
		"/srv/www/app/static/css/app.css":    "css",
		"/srv/www/other/ignored.txt":         "other",
	})
	assert.NoError(t, fs.MkdirAll("/srv/www/app/empty", 0755))

	assert.Equal(t, []string{
		"/srv/www/app/index.html",
		"/srv/www/app/static/css/app.css",
		"/srv/www/app/static/js/app.1a2b.js",
	}, ListFiles(fs, "/srv/www/app/", log.StandardLogger()))
}

func TestListFilesMissingDir(t *testing.T) {
	assert.Empty(t, ListFiles(afero.NewMemMapFs(), "/srv/www/app", log.StandardLogger()))
}
