package copy

import (
	"bytes"
	"context"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
)

type fakeCopier struct {
	upToDate map[string]bool
	err      error
	specs    []publish.CopySpec
}

func (c *fakeCopier) Copy(_ context.Context, _ publish.Connection, spec publish.CopySpec,
	progress publish.ProgressFunc) (publish.CopyResult, error) {

	c.specs = append(c.specs, spec)
	if c.err != nil {
		return publish.CopyResult{}, c.err
	}

	progress("uploading " + spec.File)
	return publish.CopyResult{
		RemotePath: path.Join(spec.DestDir, path.Base(spec.File)),
		Uploaded:   !c.upToDate[spec.File],
	}, nil
}

func mockCopy(c *fakeCopier) {
	parseConfig = func(string) (config.Config, error) {
		return config.Config{
			Server: config.Server{Host: "example.com", Port: 22, Username: "deploy", UseAgent: true},
			Copies: []config.Copy{
				{File: "/project/nginx.conf", DestDir: "/etc/nginx/conf.d"},
				{File: "/project/app.env", DestDir: "/srv/app"},
			},
		}, nil
	}
	newCopier = func(config.Config) copier {
		return c
	}
}

func TestCopy(t *testing.T) {
	c := &fakeCopier{upToDate: map[string]bool{"/project/app.env": true}}
	mockCopy(c)

	var out bytes.Buffer
	assert.NoError(t, run(context.Background(), &out, "kpublish.yaml", nil))
	assert.Equal(t, []publish.CopySpec{
		{File: "/project/nginx.conf", DestDir: "/etc/nginx/conf.d"},
		{File: "/project/app.env", DestDir: "/srv/app"},
	}, c.specs)

	exp := "[/project/nginx.conf] uploading /project/nginx.conf\n" +
		"Copied /project/nginx.conf to /etc/nginx/conf.d/nginx.conf\n" +
		"[/project/app.env] uploading /project/app.env\n" +
		"/srv/app/app.env is up to date\n"
	assert.Equal(t, exp, out.String())
}

func TestCopyArgs(t *testing.T) {
	c := &fakeCopier{}
	mockCopy(c)

	var out bytes.Buffer
	err := run(context.Background(), &out, "kpublish.yaml", []string{"/tmp/motd", "/etc"})
	assert.NoError(t, err)
	assert.Equal(t, []publish.CopySpec{{File: "/tmp/motd", DestDir: "/etc"}}, c.specs)
}

func TestCopyFailure(t *testing.T) {
	c := &fakeCopier{err: errors.NewStageError(errors.StageConnect, errors.New("no route to host"))}
	mockCopy(c)

	var out bytes.Buffer
	err := run(context.Background(), &out, "kpublish.yaml", nil)
	assert.EqualError(t, err, "copy /project/nginx.conf: connect failed: no route to host")
	assert.Len(t, c.specs, 1)
}
