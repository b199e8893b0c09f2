package publish

import (
	"context"
	"fmt"
	"sort"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTempRoot = "/srv/__PUBLISH_STAGING__/app"
	testLiveRoot = "/srv/www/app"
)

func tempPath(rel string) string {
	return testTempRoot + "/" + rel
}

func livePath(rel string) string {
	return testLiveRoot + "/" + rel
}

func TestDiff(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(fs, map[string]string{
		tempPath("index.html"):            "v2",
		tempPath("about.html"):            "about",
		tempPath("static/app.2222.js"):    "app",
		tempPath("static/vendor.aaaa.js"): "new vendor",
		tempPath("static/new.txt"):        "new",
		tempPath("static/9b71e0.js"):      "chunk v2",

		livePath("index.html"):            "v1",
		livePath("about.html"):            "about",
		livePath("static/app.1111.js"):    "app",
		livePath("static/vendor.bbbb.js"): "old vendor",
		livePath("static/3f2a9c.js"):      "chunk v1",
		livePath("old.html"):              "old",
	})

	tempFiles := []string{
		tempPath("index.html"),
		tempPath("about.html"),
		tempPath("static/app.2222.js"),
		tempPath("static/vendor.aaaa.js"),
		tempPath("static/new.txt"),
		tempPath("static/9b71e0.js"),
	}
	liveFiles := []string{
		livePath("about.html"),
		livePath("index.html"),
		livePath("old.html"),
		livePath("static/3f2a9c.js"),
		livePath("static/app.1111.js"),
		livePath("static/vendor.bbbb.js"),
	}

	exp := []Difference{
		{
			TempPath: tempPath("index.html"),
			OldPath:  livePath("index.html"),
			RelPath:  "index.html",
			Kind:     Changed,
		},
		{
			TempPath: tempPath("static/app.2222.js"),
			OldPath:  livePath("static/app.1111.js"),
			RelPath:  "static/app.2222.js",
			Kind:     Renamed,
		},
		{
			TempPath: tempPath("static/vendor.aaaa.js"),
			OldPath:  livePath("static/vendor.bbbb.js"),
			RelPath:  "static/vendor.aaaa.js",
			Kind:     Changed,
		},
		{
			TempPath: tempPath("static/new.txt"),
			RelPath:  "static/new.txt",
			Kind:     Added,
		},
		{
			TempPath: tempPath("static/9b71e0.js"),
			RelPath:  "static/9b71e0.js",
			Kind:     Added,
		},
	}

	// The result shouldn't depend on how the work is scheduled.
	for _, workers := range []int{1, 3, 8} {
		differ := NewDiffer(fs, workers, 2, log.StandardLogger())
		diffs, err := differ.Diff(context.Background(), tempFiles, liveFiles, testTempRoot, testLiveRoot)
		require.NoError(t, err)
		assert.Equal(t, exp, diffs, fmt.Sprintf("workers=%d", workers))
	}
}

func TestDiffPrefersExactPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(fs, map[string]string{
		tempPath("app.2222.js"): "app",
		livePath("app.1111.js"): "app",
		livePath("app.2222.js"): "app",
	})

	differ := NewDiffer(fs, 1, 1, log.StandardLogger())
	diffs, err := differ.Diff(context.Background(),
		[]string{tempPath("app.2222.js")},
		[]string{livePath("app.1111.js"), livePath("app.2222.js")},
		testTempRoot, testLiveRoot)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestDiffSiblings(t *testing.T) {
	tests := []struct {
		name string
		temp map[string]string
		live map[string]string
		exp  []Difference
	}{
		{
			name: "NewSiblingOfUnchangedFile",
			temp: map[string]string{"page.1.html": "one", "page.2.html": "two"},
			live: map[string]string{"page.1.html": "one"},
			exp: []Difference{{
				TempPath: tempPath("page.2.html"),
				RelPath:  "page.2.html",
				Kind:     Added,
			}},
		},
		{
			name: "NewSiblingOfChangedFile",
			temp: map[string]string{"x.1a.css": "v2", "x.2b.css": "new"},
			live: map[string]string{"x.1a.css": "v1"},
			exp: []Difference{
				{
					TempPath: tempPath("x.1a.css"),
					OldPath:  livePath("x.1a.css"),
					RelPath:  "x.1a.css",
					Kind:     Changed,
				},
				{
					TempPath: tempPath("x.2b.css"),
					RelPath:  "x.2b.css",
					Kind:     Added,
				},
			},
		},
		{
			name: "SiblingReplacesRemovedFile",
			temp: map[string]string{"data.1.json": "one", "data.3.json": "three"},
			live: map[string]string{"data.1.json": "one", "data.2.json": "two"},
			exp: []Difference{{
				TempPath: tempPath("data.3.json"),
				OldPath:  livePath("data.2.json"),
				RelPath:  "data.3.json",
				Kind:     Changed,
			}},
		},
		{
			name: "SiblingsAlreadyPublished",
			temp: map[string]string{"page.1.html": "one", "page.2.html": "two"},
			live: map[string]string{"page.1.html": "one", "page.2.html": "two"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			var tempFiles, liveFiles []string
			for _, name := range sortedKeys(test.temp) {
				writeFiles(fs, map[string]string{tempPath(name): test.temp[name]})
				tempFiles = append(tempFiles, tempPath(name))
			}
			for _, name := range sortedKeys(test.live) {
				writeFiles(fs, map[string]string{livePath(name): test.live[name]})
				liveFiles = append(liveFiles, livePath(name))
			}

			differ := NewDiffer(fs, 2, 2, log.StandardLogger())
			diffs, err := differ.Diff(context.Background(), tempFiles, liveFiles, testTempRoot, testLiveRoot)
			require.NoError(t, err)
			assert.Equal(t, test.exp, diffs)
		})
	}
}

func sortedKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestDiffUnreadableFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(fs, map[string]string{tempPath("index.html"): "v1"})

	// The live file was listed but disappeared before it could be read.
	differ := NewDiffer(fs, 1, 1, log.StandardLogger())
	diffs, err := differ.Diff(context.Background(),
		[]string{tempPath("index.html")},
		[]string{livePath("index.html")},
		testTempRoot, testLiveRoot)
	require.NoError(t, err)
	assert.Equal(t, []Difference{{
		TempPath: tempPath("index.html"),
		OldPath:  livePath("index.html"),
		RelPath:  "index.html",
		Kind:     Changed,
	}}, diffs)
}

func TestDiffCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(fs, map[string]string{
		tempPath("index.html"): "v2",
		livePath("index.html"): "v1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	differ := NewDiffer(fs, 1, 1, log.StandardLogger())
	_, err := differ.Diff(ctx,
		[]string{tempPath("index.html")},
		[]string{livePath("index.html")},
		testTempRoot, testLiveRoot)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaleFiles(t *testing.T) {
	tempFiles := []string{
		tempPath("index.html"),
		tempPath("static/app.2222.js"),
	}
	liveFiles := []string{
		livePath("index.html"),
		livePath("old.html"),
		livePath("static/app.1111.js"),
	}

	// Renamed assets are stale under their old name.
	assert.Equal(t, []string{
		livePath("old.html"),
		livePath("static/app.1111.js"),
	}, StaleFiles(liveFiles, tempFiles, testLiveRoot, testTempRoot))

	assert.Empty(t, StaleFiles(nil, tempFiles, testLiveRoot, testTempRoot))
	assert.Equal(t, liveFiles, StaleFiles(liveFiles, nil, testLiveRoot, testTempRoot))
}
