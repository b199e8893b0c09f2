package config

import "github.com/spf13/afero"

// fs is where config files are read from. Tests replace it with an in-memory
// filesystem.
var fs = afero.NewOsFs()
