package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/kpublish/cmd/util"
	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout         io.Writer = os.Stdout
	stdin          io.Reader = os.Stdin
	guessDefaults            = guessDefaultsImpl
	readConfig               = config.Read
	writeConfig              = config.Write
	stat                     = os.Stat
	getHomeDir               = os.UserHomeDir
	getCurrentUser           = user.Current
)

// New creates a new `config` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or update the kpublish config",
		Long: "Interactively describe the server and the first upload, and\n" +
			"write them to the kpublish config.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(configPath); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"The path to write the kpublish config to")
	return cmd
}

// SetupConfig prompts for the config and writes it to `path`.
func SetupConfig(path string) error {
	cfg, err := generateConfig(path)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeConfig(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func requiredFn(field string) func(string) (string, bool) {
	return func(resp string) (string, bool) {
		if strings.TrimSpace(resp) == "" {
			return fmt.Sprintf("The %s is required.", field), false
		}
		return "", true
	}
}

func serverDirValidationFn(dir string) (string, bool) {
	if !path.IsAbs(dir) {
		return "The server directory must be an absolute path, " +
			"such as /srv/www.", false
	}
	if path.Clean(dir) == "/" {
		return "Publishing replaces the contents of the server directory, " +
			"so it can't be the root directory.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the config should
// be. Fields that are already in the config at `path` are kept, and offered
// as answers.
func generateConfig(path string) (config.Config, error) {
	defaults := guessDefaults()
	currConfig, err := readConfig(path)
	if err != nil {
		currConfig = config.Config{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	var upload config.Upload
	if len(cfg.Uploads) != 0 {
		upload = cfg.Uploads[0]
	}

	prompts := []prompt{
		{
			helpString:   "Enter the hostname or IP address of the server to publish to.",
			prompt:       "Server host",
			currAnswer:   currConfig.Server.Host,
			field:        &cfg.Server.Host,
			validationFn: requiredFn("host"),
		},
		{
			helpString:    "Enter the user to log in to the server as.",
			prompt:        "Server user",
			defaultAnswer: defaults.Server.Username,
			currAnswer:    currConfig.Server.Username,
			field:         &cfg.Server.Username,
			validationFn:  requiredFn("user"),
		},
		{
			helpString: "Enter the private key used to log in to the server.\n" +
				"Leave it empty to be prompted for a password when publishing.",
			prompt:        "Private key file",
			defaultAnswer: defaults.Server.PrivateKeyFile,
			currAnswer:    currConfig.Server.PrivateKeyFile,
			field:         &cfg.Server.PrivateKeyFile,
		},
		{
			helpString: "Enter the local directory containing the build output.\n" +
				"Relative paths are relative to the config file.",
			prompt:        "Build output directory",
			defaultAnswer: defaults.Uploads[0].Dir,
			currAnswer:    upload.Dir,
			field:         &upload.Dir,
			validationFn:  requiredFn("build output directory"),
		},
		{
			helpString: "Enter the directory on the server to publish into.\n" +
				"The build output is published to a subdirectory with the same name.",
			prompt:       "Server directory",
			currAnswer:   upload.ServerDir,
			field:        &upload.ServerDir,
			validationFn: serverDirValidationFn,
		},
	}

	stdinReader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(stdinReader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Config{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if len(cfg.Uploads) == 0 {
		cfg.Uploads = []config.Upload{upload}
	} else {
		cfg.Uploads = append([]config.Upload{upload}, cfg.Uploads[1:]...)
	}
	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the
// config.
func guessDefaultsImpl() (cfg config.Config) {
	cfg.Uploads = []config.Upload{{}}

	if u, err := getCurrentUser(); err == nil {
		cfg.Server.Username = u.Username
	} else {
		log.WithError(err).Info("Failed to guess user")
	}

	if key, err := guessPrivateKey(); err == nil {
		cfg.Server.PrivateKeyFile = key
	} else {
		log.WithError(err).Info("Failed to guess private key")
	}

	cfg.Uploads[0].Dir = guessBuildDir()
	return cfg
}

// guessPrivateKey returns the first default SSH key that exists.
func guessPrivateKey() (string, error) {
	home, err := getHomeDir()
	if err != nil {
		return "", errors.WithContext(err, "get home directory")
	}

	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		key := filepath.Join(home, ".ssh", name)
		if _, err := stat(key); err == nil {
			return "~/.ssh/" + name, nil
		} else if !os.IsNotExist(err) {
			return "", errors.WithContext(err, "stat")
		}
	}
	return "", nil
}

// guessBuildDir returns the first common build output directory in the
// current directory.
func guessBuildDir() string {
	for _, dir := range []string{"dist", "build", "public"} {
		if fi, err := stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return ""
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {

	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimSpace(choiceStr)

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
