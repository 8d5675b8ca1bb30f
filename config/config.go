// Package config parses the command line and the optional YAML
// configuration file of the apidbload command. The engine itself
// never reads these options, it receives an explicit writer.Config.
package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/osmtools/apidbload/writer"
)

// Config mirrors the YAML configuration file.
type Config struct {
	Connection           string `yaml:"connection"`
	Mode                 string `yaml:"mode"`
	ChangesetUser        int64  `yaml:"changeset_user"`
	MaxChangesetElements int    `yaml:"max_changeset_elements"`
	CacheDir             string `yaml:"cachedir"`
	TempDir              string `yaml:"tempdir"`
	KeepArtifact         string `yaml:"keep_artifact"`
	StatusInterval       int    `yaml:"status_interval"`
}

type _LoadOptions struct {
	Connection           string
	Mode                 string
	ChangesetUser        int64
	MaxChangesetElements int
	CacheDir             string
	TempDir              string
	KeepArtifact         string
	StatusInterval       int
	ConfigFile           string
	Read                 string
	Write                bool
	Quiet                bool
}

var LoadOptions = _LoadOptions{}

var LoadFlags = flag.NewFlagSet("load", flag.ExitOnError)

func init() {
	LoadFlags.Usage = UsageLoad
	LoadFlags.StringVar(&LoadOptions.Connection, "connection", "", "connection parameters")
	LoadFlags.StringVar(&LoadOptions.Mode, "mode", "isolated", "id assignment mode (isolated or shared)")
	LoadFlags.Int64Var(&LoadOptions.ChangesetUser, "changeset-user", 0, "user id owning the created changesets")
	LoadFlags.IntVar(&LoadOptions.MaxChangesetElements, "max-changeset-elements", 0, "elements per changeset")
	LoadFlags.StringVar(&LoadOptions.CacheDir, "cachedir", "", "spill id mappings to disk in this directory")
	LoadFlags.StringVar(&LoadOptions.TempDir, "tempdir", "", "directory for spill files and the artifact")
	LoadFlags.StringVar(&LoadOptions.KeepArtifact, "keep-artifact", "", "copy the finished artifact to this path")
	LoadFlags.IntVar(&LoadOptions.StatusInterval, "status-interval", 0, "elements between progress reports")
	LoadFlags.StringVar(&LoadOptions.ConfigFile, "config", "", "config file (yaml)")
	LoadFlags.StringVar(&LoadOptions.Read, "read", "", "PBF file to read")
	LoadFlags.BoolVar(&LoadOptions.Write, "write", false, "apply the artifact to the database")
	LoadFlags.BoolVar(&LoadOptions.Quiet, "quiet", false, "quiet log output")
}

func UsageLoad() {
	fmt.Fprintf(os.Stderr, "Usage: %s %s [args]\n\n", os.Args[0], "load")
	LoadFlags.PrintDefaults()
	os.Exit(2)
}

func ParseLoad(args []string) {
	if len(args) == 0 {
		UsageLoad()
	}
	if err := LoadFlags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := LoadOptions.updateFromConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if errs := LoadOptions.check(); len(errs) != 0 {
		fmt.Fprintln(os.Stderr, "errors in config/options:")
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "\t%s\n", err)
		}
		UsageLoad()
	}
}

func (o *_LoadOptions) updateFromConfig() error {
	if o.ConfigFile == "" {
		return nil
	}
	data, err := ioutil.ReadFile(o.ConfigFile)
	if err != nil {
		return err
	}
	conf := Config{}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return errors.Wrapf(err, "parsing config %s", o.ConfigFile)
	}

	if o.Connection == "" {
		o.Connection = conf.Connection
	}
	if o.Mode == "isolated" && conf.Mode != "" {
		o.Mode = conf.Mode
	}
	if o.ChangesetUser == 0 {
		o.ChangesetUser = conf.ChangesetUser
	}
	if o.MaxChangesetElements == 0 {
		o.MaxChangesetElements = conf.MaxChangesetElements
	}
	if o.CacheDir == "" {
		o.CacheDir = conf.CacheDir
	}
	if o.TempDir == "" {
		o.TempDir = conf.TempDir
	}
	if o.KeepArtifact == "" {
		o.KeepArtifact = conf.KeepArtifact
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = conf.StatusInterval
	}
	return nil
}

func (o *_LoadOptions) check() []error {
	errs := []error{}
	if o.Mode != "isolated" && o.Mode != "shared" {
		errs = append(errs, errors.New("only -mode=isolated or -mode=shared are supported"))
	}
	if o.Read == "" {
		errs = append(errs, errors.New("missing -read"))
	}
	if o.Connection == "" {
		errs = append(errs, errors.New("missing -connection"))
	}
	return errs
}

// WriterConfig builds the explicit engine configuration.
func (o *_LoadOptions) WriterConfig() (writer.Config, error) {
	conf := writer.Config{
		ChangesetUserID:      o.ChangesetUser,
		MaxChangesetElements: o.MaxChangesetElements,
		TempDir:              o.TempDir,
		CacheDir:             o.CacheDir,
		StatusInterval:       o.StatusInterval,
	}
	switch o.Mode {
	case "isolated":
		conf.Mode = writer.Isolated
	case "shared":
		conf.Mode = writer.Shared
	default:
		return conf, errors.Errorf("unknown mode %q", o.Mode)
	}
	return conf, nil
}
