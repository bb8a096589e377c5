package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/papar22/i6-core/internal/report"
	"github.com/papar22/i6-core/internal/returnn"
	"github.com/papar22/i6-core/internal/segments"
	"github.com/papar22/i6-core/internal/store"
	"github.com/papar22/i6-core/pkg/schema"
)

const (
	exitValidation = 2
	exitTraining   = 3
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:   "i6core",
		Short: "Corpus segmentation and RETURNN training jobs",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.AddCommand(newInitCommand())
	root.AddCommand(newSegmentCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newTrainCommand())
	root.AddCommand(newReportCommand())
	return root
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default i6core settings file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if fileExists("i6core.yaml") {
				fmt.Println("i6core.yaml already exists")
				return nil
			}
			if err := os.WriteFile("i6core.yaml", []byte(defaultSettingsYAML), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote i6core.yaml")
			return nil
		},
	}
}

// settings carries the external tool locations. They are explicit inputs:
// nothing here is read from the process environment.
type settings struct {
	Returnn struct {
		PythonExe string `yaml:"python_exe"`
		Root      string `yaml:"root"`
	} `yaml:"returnn"`
}

func loadSettings(path string) (settings, error) {
	var s settings
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

func newSegmentCommand() *cobra.Command {
	segmentCmd := &cobra.Command{Use: "segment", Short: "Segment list jobs"}
	segmentCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "reuse finished job outputs from this directory")
	segmentCmd.AddCommand(newSegmentCorpusCommand())
	segmentCmd.AddCommand(newSegmentSplitFileCommand())
	segmentCmd.AddCommand(newSegmentBySpeakerCommand())
	segmentCmd.AddCommand(newSegmentByRegexCommand())
	segmentCmd.AddCommand(newSegmentShuffleSplitCommand())
	segmentCmd.AddCommand(newSegmentSortLengthCommand())
	segmentCmd.AddCommand(newSegmentUpdateMapCommand())
	return segmentCmd
}

func newSegmentCorpusCommand() *cobra.Command {
	var corpusPath, outDir string
	var num int
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Chunk corpus segments into N files",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := segments.NewSegmentCorpusJob(corpusPath, num)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "bliss corpus file")
	cmd.Flags().IntVar(&num, "num", 1, "number of segment files")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentSplitFileCommand() *cobra.Command {
	var segmentFile, outDir string
	var concurrent int
	cmd := &cobra.Command{
		Use:   "split-file",
		Short: "Split a segment file into N files",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := segments.NewSplitSegmentFileJob(segmentFile, concurrent)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&segmentFile, "segments", "", "segment file")
	cmd.Flags().IntVar(&concurrent, "concurrent", 1, "number of output files")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentBySpeakerCommand() *cobra.Command {
	var corpusPath, outDir string
	cmd := &cobra.Command{
		Use:   "by-speaker",
		Short: "Partition corpus segments by speaker",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := segments.NewSpeakerPartitionJob(corpusPath)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "bliss corpus file")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentByRegexCommand() *cobra.Command {
	var corpusPath, pattern, groupsRaw, outDir string
	var useFullName bool
	cmd := &cobra.Command{
		Use:   "by-regex",
		Short: "Partition corpus segments by a regex over segment names",
		RunE: func(_ *cobra.Command, _ []string) error {
			groups, err := parseIntList(groupsRaw)
			if err != nil {
				return cliError{code: exitValidation, err: fmt.Errorf("parse --groups: %w", err)}
			}
			job, err := segments.NewRegexPartitionJob(corpusPath, pattern, groups, useFullName)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "bliss corpus file")
	cmd.Flags().StringVar(&pattern, "regex", "", "cluster regex")
	cmd.Flags().StringVar(&groupsRaw, "groups", "", "comma-separated capture group numbers (default 1)")
	cmd.Flags().BoolVar(&useFullName, "use-fullname", false, "match against the full segment name")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentShuffleSplitCommand() *cobra.Command {
	var segmentFile, splitRaw, outDir string
	var noShuffle bool
	var seed int64
	cmd := &cobra.Command{
		Use:   "shuffle-split",
		Short: "Shuffle a segment file and split it into named subsets",
		RunE: func(_ *cobra.Command, _ []string) error {
			split := segments.DefaultSplit()
			if splitRaw != "" {
				var err error
				split, err = parseSplitSpec(splitRaw)
				if err != nil {
					return cliError{code: exitValidation, err: err}
				}
			}
			job, err := segments.NewShuffleAndSplitJob(segmentFile, split, !noShuffle, seed)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&segmentFile, "segments", "", "segment file")
	cmd.Flags().StringVar(&splitRaw, "split", "", `subset ratios, e.g. "train=0.9,dev=0.1"`)
	cmd.Flags().BoolVar(&noShuffle, "no-shuffle", false, "split in input order")
	cmd.Flags().Int64Var(&seed, "seed", segments.DefaultShuffleSeed, "shuffle seed")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentSortLengthCommand() *cobra.Command {
	var corpusPath, segmentFile, outDir string
	var strength float64
	var seed int64
	cmd := &cobra.Command{
		Use:   "sort-length",
		Short: "Reorder segments by a length-weighted random draw",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := segments.NewLengthShuffleJob(corpusPath, segmentFile, strength, seed)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "bliss corpus file")
	cmd.Flags().StringVar(&segmentFile, "segments", "", "segment file")
	cmd.Flags().Float64Var(&strength, "strength", 1.0, "length bias strength (0 is a plain shuffle)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "draw seed")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func newSegmentUpdateMapCommand() *cobra.Command {
	var segmentFile, mapFile, outDir string
	cmd := &cobra.Command{
		Use:   "update-map",
		Short: "Rewrite segment names through a segment map",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := segments.NewUpdateSegmentsJob(segmentFile, mapFile)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			return runJob(job, outDir)
		},
	}
	cmd.Flags().StringVar(&segmentFile, "segments", "", "segment file")
	cmd.Flags().StringVar(&mapFile, "map", "", "segment map XML")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

// job is what every segment job satisfies; the CLI only runs and reports.
type job interface {
	Run(outDir string) error
	Identity() (string, error)
}

// cacheDir is the shared --cache-dir value of the segment subcommands.
var cacheDir string

// runJob executes j into outDir, or into an identity-keyed cache entry
// when --cache-dir is set. Cached entries are reused without rerunning.
func runJob(j job, outDir string) error {
	identity, err := j.Identity()
	if err != nil {
		return err
	}
	if cacheDir != "" {
		cache, err := store.New(cacheDir)
		if err != nil {
			return err
		}
		if cache.Has(identity) {
			logrus.WithField("identity", identity).Info("reusing cached outputs")
			fmt.Println(cache.Dir(identity))
			return nil
		}
		entry, err := cache.Begin(identity)
		if err != nil {
			return err
		}
		if err := j.Run(entry); err != nil {
			return err
		}
		if err := cache.Commit(identity); err != nil {
			return err
		}
		fmt.Println(entry)
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	if err := j.Run(outDir); err != nil {
		return err
	}
	fmt.Println(identity)
	return nil
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "RETURNN config operations"}

	var inPath, outPath string
	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Serialize a config description to a returnn.config file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfigDescription(inPath)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			if err := cfg.Write(outPath); err != nil {
				return err
			}
			fmt.Println(outPath)
			return nil
		},
	}
	writeCmd.Flags().StringVar(&inPath, "in", "", "config description YAML")
	writeCmd.Flags().StringVar(&outPath, "out", "returnn.config", "output config path")

	var identityIn string
	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the cache identity of a config description",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfigDescription(identityIn)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			identity, err := cfg.Identity()
			if err != nil {
				return err
			}
			fmt.Println(identity)
			return nil
		},
	}
	identityCmd.Flags().StringVar(&identityIn, "in", "", "config description YAML")

	configCmd.AddCommand(writeCmd)
	configCmd.AddCommand(identityCmd)
	return configCmd
}

// configDescription is the on-disk YAML form of a RETURNN config.
type configDescription struct {
	Config       map[string]any `yaml:"config"`
	PostConfig   map[string]any `yaml:"post_config"`
	PythonProlog string         `yaml:"python_prolog"`
	PythonEpilog string         `yaml:"python_epilog"`
}

func loadConfigDescription(path string) (*returnn.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--in is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc configDescription
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parse config description %s: %w", path, err)
	}
	cfg := returnn.NewConfig(desc.Config, desc.PostConfig)
	if desc.PythonProlog != "" {
		cfg.Prolog = returnn.CodeText(desc.PythonProlog)
	}
	if desc.PythonEpilog != "" {
		cfg.Epilog = returnn.CodeText(desc.PythonEpilog)
	}
	return cfg, nil
}

func newTrainCommand() *cobra.Command {
	trainCmd := &cobra.Command{Use: "train", Short: "RETURNN training jobs"}
	trainCmd.AddCommand(newTrainRunCommand())
	trainCmd.AddCommand(newTrainFromFileCommand())
	return trainCmd
}

func newTrainRunCommand() *cobra.Command {
	var jobPath, outDir, schemaPath, settingsPath string
	var pythonExe, returnnRoot string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a training job described by a YAML job file",
		RunE: func(c *cobra.Command, _ []string) error {
			opts, err := loadTrainingJob(jobPath, schemaPath)
			if err != nil {
				return err
			}
			if err := resolveTools(&opts, settingsPath, pythonExe, returnnRoot); err != nil {
				return cliError{code: exitValidation, err: err}
			}
			job, err := returnn.NewTrainingJob(opts)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			if err := job.CreateFiles(outDir); err != nil {
				return err
			}
			if dryRun {
				identity, err := job.Identity()
				if err != nil {
					return err
				}
				fmt.Println(identity)
				return nil
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := job.Run(ctx, outDir); err != nil {
				return cliError{code: exitTraining, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "training job YAML")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().StringVar(&schemaPath, "schema", "schemas/v1/training_job.schema.json", "job schema path")
	cmd.Flags().StringVar(&settingsPath, "settings", "i6core.yaml", "settings file with tool locations")
	cmd.Flags().StringVar(&pythonExe, "returnn-python-exe", "", "override the python executable")
	cmd.Flags().StringVar(&returnnRoot, "returnn-root", "", "override the RETURNN source directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "write returnn.config and rnn.sh without training")
	return cmd
}

func newTrainFromFileCommand() *cobra.Command {
	var configPath, outDir, settingsPath string
	var pythonExe, returnnRoot string
	var params []string
	cmd := &cobra.Command{
		Use:   "from-file",
		Short: "Run an existing config file with ++key value overrides",
		RunE: func(c *cobra.Command, _ []string) error {
			parameters, err := parseParams(params)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			var opts returnn.TrainingOptions
			if err := resolveTools(&opts, settingsPath, pythonExe, returnnRoot); err != nil {
				return cliError{code: exitValidation, err: err}
			}
			job, err := returnn.NewTrainingFromFileJob(configPath, parameters, opts)
			if err != nil {
				return cliError{code: exitValidation, err: err}
			}
			if err := job.CreateFiles(outDir); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := job.Run(ctx, outDir); err != nil {
				return cliError{code: exitTraining, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "existing returnn config file")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().StringArrayVar(&params, "param", nil, "external parameter, key=value (repeatable)")
	cmd.Flags().StringVar(&settingsPath, "settings", "i6core.yaml", "settings file with tool locations")
	cmd.Flags().StringVar(&pythonExe, "returnn-python-exe", "", "override the python executable")
	cmd.Flags().StringVar(&returnnRoot, "returnn-root", "", "override the RETURNN source directory")
	return cmd
}

// trainingJobFile is the YAML job description, schema-checked before use.
type trainingJobFile struct {
	TrainData           map[string]any `yaml:"train_data"`
	DevData             map[string]any `yaml:"dev_data"`
	Config              map[string]any `yaml:"config"`
	PostConfig          map[string]any `yaml:"post_config"`
	PythonProlog        string         `yaml:"python_prolog"`
	PythonEpilog        string         `yaml:"python_epilog"`
	NumClasses          int            `yaml:"num_classes"`
	LogVerbosity        int            `yaml:"log_verbosity"`
	Device              string         `yaml:"device"`
	NumEpochs           int            `yaml:"num_epochs"`
	SaveInterval        int            `yaml:"save_interval"`
	KeepEpochs          []int          `yaml:"keep_epochs"`
	TimeRqmt            int            `yaml:"time_rqmt"`
	MemRqmt             int            `yaml:"mem_rqmt"`
	CPURqmt             int            `yaml:"cpu_rqmt"`
	HorovodNumProcesses int            `yaml:"horovod_num_processes"`
}

func loadTrainingJob(jobPath, schemaPath string) (returnn.TrainingOptions, error) {
	var opts returnn.TrainingOptions
	if jobPath == "" {
		return opts, cliError{code: exitValidation, err: fmt.Errorf("--job is required")}
	}
	raw, err := os.ReadFile(jobPath)
	if err != nil {
		return opts, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return opts, cliError{code: exitValidation, err: fmt.Errorf("parse job file %s: %w", jobPath, err)}
	}
	if err := schema.Validate(schemaPath, doc); err != nil {
		var verr *schema.ViolationError
		if errors.As(err, &verr) {
			return opts, cliError{code: exitValidation, err: verr}
		}
		return opts, err
	}

	var file trainingJobFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return opts, cliError{code: exitValidation, err: fmt.Errorf("parse job file %s: %w", jobPath, err)}
	}

	cfg := returnn.NewConfig(file.Config, file.PostConfig)
	if file.PythonProlog != "" {
		cfg.Prolog = returnn.CodeText(file.PythonProlog)
	}
	if file.PythonEpilog != "" {
		cfg.Epilog = returnn.CodeText(file.PythonEpilog)
	}
	return returnn.TrainingOptions{
		TrainData:           file.TrainData,
		DevData:             file.DevData,
		Config:              cfg,
		NumClasses:          file.NumClasses,
		LogVerbosity:        file.LogVerbosity,
		Device:              file.Device,
		NumEpochs:           file.NumEpochs,
		SaveInterval:        file.SaveInterval,
		KeepEpochs:          file.KeepEpochs,
		TimeRqmt:            file.TimeRqmt,
		MemRqmt:             file.MemRqmt,
		CPURqmt:             file.CPURqmt,
		HorovodNumProcesses: file.HorovodNumProcesses,
	}, nil
}

// resolveTools fills the tool locations, flags winning over the settings
// file. The settings file is optional once both flags are given.
func resolveTools(opts *returnn.TrainingOptions, settingsPath, pythonExe, returnnRoot string) error {
	opts.ReturnnPythonExe = pythonExe
	opts.ReturnnRoot = returnnRoot
	if opts.ReturnnPythonExe != "" && opts.ReturnnRoot != "" {
		return nil
	}
	s, err := loadSettings(settingsPath)
	if err != nil {
		return err
	}
	if opts.ReturnnPythonExe == "" {
		opts.ReturnnPythonExe = s.Returnn.PythonExe
	}
	if opts.ReturnnRoot == "" {
		opts.ReturnnRoot = s.Returnn.Root
	}
	return nil
}

func newReportCommand() *cobra.Command {
	var inDir, outPath, format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize training run manifests",
		RunE: func(_ *cobra.Command, _ []string) error {
			summary, err := report.Collect(inDir)
			if err != nil {
				return err
			}
			switch format {
			case "md":
				if err := report.WriteMarkdown(outPath, summary); err != nil {
					return err
				}
			case "json":
				if err := report.WriteJSON(outPath, summary); err != nil {
					return err
				}
			default:
				return cliError{code: exitValidation, err: fmt.Errorf("unsupported format %s", format)}
			}
			fmt.Println(outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inDir, "in", ".", "directory to scan for run.json manifests")
	cmd.Flags().StringVar(&outPath, "out", "report.md", "output path")
	cmd.Flags().StringVar(&format, "format", "md", "output format (md|json)")
	return cmd
}

func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, p := range raw {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[key] = f
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func parseSplitSpec(raw string) (segments.SplitSpec, error) {
	split := segments.SplitSpec{}
	for _, part := range strings.Split(raw, ",") {
		name, ratio, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid split entry %q, expected name=ratio", part)
		}
		f, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid split ratio %q: %w", ratio, err)
		}
		split[name] = f
	}
	return split, nil
}

func parseIntList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const defaultSettingsYAML = `returnn:
  python_exe: /usr/bin/python3
  root: /opt/returnn
`
