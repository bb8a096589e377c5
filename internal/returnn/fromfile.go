package returnn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/hash"
)

// TrainingFromFileJob runs an existing config file directly. The file must
// read its externally controlled values via config.value, e.g.
// `ext_model = config.value("ext_model", None)`; the job passes them as
// `++key value` command-line overrides. The "ext_" prefix is a naming
// convention that keeps overrides from silently shadowing normal entries.
type TrainingFromFileJob struct {
	ConfigFile string
	Parameters map[string]any

	TimeRqmt int
	MemRqmt  int

	ReturnnPythonExe string
	ReturnnRoot      string
}

func NewTrainingFromFileJob(configFile string, parameters map[string]any, opts TrainingOptions) (*TrainingFromFileJob, error) {
	if configFile == "" {
		return nil, fmt.Errorf("config file is required")
	}
	if opts.ReturnnPythonExe == "" {
		return nil, fmt.Errorf("returnn python executable is required")
	}
	if opts.ReturnnRoot == "" {
		return nil, fmt.Errorf("returnn root is required")
	}
	if parameters == nil {
		parameters = map[string]any{}
	}
	timeRqmt := opts.TimeRqmt
	if timeRqmt <= 0 {
		timeRqmt = 4
	}
	memRqmt := opts.MemRqmt
	if memRqmt <= 0 {
		memRqmt = 4
	}
	return &TrainingFromFileJob{
		ConfigFile:       configFile,
		Parameters:       parameters,
		TimeRqmt:         timeRqmt,
		MemRqmt:          memRqmt,
		ReturnnPythonExe: opts.ReturnnPythonExe,
		ReturnnRoot:      opts.ReturnnRoot,
	}, nil
}

func (j *TrainingFromFileJob) Rqmt() Rqmt {
	return Rqmt{GPU: 1, CPU: 2, Mem: j.MemRqmt, Time: j.TimeRqmt}
}

// ParameterList renders the overrides as sorted ++key value pairs.
// Negative numbers get a leading "+" so the toolkit's argument parser does
// not mistake them for flags; collections render without spaces.
func (j *TrainingFromFileJob) ParameterList(outDir string) []string {
	params := map[string]any{
		"ext_model":              filepath.Join(outDir, "models", "epoch"),
		"ext_learning_rate_file": filepath.Join(outDir, "learning_rates"),
	}
	for k, v := range j.Parameters {
		params[k] = v
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		list = append(list, "++"+k, formatParameter(params[k]))
	}
	return list
}

func formatParameter(v any) string {
	switch vv := v.(type) {
	case int:
		if vv < 0 {
			return "+" + strconv.Itoa(vv)
		}
		return strconv.Itoa(vv)
	case float64:
		s := strconv.FormatFloat(vv, 'g', -1, 64)
		if vv < 0 {
			return "+" + s
		}
		return s
	case []any, map[string]any:
		repr, _ := pyRepr(vv)
		return `"` + strings.ReplaceAll(repr, " ", "") + `"`
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// CreateFiles copies the config into outDir and writes the rnn.sh wrapper
// carrying the parameter overrides. outDir is resolved to an absolute path
// before it is embedded in the script, so the wrapper works regardless of
// the child's working directory.
func (j *TrainingFromFileJob) CreateFiles(outDir string) error {
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return fmt.Errorf("resolve out dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(outDir, "models"), 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	if err := copyFile(j.ConfigFile, filepath.Join(outDir, "returnn.config")); err != nil {
		return err
	}
	cmd := append([]string{
		j.ReturnnPythonExe,
		filepath.Join(j.ReturnnRoot, "rnn.py"),
		filepath.Join(outDir, "returnn.config"),
	}, j.ParameterList(outDir)...)
	script := "#!/usr/bin/env bash\n" + strings.Join(cmd, " ")
	if err := os.WriteFile(filepath.Join(outDir, "rnn.sh"), []byte(script), 0o755); err != nil {
		return fmt.Errorf("write rnn.sh: %w", err)
	}
	return nil
}

// Run executes the wrapper script, blocking until training exits.
func (j *TrainingFromFileJob) Run(ctx context.Context, outDir string) error {
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return fmt.Errorf("resolve out dir: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"job":    "returnn-training-from-file",
		"config": j.ConfigFile,
	}).Info("starting training")

	cmd := exec.CommandContext(ctx, "./rnn.sh")
	cmd.Dir = outDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("training process failed: %w", err)
	}
	return nil
}

// Identity hashes the config file path and overrides, not the file
// contents: the original path names a versioned artifact.
func (j *TrainingFromFileJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"returnn_config_file": j.ConfigFile,
		"parameter_dict":      j.Parameters,
		"returnn_python_exe":  j.ReturnnPythonExe,
		"returnn_root":        j.ReturnnRoot,
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy config: %w", err)
	}
	return out.Close()
}
