package returnn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/hash"
)

// Model references one stored training epoch.
type Model struct {
	ConfigPath string
	ModelPath  string
	Epoch      int
}

// Checkpoint is a TensorFlow checkpoint; its identity is the index file.
type Checkpoint struct {
	CkptPath  string
	IndexPath string
}

// Rqmt declares the static resource requirements of a job. The pipeline
// engine enforces them; this core only reports them.
type Rqmt struct {
	GPU  int `json:"gpu"`
	CPU  int `json:"cpu"`
	Mem  int `json:"mem"`
	Time int `json:"time"`
}

// TrainingOptions configures a TrainingJob. Tool locations are explicit;
// there are no ambient defaults.
type TrainingOptions struct {
	TrainData map[string]any
	DevData   map[string]any
	Config    *Config

	NumClasses   int // 0 leaves num_outputs untouched
	LogVerbosity int
	Device       string
	NumEpochs    int
	SaveInterval int
	KeepEpochs   []int // nil keeps every stored epoch

	TimeRqmt int
	MemRqmt  int
	CPURqmt  int

	HorovodNumProcesses int

	ReturnnPythonExe string
	ReturnnRoot      string
}

// TrainingJob trains a model by invoking the external toolkit once,
// blocking until it exits.
type TrainingJob struct {
	opts TrainingOptions

	// config is the merged run configuration; identity hashing uses the
	// caller's original config instead.
	config     *Config
	userConfig map[string]any

	storedEpochs []int
	keepEpochs   map[int]struct{}
}

func NewTrainingJob(opts TrainingOptions) (*TrainingJob, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("returnn config is required")
	}
	if _, ok := opts.Config.Config["network"]; !ok {
		return nil, fmt.Errorf("returnn config must define a network")
	}
	if opts.Device == "" {
		opts.Device = "gpu"
	}
	if opts.Device != "gpu" && opts.Device != "cpu" {
		return nil, fmt.Errorf("device must be gpu or cpu, got %q", opts.Device)
	}
	if opts.LogVerbosity == 0 {
		opts.LogVerbosity = 3
	}
	if opts.NumEpochs <= 0 {
		opts.NumEpochs = 1
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = 1
	}
	if opts.CPURqmt <= 0 {
		opts.CPURqmt = 2
	}
	if opts.TimeRqmt <= 0 {
		opts.TimeRqmt = 4
	}
	if opts.MemRqmt <= 0 {
		opts.MemRqmt = 4
	}
	if opts.ReturnnPythonExe == "" {
		return nil, fmt.Errorf("returnn python executable is required")
	}
	if opts.ReturnnRoot == "" {
		return nil, fmt.Errorf("returnn root is required")
	}

	j := &TrainingJob{
		opts:       opts,
		userConfig: cloneMap(opts.Config.Config),
		config:     buildTrainingConfig(opts),
	}

	stored := make([]int, 0)
	for e := opts.SaveInterval; e < opts.NumEpochs; e += opts.SaveInterval {
		stored = append(stored, e)
	}
	stored = append(stored, opts.NumEpochs)
	j.storedEpochs = stored

	j.keepEpochs = make(map[int]struct{})
	if opts.KeepEpochs == nil {
		for _, e := range stored {
			j.keepEpochs[e] = struct{}{}
		}
	} else {
		for _, e := range opts.KeepEpochs {
			j.keepEpochs[e] = struct{}{}
		}
	}
	return j, nil
}

// buildTrainingConfig layers the job's base entries under the caller's
// config: regular entries that define the task, post entries that only
// steer the run.
func buildTrainingConfig(opts TrainingOptions) *Config {
	config := map[string]any{
		"task":               "train",
		"target":             "classes",
		"learning_rate_file": "learning_rates",
	}
	postConfig := map[string]any{
		"device":          opts.Device,
		"log":             []any{"./returnn.log"},
		"log_verbosity":   opts.LogVerbosity,
		"num_epochs":      opts.NumEpochs,
		"save_interval":   opts.SaveInterval,
		"multiprocessing": true,
	}
	if opts.HorovodNumProcesses > 0 {
		config["use_horovod"] = true
	}
	for k, v := range cloneMap(opts.Config.Config) {
		config[k] = v
	}
	for k, v := range cloneMap(opts.Config.PostConfig) {
		postConfig[k] = v
	}

	mergeData := func(key string, data map[string]any) {
		if existing, ok := config[key].(map[string]any); ok {
			merged := cloneMap(existing)
			for k, v := range data {
				merged[k] = v
			}
			config[key] = merged
		} else {
			config[key] = cloneMap(data)
		}
	}
	mergeData("train", opts.TrainData)
	mergeData("dev", opts.DevData)

	return &Config{
		Config:     config,
		PostConfig: postConfig,
		Prolog:     opts.Config.Prolog,
		Epilog:     opts.Config.Epilog,
		PrologHash: opts.Config.PrologHash,
		EpilogHash: opts.Config.EpilogHash,
	}
}

// StoredEpochs lists the epochs the toolkit will write, before KeepEpochs
// filtering.
func (j *TrainingJob) StoredEpochs() []int {
	return append([]int{}, j.storedEpochs...)
}

// Models lists the epoch models that survive cleanup.
func (j *TrainingJob) Models(outDir string) map[int]Model {
	suffix := ""
	if j.config.GetBool("use_tensorflow", false) {
		suffix = ".meta"
	}
	models := make(map[int]Model)
	for _, e := range j.storedEpochs {
		if _, ok := j.keepEpochs[e]; !ok {
			continue
		}
		models[e] = Model{
			ConfigPath: filepath.Join(outDir, "returnn.config"),
			ModelPath:  filepath.Join(outDir, "models", fmt.Sprintf("epoch.%03d%s", e, suffix)),
			Epoch:      e,
		}
	}
	return models
}

// Checkpoints lists TensorFlow checkpoints for the kept epochs; nil when
// the config does not use TensorFlow.
func (j *TrainingJob) Checkpoints(outDir string) map[int]Checkpoint {
	if !j.config.GetBool("use_tensorflow", false) {
		return nil
	}
	ckpts := make(map[int]Checkpoint)
	for _, e := range j.storedEpochs {
		if _, ok := j.keepEpochs[e]; !ok {
			continue
		}
		index := filepath.Join(outDir, "models", fmt.Sprintf("epoch.%03d.index", e))
		ckpts[e] = Checkpoint{
			CkptPath:  strings.TrimSuffix(index, ".index"),
			IndexPath: index,
		}
	}
	return ckpts
}

// Rqmt reports the declared resource requirements, scaled for horovod.
func (j *TrainingJob) Rqmt() Rqmt {
	r := Rqmt{
		CPU:  j.opts.CPURqmt,
		Mem:  j.opts.MemRqmt,
		Time: j.opts.TimeRqmt,
	}
	if j.opts.Device == "gpu" {
		r.GPU = 1
	}
	if j.opts.HorovodNumProcesses > 0 {
		r.GPU *= j.opts.HorovodNumProcesses
		r.CPU *= j.opts.HorovodNumProcesses
		r.Mem *= j.opts.HorovodNumProcesses
	}
	return r
}

func (j *TrainingJob) runCmd(outDir string) []string {
	cmd := []string{
		j.opts.ReturnnPythonExe,
		filepath.Join(j.opts.ReturnnRoot, "rnn.py"),
		filepath.Join(outDir, "returnn.config"),
	}
	if j.opts.HorovodNumProcesses > 0 {
		cmd = append([]string{
			"mpirun", "-np", strconv.Itoa(j.opts.HorovodNumProcesses),
			"-bind-to", "none", "-map-by", "slot",
			"-mca", "pml", "ob1", "-mca", "btl", "^openib",
			"--report-bindings",
		}, cmd...)
	}
	return cmd
}

// CreateFiles materializes returnn.config and the rnn.sh wrapper in
// outDir. Class counts are injected into num_outputs here, right before
// the config freezes. outDir is resolved to an absolute path before it is
// embedded in the config and run command, so the child process finds the
// files regardless of its working directory.
func (j *TrainingJob) CreateFiles(outDir string) error {
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return fmt.Errorf("resolve out dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(outDir, "models"), 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	if j.opts.NumClasses > 0 {
		numOutputs, ok := j.config.Config["num_outputs"].(map[string]any)
		if !ok {
			numOutputs = map[string]any{}
			j.config.Config["num_outputs"] = numOutputs
		}
		numOutputs["classes"] = []any{j.opts.NumClasses, 1}
	}
	j.config.PostConfig["model"] = filepath.Join(outDir, "models", "epoch")

	if err := j.config.Write(filepath.Join(outDir, "returnn.config")); err != nil {
		return err
	}

	script := "#!/usr/bin/env bash\n" + strings.Join(j.runCmd(outDir), " ")
	if err := os.WriteFile(filepath.Join(outDir, "rnn.sh"), []byte(script), 0o755); err != nil {
		return fmt.Errorf("write rnn.sh: %w", err)
	}
	return nil
}

// Run blocks on the training process, then relinks the learning-rate
// artifact, drops epochs outside KeepEpochs and writes the run manifest.
// A non-zero exit is a fatal job failure; there is no retry here.
func (j *TrainingJob) Run(ctx context.Context, outDir string) error {
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return fmt.Errorf("resolve out dir: %w", err)
	}
	args := j.runCmd(outDir)
	startedAt := time.Now().UTC()
	logrus.WithFields(logrus.Fields{
		"job":     "returnn-training",
		"command": strings.Join(args, " "),
	}).Info("starting training")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = outDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("training process failed: %w", err)
	}

	lrf, _ := j.config.Get("learning_rate_file", "learning_rates").(string)
	if err := relink(filepath.Join(outDir, lrf), filepath.Join(outDir, "learning_rates")); err != nil {
		return err
	}
	if err := j.cleanupEpochs(outDir); err != nil {
		return err
	}
	return j.writeManifest(outDir, args, startedAt)
}

func relink(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", dst, err)
	}
	if err := os.Link(src, dst); err != nil {
		return fmt.Errorf("link learning rates: %w", err)
	}
	return nil
}

// cleanupEpochs unlinks stored models outside the keep set. Pretrain
// epochs carry an extra name component.
func (j *TrainingJob) cleanupEpochs(outDir string) error {
	entries, err := os.ReadDir(filepath.Join(outDir, "models"))
	if err != nil {
		return fmt.Errorf("scan models dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "epoch.") {
			continue
		}
		parts := strings.Split(entry.Name(), ".")
		idx := 1
		if len(parts) > 2 && parts[1] == "pretrain" {
			idx = 2
		}
		if idx >= len(parts) {
			continue
		}
		epoch, err := strconv.Atoi(parts[idx])
		if err != nil {
			continue
		}
		if _, keep := j.keepEpochs[epoch]; !keep {
			if err := os.Remove(filepath.Join(outDir, "models", entry.Name())); err != nil {
				return fmt.Errorf("remove epoch artifact: %w", err)
			}
		}
	}
	return nil
}

// RunManifest records what a finished training run consisted of, so the
// pipeline engine can audit cached results.
type RunManifest struct {
	RunID        string   `json:"run_id"`
	JobIdentity  string   `json:"job_identity"`
	ConfigDigest string   `json:"config_digest"`
	ModelsDigest string   `json:"models_digest"`
	Command      []string `json:"command"`
	StartedAt    string   `json:"started_at"`
	FinishedAt   string   `json:"finished_at"`
	KeptEpochs   []int    `json:"kept_epochs"`
	Rqmt         Rqmt     `json:"rqmt"`
}

func (j *TrainingJob) writeManifest(outDir string, command []string, startedAt time.Time) error {
	identity, err := j.Identity()
	if err != nil {
		return err
	}
	configDigest, _, err := hash.DigestFile(filepath.Join(outDir, "returnn.config"))
	if err != nil {
		return err
	}
	modelsDigest, _, err := hash.DigestTree(filepath.Join(outDir, "models"))
	if err != nil {
		return err
	}

	kept := make([]int, 0, len(j.keepEpochs))
	for e := range j.keepEpochs {
		kept = append(kept, e)
	}
	sort.Ints(kept)

	manifest := RunManifest{
		RunID:        uuid.NewString(),
		JobIdentity:  identity,
		ConfigDigest: configDigest,
		ModelsDigest: modelsDigest,
		Command:      command,
		StartedAt:    startedAt.Format(time.RFC3339),
		FinishedAt:   time.Now().UTC().Format(time.RFC3339),
		KeptEpochs:   kept,
		Rqmt:         j.Rqmt(),
	}
	return writeJSON(filepath.Join(outDir, "run.json"), manifest)
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Identity hashes the caller's original config plus the declared side
// inputs. The merged run config and the post layer stay out, so cosmetic
// runtime settings never invalidate the cache.
func (j *TrainingJob) Identity() (string, error) {
	epilogHash := j.opts.Config.EpilogHash
	if epilogHash == "" {
		rendered, err := renderCode(j.opts.Config.Epilog)
		if err != nil {
			return "", err
		}
		epilogHash = rendered
	}
	h := map[string]any{
		"returnn_config":     j.userConfig,
		"extra_python":       epilogHash,
		"returnn_python_exe": j.opts.ReturnnPythonExe,
		"returnn_root":       j.opts.ReturnnRoot,
		"train_data":         j.opts.TrainData,
		"dev_data":           j.opts.DevData,
	}
	if j.opts.HorovodNumProcesses > 0 {
		h["horovod_num_processes"] = j.opts.HorovodNumProcesses
	}
	return hash.Digest(h)
}
