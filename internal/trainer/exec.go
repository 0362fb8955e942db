package trainer

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/logging"
)

// ExecTrainer drives an external training command. Each operation writes a
// JSON run spec, invokes the command with a subcommand and the spec path, and
// reads results back from the output directory. The command is expected to
// write an updated artifact (with manifest) on train and a metrics.json on
// evaluate; during train it may additionally keep a progress.json in the
// output directory current so per-epoch progress can be surfaced.
type ExecTrainer struct {
	command string
}

// metricsFileName is written by the external command on evaluate.
const metricsFileName = "metrics.json"

// progressFileName may be rewritten by the external command after each epoch
// during train. It is optional; a command that never writes it still reports
// start and end of the run.
const progressFileName = "progress.json"

// progressPollInterval controls how often the progress file is re-read while
// the train subcommand runs.
var progressPollInterval = 2 * time.Second

// progressFile mirrors the document the external command writes.
type progressFile struct {
	Epoch       int `json:"epoch"`
	TotalEpochs int `json:"total_epochs"`
}

// NewExecTrainer creates a trainer that shells out to the configured command.
func NewExecTrainer(command string) *ExecTrainer {
	return &ExecTrainer{command: command}
}

// runSpec is the JSON document handed to the external command.
type runSpec struct {
	BaseArtifact string              `json:"base_artifact,omitempty"`
	Architecture string              `json:"architecture,omitempty"`
	OutputDir    string              `json:"output_dir"`
	Config       conf.TrainingConfig `json:"config"`
	Dataset      *Dataset            `json:"dataset"`
}

// LoadBaseModel reads the artifact manifest and detects the architecture
// from its parameter shapes.
func (t *ExecTrainer) LoadBaseModel(ctx context.Context, artifactPath string) (*Model, error) {
	manifest, err := LoadManifest(artifactPath)
	if err != nil {
		return nil, err
	}

	arch, err := DetectArchitecture(manifest.Tensors)
	if err != nil {
		return nil, err
	}

	return &Model{
		Architecture: arch,
		ArtifactPath: artifactPath,
		Manifest:     manifest,
	}, nil
}

// FineTune invokes the external command with the "train" subcommand. The
// command writes the fine-tuned artifact into a fresh output directory and
// may keep a progress.json there up to date per epoch; it is polled while the
// command runs so progress reflects the in-flight epoch when the command
// reports it, and falls back to start/end otherwise.
func (t *ExecTrainer) FineTune(ctx context.Context, base *Model, train *Dataset, cfg conf.TrainingConfig, progress ProgressFunc) (*Model, error) {
	outputDir, err := os.MkdirTemp("", "flywheel-train-*")
	if err != nil {
		return nil, trainerError(err, "create-output-dir")
	}

	spec := runSpec{
		OutputDir: outputDir,
		Config:    cfg,
		Dataset:   train,
	}
	if base != nil {
		spec.BaseArtifact = base.ArtifactPath
		spec.Architecture = base.Architecture
	}

	if progress != nil {
		progress(0, cfg.Epochs)
	}

	stopWatch := watchProgress(outputDir, cfg.Epochs, progress)
	err = t.run(ctx, "train", &spec)
	stopWatch()
	if err != nil {
		return nil, err
	}

	if progress != nil {
		progress(cfg.Epochs, cfg.Epochs)
	}

	manifest, err := LoadManifest(outputDir)
	if err != nil {
		return nil, err
	}

	arch := spec.Architecture
	if arch == "" {
		if detected, err := DetectArchitecture(manifest.Tensors); err == nil {
			arch = detected
		}
	}

	return &Model{
		Architecture: arch,
		ArtifactPath: outputDir,
		Manifest:     manifest,
	}, nil
}

// watchProgress polls the progress file in dir until the returned stop
// function is called. A nil progress makes it a no-op.
func watchProgress(dir string, configuredEpochs int, progress ProgressFunc) (stop func()) {
	if progress == nil {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p, ok := readProgress(dir); ok {
					total := p.TotalEpochs
					if total <= 0 {
						total = configuredEpochs
					}
					progress(p.Epoch, total)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// readProgress reads the progress file in dir. ok is false when the file is
// absent or unparseable, which callers treat as "no update".
func readProgress(dir string) (p progressFile, ok bool) {
	raw, err := os.ReadFile(filepath.Join(dir, progressFileName))
	if err != nil {
		return progressFile{}, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return progressFile{}, false
	}
	return p, true
}

// Evaluate invokes the external command with the "eval" subcommand and reads
// the metrics it writes.
func (t *ExecTrainer) Evaluate(ctx context.Context, m *Model, validation *Dataset) (map[string]float64, error) {
	spec := runSpec{
		BaseArtifact: m.ArtifactPath,
		Architecture: m.Architecture,
		OutputDir:    m.ArtifactPath,
		Dataset:      validation,
	}

	if err := t.run(ctx, "eval", &spec); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(m.ArtifactPath, metricsFileName))
	if err != nil {
		return nil, trainerError(err, "read-metrics")
	}

	var metrics map[string]float64
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, trainerError(err, "parse-metrics")
	}
	return metrics, nil
}

// Save moves the trained artifact to its final path.
func (t *ExecTrainer) Save(ctx context.Context, m *Model, path string) error {
	if m.ArtifactPath == path {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trainerError(err, "create-artifact-dir")
	}
	if err := os.Rename(m.ArtifactPath, path); err != nil {
		return trainerError(err, "move-artifact")
	}
	m.ArtifactPath = path
	return nil
}

// run writes the spec to a temp file and executes one subcommand.
func (t *ExecTrainer) run(ctx context.Context, subcommand string, spec *runSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return trainerError(err, "marshal-spec")
	}

	specFile, err := os.CreateTemp("", "flywheel-spec-*.json")
	if err != nil {
		return trainerError(err, "create-spec-file")
	}
	specPath := specFile.Name()
	defer os.Remove(specPath)

	if _, err := specFile.Write(raw); err != nil {
		specFile.Close()
		return trainerError(err, "write-spec-file")
	}
	if err := specFile.Close(); err != nil {
		return trainerError(err, "close-spec-file")
	}

	logger := logging.ForService("trainer")
	logger.Info("invoking external trainer",
		"command", t.command, "subcommand", subcommand, "samples", spec.Dataset.Len())

	cmd := exec.CommandContext(ctx, t.command, subcommand, "--spec", specPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("external trainer failed",
			"subcommand", subcommand, "error", err, "output", string(output))
		return trainerCommandError(err, subcommand, string(output))
	}

	return nil
}
