// Package deriver produces per-job training config artifacts from shared
// templates. Only the recognized output-path literals are rewritten, by
// literal text substitution, so the rest of the template structure passes
// through byte for byte.
package deriver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultTempDir is where derived configs are written, relative to the
// working directory.
const DefaultTempDir = "temp_configs"

// The output-path literals a template is expected to carry: the checkpoint
// path and the result-model path. Both single and double quoted spellings
// are recognized.
var rewriteKeys = []string{"filepath", "model_path"}

const baseModelName = "best_model"

type derivationError struct{ msg string }

func (e derivationError) Error() string { return e.msg }

// ErrDerivation constructs a config derivation error. Derivation errors are
// fatal for the whole run: they abort before any job launches.
func ErrDerivation(format string, a ...any) error {
	return derivationError{msg: fmt.Sprintf(format, a...)}
}

// IsDerivation reports whether err is a config derivation failure.
func IsDerivation(err error) bool {
	_, ok := err.(derivationError)
	return ok
}

// Deriver copies config templates into job-unique artifacts.
type Deriver struct {
	tempDir string
	log     zerolog.Logger
	derived []string
	now     func() time.Time
}

// New constructs a Deriver writing derived artifacts under dir
// (DefaultTempDir if empty).
func New(dir string, log zerolog.Logger) *Deriver {
	if dir == "" {
		dir = DefaultTempDir
	}
	return &Deriver{tempDir: dir, log: log, now: time.Now}
}

// Load parses a structured config template. Malformed input is an error for
// this call.
func (d *Deriver) Load(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrDerivation("read template %s: %v", path, err)
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, ErrDerivation("parse template %s: %v", path, err)
	}
	return cfg, nil
}

// Derive copies the template verbatim except for the recognized output-path
// literals, which gain a job-unique suffix so concurrently running jobs
// cannot overwrite each other's artifacts. Returns the derived artifact.
func (d *Deriver) Derive(templatePath string, jobID int) (Derived, error) {
	b, err := os.ReadFile(templatePath)
	if err != nil {
		return Derived{}, ErrDerivation("read template %s: %v", templatePath, err)
	}
	suffix := fmt.Sprintf("_job%d_%s", jobID, d.now().Format("20060102_150405"))

	content := string(b)
	for _, key := range rewriteKeys {
		content = rewriteLiteral(content, key, suffix)
	}

	if err := os.MkdirAll(d.tempDir, 0o755); err != nil {
		return Derived{}, ErrDerivation("create temp config dir: %v", err)
	}
	base := strings.TrimSuffix(filepath.Base(templatePath), filepath.Ext(templatePath))
	outPath := filepath.Join(d.tempDir, base+suffix+filepath.Ext(templatePath))
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return Derived{}, ErrDerivation("write derived config %s: %v", outPath, err)
	}
	d.derived = append(d.derived, outPath)
	d.log.Info().Int("job", jobID).Str("path", outPath).Msg("derived job config")
	return Derived{JobID: jobID, Path: outPath, TemplatePath: templatePath, Suffix: suffix}, nil
}

// Derived records one per-job config artifact for provenance.
type Derived struct {
	JobID        int
	Path         string
	TemplatePath string
	Suffix       string
}

// DeriveAll derives one config per template, job ids assigned by position.
func (d *Deriver) DeriveAll(templatePaths []string) ([]Derived, error) {
	out := make([]Derived, 0, len(templatePaths))
	for i, p := range templatePaths {
		dc, err := d.Derive(p, i)
		if err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, nil
}

// rewriteLiteral appends suffix to the base model name inside
// `key: 'best_model<ext>'` (or double-quoted) occurrences. The substitution
// is intentionally literal rather than structural so unrelated template
// structure is never perturbed.
func rewriteLiteral(content, key, suffix string) string {
	for _, q := range []string{"'", `"`} {
		needle := key + ": " + q + baseModelName + ".keras" + q
		if strings.Contains(content, needle) {
			replacement := key + ": " + q + baseModelName + suffix + ".keras" + q
			content = strings.ReplaceAll(content, needle, replacement)
		}
	}
	return content
}

// TemplateSummary is a structural peek at one template for reporting.
type TemplateSummary struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	BatchSize  any    `json:"batch_size"`
	Epochs     any    `json:"epochs"`
	ModelPath  any    `json:"model_path"`
	ParseError string `json:"parse_error,omitempty"`
}

// Summary loads each template structurally and reports its key training
// parameters. Parse failures are recorded per-template, not returned.
func (d *Deriver) Summary(templatePaths []string) []TemplateSummary {
	out := make([]TemplateSummary, 0, len(templatePaths))
	for i, p := range templatePaths {
		s := TemplateSummary{Index: i, Path: p}
		cfg, err := d.Load(p)
		if err != nil {
			s.ParseError = err.Error()
			out = append(out, s)
			continue
		}
		s.BatchSize = dig(cfg, "data_preprocessing", "batch_size")
		s.Epochs = dig(cfg, "model_training", "epochs")
		s.ModelPath = dig(cfg, "model_training", "checkpoint", "filepath")
		out = append(out, s)
	}
	return out
}

func dig(m map[string]any, keys ...string) any {
	cur := any(m)
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = mm[k]
		if !ok {
			return nil
		}
	}
	return cur
}

// DerivedPaths returns the artifacts produced so far in this run.
func (d *Deriver) DerivedPaths() []string {
	out := make([]string, len(d.derived))
	copy(out, d.derived)
	return out
}

// Cleanup removes all derived artifacts for the run. Errors are logged,
// never returned: cleanup must complete deterministically.
func (d *Deriver) Cleanup() {
	if err := os.RemoveAll(d.tempDir); err != nil {
		d.log.Error().Err(err).Str("dir", d.tempDir).Msg("failed to remove derived configs")
		return
	}
	d.derived = nil
	d.log.Info().Str("dir", d.tempDir).Msg("derived configs removed")
}
