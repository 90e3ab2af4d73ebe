package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
)

// Step names the pipeline stages, in execution order.
type Step string

const (
	StepFilter  Step = "filter"
	StepPrepare Step = "prepare"
	StepBatch   Step = "batch"
	StepCombine Step = "combine"
	StepParquet Step = "parquet"
)

var stepOrder = map[Step]int{
	StepFilter:  0,
	StepPrepare: 1,
	StepBatch:   2,
	StepCombine: 3,
	StepParquet: 4,
}

// ValidStep reports whether s names a pipeline stage.
func ValidStep(s Step) bool {
	_, ok := stepOrder[s]
	return ok
}

// PipelineConfig describes one full ingestion run.
type PipelineConfig struct {
	// WorkDir holds all intermediate and final artifacts.
	WorkDir string

	// InstagramCSV and TikTokCSV are the raw export inputs; either may be
	// empty to skip that platform.
	InstagramCSV string
	TikTokCSV    string

	Filter  FilterConfig
	Prepare PrepareConfig
	Runner  RunnerConfig

	// StopAfter halts the run once the named step finishes; empty runs all.
	StopAfter Step

	// Force clears per-namespace state before running.
	Force bool
}

// Pipeline drives the resumable ingestion: language filter, id assignment,
// batch labeling, platform combine, parquet merge.
type Pipeline struct {
	filter *LanguageFilter
	api    batchAPI
	cfg    PipelineConfig
}

// NewPipeline wires a pipeline from its two external dependencies.
func NewPipeline(filter *LanguageFilter, api batchAPI, cfg PipelineConfig) *Pipeline {
	return &Pipeline{filter: filter, api: api, cfg: cfg}
}

// namespaceRun is the per-platform artifact set.
type namespaceRun struct {
	namespace   string
	inputCSV    string
	platform    model.Platform
	dir         string
	profilesCSV string
	labelCSVs   []string
}

// Run executes the configured steps for every platform with an input.
func (p *Pipeline) Run(ctx context.Context) error {
	runs := p.namespaces()
	if len(runs) == 0 {
		return eris.New("ingest: no input csvs configured")
	}

	pending := 0
	for _, run := range runs {
		if p.cfg.Force {
			if err := p.clearState(run); err != nil {
				return err
			}
		}
		n, err := p.runNamespace(ctx, run)
		if err != nil {
			return err
		}
		pending += n
	}
	if pending > 0 {
		zap.L().Info("batches still running, re-run to resume",
			zap.Int("pending_chunks", pending),
		)
		return nil
	}
	if p.stopAt(StepBatch) {
		return nil
	}

	profilesCSV, err := p.combine(runs)
	if err != nil {
		return err
	}
	if p.stopAt(StepCombine) {
		return nil
	}

	var labels []string
	for _, run := range runs {
		labels = append(labels, run.labelCSVs...)
	}
	outputPath := filepath.Join(p.cfg.WorkDir, "normalized_profiles.parquet")
	if _, err := WriteParquet(profilesCSV, labels, outputPath); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) namespaces() []*namespaceRun {
	var runs []*namespaceRun
	if p.cfg.InstagramCSV != "" {
		runs = append(runs, &namespaceRun{
			namespace: "instagram",
			inputCSV:  p.cfg.InstagramCSV,
			platform:  model.PlatformInstagram,
			dir:       filepath.Join(p.cfg.WorkDir, "instagram"),
		})
	}
	if p.cfg.TikTokCSV != "" {
		runs = append(runs, &namespaceRun{
			namespace: "tiktok",
			inputCSV:  p.cfg.TikTokCSV,
			platform:  model.PlatformTikTok,
			dir:       filepath.Join(p.cfg.WorkDir, "tiktok"),
		})
	}
	return runs
}

// runNamespace runs filter through batch for one platform and returns how
// many chunks are still waiting on the batch API.
func (p *Pipeline) runNamespace(ctx context.Context, run *namespaceRun) (int, error) {
	filterCfg := p.cfg.Filter
	filterCfg.Namespace = run.namespace
	filterCfg.Platform = run.platform

	filter := NewLanguageFilter(p.filter.detector, filterCfg)
	filtered, err := filter.Run(ctx, run.inputCSV, run.dir)
	if err != nil {
		return 0, err
	}

	profilesDir := filepath.Join(run.dir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		return 0, eris.Wrap(err, "ingest: create profiles dir")
	}
	run.profilesCSV = filepath.Join(profilesDir, run.namespace+"_with_lance_id.csv")
	assigned, err := AssignLanceIDs(filtered.EnglishPath, run.profilesCSV, run.namespace)
	if err != nil {
		return 0, err
	}
	zap.L().Info("lance ids assigned",
		zap.String("namespace", run.namespace),
		zap.Int("assigned", assigned),
	)
	if p.stopAt(StepFilter) {
		return 0, nil
	}

	prepareCfg := p.cfg.Prepare
	prepareCfg.Namespace = run.namespace
	prepareCfg.Platform = run.platform
	prepareCfg = prepareCfg.withDefaults()
	chunks, err := PrepareChunks(ctx, run.profilesCSV, run.dir, prepareCfg)
	if err != nil {
		return 0, err
	}
	if p.stopAt(StepPrepare) {
		return 0, nil
	}

	runnerCfg := p.cfg.Runner
	runnerCfg.Namespace = run.namespace
	runnerCfg.PromptFingerprint = PromptFingerprint(prepareCfg.Model)
	runner := NewRunner(p.api, runnerCfg)
	state, err := runner.Run(ctx, run.dir, chunks)
	if err != nil {
		return 0, err
	}

	pending := 0
	for _, chunkName := range sortedKeys(state) {
		chunkState := state[chunkName]
		switch {
		case chunkState.Status == ChunkCompleted && chunkState.OutputCSV != "":
			run.labelCSVs = append(run.labelCSVs, filepath.Join(run.dir, chunkState.OutputCSV))
		case chunkState.Status == ChunkSubmitted:
			pending++
		}
	}
	if err := SaveState(statePath(run.dir, run.namespace, "processed_files.json"), run.labelCSVs); err != nil {
		return 0, err
	}
	return pending, nil
}

// combine merges platforms when both ran; a single platform passes through.
func (p *Pipeline) combine(runs []*namespaceRun) (string, error) {
	var instagram, tiktok *namespaceRun
	for _, run := range runs {
		switch run.namespace {
		case "instagram":
			instagram = run
		case "tiktok":
			tiktok = run
		}
	}
	if instagram == nil || tiktok == nil {
		return runs[0].profilesCSV, nil
	}
	outputPath := filepath.Join(p.cfg.WorkDir, "social_profiles.csv")
	result, err := CombinePlatforms(filepath.Dir(instagram.profilesCSV), tiktok.profilesCSV, outputPath)
	if err != nil {
		return "", err
	}
	return result.OutputPath, nil
}

func (p *Pipeline) clearState(run *namespaceRun) error {
	for _, name := range []string{
		"language_filter_cache.json",
		"chunks_meta.json",
		"batch_jobs_state.json",
		"processed_files.json",
	} {
		path := statePath(run.dir, run.namespace, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "ingest: clear state %s", path)
		}
	}
	zap.L().Info("state cleared", zap.String("namespace", run.namespace))
	return nil
}

func (p *Pipeline) stopAt(step Step) bool {
	if p.cfg.StopAfter == "" {
		return false
	}
	return stepOrder[p.cfg.StopAfter] <= stepOrder[step]
}

func sortedKeys(state BatchJobsState) []string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
