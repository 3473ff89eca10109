// Package stats records what a sampling run did: its configuration, per
// sampler totals and the submissions no worker accepted.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	summaryFile     = "summary.json"
	failuresCSVFile = "submission_failures.csv"
)

type RunConfig struct {
	RunID            string   `json:"run_id"`
	Samplers         int      `json:"samplers"`
	SamplesPerPrompt int      `json:"samples_per_prompt"`
	MaxInFlight      int      `json:"max_in_flight"`
	Iterations       int      `json:"iterations"`
	Seed             int64    `json:"seed"`
	Backend          string   `json:"backend"`
	Model            string   `json:"model,omitempty"`
	StoreKind        string   `json:"store_kind"`
	StorePath        string   `json:"store_path,omitempty"`
	Workers          []string `json:"workers"`
	Strategy         string   `json:"strategy"`
}

type SamplerSummary struct {
	ID         string `json:"id"`
	State      string `json:"state,omitempty"`
	Restarts   int    `json:"restarts"`
	LastError  string `json:"last_error,omitempty"`
	Iterations int64  `json:"iterations"`
	Candidates int64  `json:"candidates"`
	Submitted  int64  `json:"submitted"`
	Failed     int64  `json:"failed"`
}

type RunSummary struct {
	StartedAtUTC  string           `json:"started_at_utc"`
	FinishedAtUTC string           `json:"finished_at_utc"`
	Error         string           `json:"error,omitempty"`
	Samplers      []SamplerSummary `json:"samplers"`

	// FailuresDropped counts submission failures left out of the CSV.
	FailuresDropped int64 `json:"failures_dropped,omitempty"`
}

// Totals sums the per-sampler counters.
func (s RunSummary) Totals() SamplerSummary {
	var total SamplerSummary
	for _, sampler := range s.Samplers {
		total.Restarts += sampler.Restarts
		total.Iterations += sampler.Iterations
		total.Candidates += sampler.Candidates
		total.Submitted += sampler.Submitted
		total.Failed += sampler.Failed
	}
	return total
}

type SubmissionFailure struct {
	SubmissionID string `json:"submission_id"`
	SamplerID    string `json:"sampler_id"`
	IslandID     int    `json:"island_id"`
	Version      int    `json:"version_generated"`
	Error        string `json:"error"`
}

type RunArtifacts struct {
	Config   RunConfig           `json:"config"`
	Summary  RunSummary          `json:"summary"`
	Failures []SubmissionFailure `json:"failures,omitempty"`
}

type RunIndexEntry struct {
	RunID        string `json:"run_id"`
	Samplers     int    `json:"samplers"`
	Backend      string `json:"backend"`
	StoreKind    string `json:"store_kind"`
	Iterations   int64  `json:"iterations"`
	Candidates   int64  `json:"candidates"`
	Submitted    int64  `json:"submitted"`
	Failed       int64  `json:"failed"`
	Error        string `json:"error,omitempty"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// IndexEntry condenses artifacts into a run index row.
func (a RunArtifacts) IndexEntry() RunIndexEntry {
	total := a.Summary.Totals()
	return RunIndexEntry{
		RunID:        a.Config.RunID,
		Samplers:     a.Config.Samplers,
		Backend:      a.Config.Backend,
		StoreKind:    a.Config.StoreKind,
		Iterations:   total.Iterations,
		Candidates:   total.Candidates,
		Submitted:    total.Submitted,
		Failed:       total.Failed,
		Error:        a.Summary.Error,
		CreatedAtUTC: a.Summary.FinishedAtUTC,
	}
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.Config.RunID) == "" {
		return "", errors.NotValidf("empty run id")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Trace(err)
	}
	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", errors.Trace(err)
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", errors.Trace(err)
	}
	if err := writeFailuresCSV(filepath.Join(runDir, failuresCSVFile), artifacts.Failures); err != nil {
		return "", errors.Trace(err)
	}
	return runDir, nil
}

func ReadRunArtifacts(baseDir, runID string) (RunArtifacts, bool, error) {
	if strings.TrimSpace(runID) == "" {
		return RunArtifacts{}, false, errors.NotValidf("empty run id")
	}
	runDir := filepath.Join(baseDir, runID)

	var artifacts RunArtifacts
	ok, err := readJSON(filepath.Join(runDir, configFile), &artifacts.Config)
	if err != nil || !ok {
		return RunArtifacts{}, ok, errors.Trace(err)
	}
	if _, err := readJSON(filepath.Join(runDir, summaryFile), &artifacts.Summary); err != nil {
		return RunArtifacts{}, false, errors.Trace(err)
	}
	failures, err := readFailuresCSV(filepath.Join(runDir, failuresCSVFile))
	if err != nil {
		return RunArtifacts{}, false, errors.Trace(err)
	}
	artifacts.Failures = failures
	return artifacts, true, nil
}

// AppendRunIndex adds entry to the index, replacing an entry with the same
// run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errors.NotValidf("empty run id")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Trace(err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return errors.Trace(err)
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var entries []RunIndexEntry
	ok, err := readJSON(filepath.Join(baseDir, runIndexFile), &entries)
	if err != nil {
		return nil, errors.Annotate(err, "reading run index")
	}
	if !ok {
		return []RunIndexEntry{}, nil
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", errors.NotValidf("empty run id")
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("run %q", runID)
		}
		return "", errors.Trace(err)
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", errors.Trace(err)
	}
	for _, file := range []string{configFile, summaryFile, failuresCSVFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", errors.Annotatef(err, "exporting %s", file)
		}
	}
	return dst, nil
}

var failuresHeader = []string{"submission_id", "sampler_id", "island_id", "version_generated", "error"}

func writeFailuresCSV(path string, failures []SubmissionFailure) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(failuresHeader); err != nil {
		return err
	}
	for _, f := range failures {
		if err := writer.Write([]string{
			f.SubmissionID,
			f.SamplerID,
			strconv.Itoa(f.IslandID),
			strconv.Itoa(f.Version),
			f.Error,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func readFailuresCSV(path string) ([]SubmissionFailure, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(failuresHeader)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var failures []SubmissionFailure
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		island, err := strconv.Atoi(record[2])
		if err != nil {
			return nil, errors.NotValidf("island id %q", record[2])
		}
		version, err := strconv.Atoi(record[3])
		if err != nil {
			return nil, errors.NotValidf("version %q", record[3])
		}
		failures = append(failures, SubmissionFailure{
			SubmissionID: record[0],
			SamplerID:    record[1],
			IslandID:     island,
			Version:      version,
			Error:        record[4],
		})
	}
	return failures, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Annotatef(err, "decoding %s", filepath.Base(path))
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
