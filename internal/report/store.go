package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bluetides-project/MP-Gadget/internal/sim"
)

// Store persists run records under a base directory, one
// subdirectory per run holding metadata.json and steps.csv.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Preset         string    `json:"preset,omitempty"`
	NTask          int       `json:"ntask"`
	Steps          int       `json:"steps"`
	GridN          int       `json:"grid_n"`
	Seed           uint64    `json:"seed"`
	Decompositions int       `json:"decompositions"`
	TotalExports   int       `json:"total_exports"`
	Imbalance      float64   `json:"imbalance"`
}

func (s *Store) Save(meta RunMetadata, res *sim.Result) (string, error) {
	runID := fmt.Sprintf("run_%d", time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta.ID = runID
	meta.Timestamp = time.Now()
	meta.Decompositions = res.Decompositions
	meta.TotalExports = res.TotalExports
	meta.Imbalance = Imbalance(res)

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	csvFile, err := os.Create(filepath.Join(runDir, "steps.csv"))
	if err != nil {
		return "", err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	defer w.Flush()

	if err := w.Write([]string{"step", "rank", "particles", "work", "exports", "migrated"}); err != nil {
		return "", err
	}
	for step, stats := range res.PerStep {
		for _, st := range stats {
			row := []string{
				strconv.Itoa(step),
				strconv.Itoa(st.Rank),
				strconv.Itoa(st.NumPart),
				strconv.FormatFloat(st.Work, 'f', 3, 64),
				strconv.Itoa(st.Exports),
				strconv.Itoa(st.Migrated),
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}
	return runID, nil
}

func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}
	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadSteps reads a saved run's per-step statistics back into the
// shape the renderers consume.
func (s *Store) LoadSteps(runID string) ([][]sim.RankStats, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, "steps.csv"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return [][]sim.RankStats{}, nil
	}

	perStep := make([][]sim.RankStats, 0)
	for _, rec := range records[1:] {
		if len(rec) != 6 {
			continue
		}
		step, err := strconv.Atoi(rec[0])
		if err != nil {
			continue
		}
		rank, _ := strconv.Atoi(rec[1])
		npart, _ := strconv.Atoi(rec[2])
		work, _ := strconv.ParseFloat(rec[3], 64)
		exports, _ := strconv.Atoi(rec[4])
		migrated, _ := strconv.Atoi(rec[5])
		for len(perStep) <= step {
			perStep = append(perStep, nil)
		}
		perStep[step] = append(perStep[step], sim.RankStats{
			Rank:     rank,
			NumPart:  npart,
			Work:     work,
			Exports:  exports,
			Migrated: migrated,
		})
	}
	return perStep, nil
}
