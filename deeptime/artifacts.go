package deeptime

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/patel-zeel/aqinterp/scale"
	"github.com/patel-zeel/aqinterp/siren"
)

// File names of the artifacts written into the working directory.
const (
	ModelFile       = "model.gob"
	MetadataFile    = "metadata.gob"
	PredictionsFile = "predictions.gob"
)

// checkpoint is the persisted learned state. The ridge weights are not part
// of it; they are recomputed from the context on every prediction.
type checkpoint struct {
	Encoder     *siren.Net
	LogNoiseVar float64
}

// Metadata records the training-time feature statistics and the per-epoch
// loss history. The fitted scaler is frozen here so that prediction scales
// inputs exactly as training did, whichever transform was configured.
type Metadata struct {
	Features []string
	Target   string
	Scaler   scale.Scaler
	Losses   []float64
}

// saveGob writes v to path through a temporary file in the same directory,
// so a crash mid-write never leaves a truncated artifact behind.
func saveGob(path string, v interface{}) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func loadGob(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

// saveCheckpoint persists the current learned state to the working directory.
func (m *Model) saveCheckpoint() error {
	return saveGob(filepath.Join(m.cfg.WorkingDir, ModelFile), &checkpoint{
		Encoder:     m.enc,
		LogNoiseVar: m.logNoiseVar(),
	})
}

// LoadCheckpoint restores the learned state saved by a previous Fit.
func (m *Model) LoadCheckpoint() error {
	var cp checkpoint
	if err := loadGob(filepath.Join(m.cfg.WorkingDir, ModelFile), &cp); err != nil {
		return err
	}
	m.enc = cp.Encoder
	m.parameters = make([]float64, m.enc.NumParameters()+1)
	m.enc.Parameters(m.parameters[:m.enc.NumParameters()])
	m.parameters[len(m.parameters)-1] = cp.LogNoiseVar
	return nil
}

// LoadMetadata reads the training metadata from the working directory.
func (m *Model) LoadMetadata() (*Metadata, error) {
	var md Metadata
	if err := loadGob(filepath.Join(m.cfg.WorkingDir, MetadataFile), &md); err != nil {
		return nil, err
	}
	return &md, nil
}
