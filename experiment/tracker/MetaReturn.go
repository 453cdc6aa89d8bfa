package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// MetaReturn tracks the mean validation return of every meta-iteration
// in an experiment. The validation return of an iteration is the mean
// undiscounted return of the post-adaptation rollouts, averaged over
// the iteration's tasks, so the saved curve shows how quickly the
// meta-learned initialization adapts as training progresses.
type MetaReturn struct {
	returns  []float64
	filename string
}

// NewMetaReturn creates and returns a new *MetaReturn Tracker
func NewMetaReturn(filename string) *MetaReturn {
	return &MetaReturn{filename: filename}
}

// Track records the mean validation return of one meta-iteration
func (m *MetaReturn) Track(iteration int, meanReturn float64) {
	m.returns = append(m.returns, meanReturn)
}

// Save saves the data tracked by the MetaReturn Tracker to disk
func (m *MetaReturn) Save() error {
	file, err := os.Create(m.filename)
	if err != nil {
		return fmt.Errorf("save: could not open save file: %v", err)
	}
	defer file.Close()

	en := gob.NewEncoder(file)
	if err := en.Encode(m.returns); err != nil {
		return fmt.Errorf("save: could not encode return data: %v", err)
	}
	return nil
}
