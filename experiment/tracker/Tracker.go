// Package tracker implements Trackers, which record data generated
// during meta-training and save it to disk once training has finished.
package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Tracker records per-iteration meta-training data and saves the data
// after training has finished
type Tracker interface {
	// Track records the mean validation return of one meta-iteration
	Track(iteration int, meanReturn float64)

	// Save saves all tracked data to disk
	Save() error
}

// LoadData loads and returns the data saved by a MetaReturn Tracker
func LoadData(filename string) ([]float64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadData: could not open data file: %v", err)
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	var data []float64
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("loadData: could not decode data: %v", err)
	}
	return data, nil
}
