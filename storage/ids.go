package storage

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// NewTempID returns a unique id for a merge target's file.
func NewTempID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// fmtRunPath formats the data file path of the run for level n.
func fmtRunPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("level-%04d.run", n))
}

// fmtTempRunPath formats the path of a merge target for level n.
func fmtTempRunPath(dir string, n int, id string) string {
	return filepath.Join(dir, fmt.Sprintf("level-%04d-%s.tmp", n, id))
}
