// Package config loads the seed directory (config.csv, spec.md §6): one
// seed per line, "IP,PORT", ASCII. Loading a config file is listed among
// spec.md's out-of-scope external collaborators, but the ambient stack
// still needs a concrete, idiomatic implementation (SPEC_FULL.md §A.3);
// see DESIGN.md for why the standard library's encoding/csv is used here
// rather than a third-party config library.
package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/latticenet/overlay/internal/id"
)

// LoadSeeds reads a config.csv file into an ordered list of seed IDs.
// Blank lines and lines starting with '#' are ignored. Configuration
// errors are reported for the caller to fail fast on, per spec.md §6/§7
// ("Configuration error ... Fail fast at startup, nonzero exit").
func LoadSeeds(path string) ([]id.SeedID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var seeds []id.SeedID
	lineNo := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return nil, fmt.Errorf("config: %s: line %d: %w", path, lineNo, err)
		}
		if len(record) == 0 {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(record[0]), "#") {
			continue
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != 2 {
			return nil, fmt.Errorf("config: %s: line %d: want \"IP,PORT\", got %q", path, lineNo, record)
		}

		ip := strings.TrimSpace(record[0])
		portStr := strings.TrimSpace(record[1])
		if ip == "" {
			return nil, fmt.Errorf("config: %s: line %d: empty ip", path, lineNo)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: %s: line %d: bad port %q: %w", path, lineNo, portStr, err)
		}
		seeds = append(seeds, id.New(ip, port))
	}

	if len(seeds) == 0 {
		return nil, fmt.Errorf("config: %s: no seeds configured", path)
	}
	return seeds, nil
}
