package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadDir reads every .rego file in dir as an enabled error-severity
// policy named after its file. A missing directory yields no policies.
func LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policy directory: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading policy %s: %w", entry.Name(), err)
		}
		policies = append(policies, Policy{
			Name:        strings.TrimSuffix(entry.Name(), ".rego"),
			Description: fmt.Sprintf("Loaded from %s", entry.Name()),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
			LoadedAt:    time.Now(),
		})
	}
	return policies, nil
}
