package hardware

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"actionworker/pkg/logger"
)

// gpuModels reads the "Model:" line of every nvidia driver information file
// matching glob.
func gpuModels(glob string) []string {
	files, err := filepath.Glob(glob)
	if err != nil {
		logger.Errorf("invalid gpu information glob %q: %v", glob, err)
		return nil
	}
	sort.Strings(files)

	var models []string
	for _, f := range files {
		model, err := readModel(f)
		if err != nil {
			logger.Errorf("failed to read %s: %v", f, err)
			continue
		}
		if model != "" {
			models = append(models, model)
		}
	}
	return models
}

func readModel(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Model:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", scanner.Err()
}
