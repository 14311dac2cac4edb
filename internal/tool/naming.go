package tool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const outputExt = ".xlsx"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeStem reduces a filename to a stem usable inside generated names.
func SafeStem(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	stem = unsafeName.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._-")
	if stem == "" {
		return "workbook"
	}
	if len(stem) > 48 {
		stem = stem[:48]
	}
	return stem
}

// NextOutputPath derives a collision-free output path in dir:
// <stem>_<tool>_<step>.xlsx, with a random suffix if that name is taken.
func NextOutputPath(dir, originalName, toolName string, step int) (string, error) {
	base := fmt.Sprintf("%s_%s_%d", SafeStem(originalName), toolName, step)
	candidate := filepath.Join(dir, base+outputExt)
	for attempt := 0; attempt < 5; attempt++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check output path: %w", err)
		}
		candidate = filepath.Join(dir, base+"_"+uuid.NewString()[:8]+outputExt)
	}
	return "", fmt.Errorf("cannot derive a free output name for %s", base)
}
