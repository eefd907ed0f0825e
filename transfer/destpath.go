package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// uniqueDestinationPath returns <dir>/<fileName>, or, if that path
// already exists, the smallest " (n)" suffix before the extension that
// avoids a collision.
func uniqueDestinationPath(dir, fileName string) string {
	candidate := filepath.Join(dir, fileName)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)

	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
