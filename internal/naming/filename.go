// Package naming builds the filenames exported maps are delivered under.
package naming

import (
	"fmt"
	"time"
)

// ExportFilename creates a standardized export filename.
// Format: map_{date}_z{zoom}{ext}
func ExportFilename(t time.Time, zoom int, ext string) string {
	return fmt.Sprintf("map_%s_z%d%s", t.Format("20060102_150405"), zoom, ext)
}
