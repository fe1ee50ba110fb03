package render

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Validate checks that path is a well-formed PDF and returns its page
// count, without rasterizing any page. It backs the 400 response on
// upload (spec §6) for a non-PDF or unreadable file, ahead of the more
// expensive rasterization path.
func Validate(path string) (int, error) {
	if err := api.ValidateFile(path, nil); err != nil {
		return 0, fmt.Errorf("not a valid PDF: %w", err)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PDF page count: %w", err)
	}
	return n, nil
}
