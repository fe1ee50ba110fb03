package assembler

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookscan/epub-ocr/internal/jobs"
)

func TestAssembleProducesOneChapterPerCeilDivision(t *testing.T) {
	cases := []struct {
		totalPages, ppc, wantChapters int
	}{
		{10, 10, 1},
		{11, 10, 2},
		{20, 10, 2},
		{21, 10, 3},
		{0, 10, 1},
	}

	for _, c := range cases {
		chapters := buildChapters(Request{TotalPages: c.totalPages, PagesPerChapter: c.ppc})
		require.Equal(t, c.wantChapters, len(chapters))
	}
}

func TestAssembleWritesValidZipWithMissingPagePlaceholders(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "book.epub")

	req := Request{
		Pages: map[int]string{
			0: "First paragraph.\n\nSecond paragraph.",
			2: "Only page two has text.",
		},
		TotalPages:      3,
		Language:        jobs.LanguageEnglish,
		Title:           "Test Book",
		PagesPerChapter: 10,
	}
	require.NoError(t, Assemble(out, req))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names["mimetype"])
	require.True(t, names["META-INF/container.xml"])
	require.True(t, names["OEBPS/content.opf"])
	require.True(t, names["OEBPS/toc.ncx"])
	require.True(t, names["OEBPS/chapter-001.xhtml"])

	var xhtml string
	for _, f := range zr.File {
		if f.Name == "OEBPS/chapter-001.xhtml" {
			rc, err := f.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			xhtml = string(data)
		}
	}
	// Page 1 has no text, so it renders as the styled placeholder.
	require.Contains(t, xhtml, `<p class="missing-page">`+missingPagePlaceholder+`</p>`)
}

func TestAssembleIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	req := Request{
		Pages:           map[int]string{0: "hello"},
		TotalPages:      1,
		Language:        jobs.LanguageFarsi,
		Title:           "Deterministic",
		PagesPerChapter: 10,
	}

	out1 := filepath.Join(dir, "a.epub")
	out2 := filepath.Join(dir, "b.epub")
	require.NoError(t, Assemble(out1, req))
	require.NoError(t, Assemble(out2, req))

	require.Equal(t, mustReadFile(t, out1), mustReadFile(t, out2))
}

func TestChapterXHTMLEscapesTextAndSetsDirection(t *testing.T) {
	req := Request{
		Pages:           map[int]string{0: `<script>alert("x")</script>`},
		TotalPages:      1,
		Language:        jobs.LanguageArabic,
		PagesPerChapter: 10,
	}
	out := chapterXHTML(req, chapter{Index: 0, Pages: []int{0}})
	require.Contains(t, out, `dir="rtl"`)
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "&lt;script&gt;")
}

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
