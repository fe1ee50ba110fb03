// Package assembler is a pure transform from ordered page texts to an
// on-disk EPUB archive (spec §4.7). It performs no retries and no I/O
// beyond writing the single output file.
package assembler

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bookscan/epub-ocr/internal/jobs"
)

// Request is the pure input to Assemble.
type Request struct {
	// Pages holds text for pages whose OCR succeeded, keyed by 0-based
	// index. Indices in [0, TotalPages) absent from Pages render as a
	// placeholder.
	Pages           map[int]string
	TotalPages      int
	Language        jobs.Language
	Title           string
	PagesPerChapter int
}

const missingPagePlaceholder = "This page could not be recognized."

// Assemble writes an EPUB to outputPath built deterministically from
// req: consecutive pages are grouped into chapters of
// req.PagesPerChapter, each paragraph of page text becomes a separate
// <p>, all text is HTML-escaped, and missing pages render a styled
// placeholder instead of being silently skipped.
func Assemble(outputPath string, req Request) error {
	if req.PagesPerChapter <= 0 {
		req.PagesPerChapter = 10
	}
	chapters := buildChapters(req)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	return writeEPUB(f, req, chapters)
}

type chapter struct {
	Index int // 0-based
	Pages []int
}

func buildChapters(req Request) []chapter {
	n := req.TotalPages
	ppc := req.PagesPerChapter
	count := (n + ppc - 1) / ppc
	if count == 0 {
		count = 1
	}

	chapters := make([]chapter, 0, count)
	for c := 0; c < count; c++ {
		start := c * ppc
		end := start + ppc
		if end > n {
			end = n
		}
		var pages []int
		for p := start; p < end; p++ {
			pages = append(pages, p)
		}
		chapters = append(chapters, chapter{Index: c, Pages: pages})
	}
	return chapters
}

func paragraphsFor(req Request, page int) []string {
	text, ok := req.Pages[page]
	if !ok || strings.TrimSpace(text) == "" {
		return []string{missingPagePlaceholder}
	}

	var paras []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		paras = append(paras, block)
	}
	if len(paras) == 0 {
		paras = []string{missingPagePlaceholder}
	}
	return paras
}

func chapterXHTML(req Request, ch chapter) string {
	dir := "ltr"
	if req.Language.RightToLeft() {
		dir = "rtl"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" dir="%s">
<head><title>%s</title></head>
<body dir="%s">
<h1>%s %d</h1>
`, dir, html.EscapeString(fmt.Sprintf("Chapter %d", ch.Index+1)), dir, html.EscapeString("Chapter"), ch.Index+1)

	for _, page := range ch.Pages {
		text, present := req.Pages[page]
		missing := !present || strings.TrimSpace(text) == ""
		for _, para := range paragraphsFor(req, page) {
			class := ""
			if missing {
				class = ` class="missing-page"`
			}
			fmt.Fprintf(&b, "<p%s>%s</p>\n", class, html.EscapeString(para))
		}
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// writeEPUB emits a minimal but valid EPUB 2 container: the mandatory
// uncompressed mimetype entry first, a container.xml pointer, the OPF
// package document, an NCX table of contents, and one XHTML file per
// chapter. File timestamps are zeroed so output is byte-identical given
// identical inputs.
func writeEPUB(w io.Writer, req Request, chapters []chapter) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	fixedTime := time.Time{}

	writeEntry := func(name string, content []byte, method uint16) error {
		hdr := &zip.FileHeader{Name: name, Method: method, Modified: fixedTime}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = entry.Write(content)
		return err
	}

	if err := writeEntry("mimetype", []byte("application/epub+zip"), zip.Store); err != nil {
		return err
	}
	if err := writeEntry("META-INF/container.xml", []byte(containerXML), zip.Deflate); err != nil {
		return err
	}
	if err := writeEntry("OEBPS/content.opf", []byte(opfXML(req, chapters)), zip.Deflate); err != nil {
		return err
	}
	if err := writeEntry("OEBPS/toc.ncx", []byte(ncxXML(req, chapters)), zip.Deflate); err != nil {
		return err
	}
	for _, ch := range chapters {
		name := fmt.Sprintf("OEBPS/chapter-%03d.xhtml", ch.Index+1)
		if err := writeEntry(name, []byte(chapterXHTML(req, ch)), zip.Deflate); err != nil {
			return err
		}
	}
	return nil
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

func opfXML(req Request, chapters []chapter) string {
	dir := "ltr"
	if req.Language.RightToLeft() {
		dir = "rtl"
	}

	var items, spine strings.Builder
	for _, ch := range chapters {
		id := fmt.Sprintf("chapter%03d", ch.Index+1)
		fmt.Fprintf(&items, `    <item id="%s" href="chapter-%03d.xhtml" media-type="application/xhtml+xml"/>
`, id, ch.Index+1)
		fmt.Fprintf(&spine, `    <itemref idref="%s"/>
`, id)
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" unique-identifier="BookId" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>%s</dc:title>
    <dc:language>%s</dc:language>
    <dc:identifier id="BookId">urn:uuid:%s</dc:identifier>
  </metadata>
  <manifest>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
%s  </manifest>
  <spine toc="ncx" page-progression-direction="%s">
%s  </spine>
</package>
`, html.EscapeString(req.Title), req.Language, deterministicID(req.Title), items.String(), dir, spine.String())
}

func ncxXML(req Request, chapters []chapter) string {
	var navPoints strings.Builder
	for _, ch := range chapters {
		fmt.Fprintf(&navPoints, `    <navPoint id="navpoint-%d" playOrder="%d">
      <navLabel><text>%s %d</text></navLabel>
      <content src="chapter-%03d.xhtml"/>
    </navPoint>
`, ch.Index+1, ch.Index+1, "Chapter", ch.Index+1, ch.Index+1)
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
    <meta name="dtb:uid" content="urn:uuid:%s"/>
  </head>
  <docTitle><text>%s</text></docTitle>
  <navMap>
%s  </navMap>
</ncx>
`, deterministicID(req.Title), html.EscapeString(req.Title), navPoints.String())
}

// deterministicID derives a stable identifier from title so repeated
// Assemble calls on identical input produce byte-identical output.
func deterministicID(title string) string {
	sum := 0
	for _, r := range title {
		sum = sum*31 + int(r)
	}
	if sum < 0 {
		sum = -sum
	}
	return fmt.Sprintf("%08x", sum)
}
