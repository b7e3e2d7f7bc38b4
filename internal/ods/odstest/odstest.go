// Package odstest builds small .ods archives for tests.
package odstest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const header = `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
  xmlns:table="urn:oasis:names:tc:opendocument:xmlns:table:1.0"
  xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0" office:version="1.2">
<office:body>
<office:spreadsheet>
`

const footer = `</office:spreadsheet>
</office:body>
</office:document-content>`

// Build returns an .ods archive whose single sheet holds exactly rows. Empty
// strings become empty cells.
func Build(rows [][]string) []byte {
	return BuildXML(TableXML("Blad1", rows, false))
}

// BuildPadded is Build plus the trailing block of repeated empty rows and
// columns that LibreOffice writes.
func BuildPadded(rows [][]string) []byte {
	return BuildXML(TableXML("Blad1", rows, true))
}

// TableXML renders rows as one <table:table> element.
func TableXML(name string, rows [][]string, padded bool) string {
	var b strings.Builder
	b.WriteString(`<table:table table:name="`)
	xml.EscapeText(&b, []byte(name))
	b.WriteString(`">`)
	b.WriteString(`<table:table-column table:number-columns-repeated="1024"/>`)
	for _, row := range rows {
		b.WriteString("<table:table-row>")
		for _, v := range row {
			if v == "" {
				b.WriteString("<table:table-cell/>")
				continue
			}
			b.WriteString(`<table:table-cell office:value-type="string"><text:p>`)
			xml.EscapeText(&b, []byte(v))
			b.WriteString("</text:p></table:table-cell>")
		}
		if padded {
			b.WriteString(`<table:table-cell table:number-columns-repeated="1000"/>`)
		}
		b.WriteString("</table:table-row>")
	}
	if padded {
		b.WriteString(`<table:table-row table:number-rows-repeated="1048000"><table:table-cell table:number-columns-repeated="1024"/></table:table-row>`)
	}
	b.WriteString("</table:table>\n")
	return b.String()
}

// BuildXML wraps body (one or more table elements) in content.xml and zips
// it together with the mimetype entry.
func BuildXML(body string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	mt, _ := w.Create("mimetype")
	mt.Write([]byte("application/vnd.oasis.opendocument.spreadsheet"))
	fw, _ := w.Create("content.xml")
	fw.Write([]byte(header + body + footer))
	w.Close()
	return buf.Bytes()
}

// WriteFile stores data under t.TempDir and returns the path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
