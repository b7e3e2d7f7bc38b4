package ods

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrNoContent is returned when the archive has no content.xml.
	ErrNoContent = errors.New("ods: content.xml not found in archive")
	// ErrNoSheet is returned when content.xml holds no table.
	ErrNoSheet = errors.New("ods: document contains no sheet")
)

// ctxCheckEvery is how many XML tokens are decoded between context checks.
const ctxCheckEvery = 4096

// FirstSheet opens the .ods file at path and decodes its first table.
func FirstSheet(ctx context.Context, path string) (*Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return ReadFirstSheet(ctx, f, info.Size())
}

// ReadFirstSheet decodes the first table of an .ods archive held in r.
func ReadFirstSheet(ctx context.Context, r io.ReaderAt, size int64) (*Sheet, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var content *zip.File
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			content = f
			break
		}
	}
	if content == nil {
		return nil, ErrNoContent
	}

	rc, err := content.Open()
	if err != nil {
		return nil, fmt.Errorf("open content.xml: %w", err)
	}
	defer rc.Close()

	return decodeFirstTable(ctx, rc)
}

// tableDecoder accumulates the state of the token loop.
type tableDecoder struct {
	sheet *Sheet

	inTable    bool
	tableLevel int // nested sub-tables are flattened into their cell text

	row    *rowRun
	col    int
	inCell bool
	cell   cellState

	annotation int
}

type cellState struct {
	repeat     int
	fallback   string
	text       strings.Builder
	paragraphs int
	inPara     bool
}

func decodeFirstTable(ctx context.Context, r io.Reader) (*Sheet, error) {
	dec := xml.NewDecoder(r)
	d := &tableDecoder{}

	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode content.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			d.start(t)
		case xml.CharData:
			if d.inCell && d.cell.inPara && d.annotation == 0 {
				d.cell.text.Write(t)
			}
		case xml.EndElement:
			if done := d.end(t); done {
				return d.sheet, nil
			}
		}
	}

	if d.sheet == nil {
		return nil, ErrNoSheet
	}
	// Truncated document: the first table never closed.
	return nil, fmt.Errorf("decode content.xml: unterminated table %q", d.sheet.Name)
}

func (d *tableDecoder) start(t xml.StartElement) {
	switch t.Name.Local {
	case "table":
		if !d.inTable && d.sheet == nil {
			d.inTable = true
			d.sheet = &Sheet{Name: attr(t, "name")}
			return
		}
		d.tableLevel++
	case "table-row":
		if !d.inTable || d.tableLevel > 0 {
			return
		}
		d.row = &rowRun{start: d.sheet.nrows, repeat: repeatAttr(t, "number-rows-repeated")}
		d.col = 0
	case "table-cell", "covered-table-cell":
		if d.row == nil || d.tableLevel > 0 {
			return
		}
		d.inCell = true
		d.cell = cellState{
			repeat:   repeatAttr(t, "number-columns-repeated"),
			fallback: cellFallback(t),
		}
	case "annotation":
		d.annotation++
	case "p", "h":
		if d.inCell && d.annotation == 0 {
			if d.cell.paragraphs > 0 {
				d.cell.text.WriteByte('\n')
			}
			d.cell.paragraphs++
			d.cell.inPara = true
		}
	case "s":
		if d.inCell && d.cell.inPara && d.annotation == 0 {
			n := 1
			if v := attr(t, "c"); v != "" {
				if c, err := strconv.Atoi(v); err == nil && c > 0 {
					n = c
				}
			}
			d.cell.text.WriteString(strings.Repeat(" ", n))
		}
	case "tab":
		if d.inCell && d.cell.inPara && d.annotation == 0 {
			d.cell.text.WriteByte('\t')
		}
	case "line-break":
		if d.inCell && d.cell.inPara && d.annotation == 0 {
			d.cell.text.WriteByte('\n')
		}
	}
}

// end handles a closing tag and reports whether the first table is complete.
func (d *tableDecoder) end(t xml.EndElement) bool {
	switch t.Name.Local {
	case "table":
		if d.tableLevel > 0 {
			d.tableLevel--
			return false
		}
		if d.inTable {
			d.inTable = false
			return true
		}
	case "table-row":
		if d.row == nil || d.tableLevel > 0 {
			return false
		}
		if len(d.row.cells) > 0 {
			d.sheet.rows = append(d.sheet.rows, *d.row)
		}
		d.sheet.nrows += d.row.repeat
		d.row = nil
	case "table-cell", "covered-table-cell":
		if !d.inCell || d.tableLevel > 0 {
			return false
		}
		v := d.cell.text.String()
		if v == "" {
			v = d.cell.fallback
		}
		if v != "" {
			d.row.cells = append(d.row.cells, cellRun{start: d.col, repeat: d.cell.repeat, value: v})
		}
		d.col += d.cell.repeat
		d.inCell = false
	case "annotation":
		if d.annotation > 0 {
			d.annotation--
		}
	case "p", "h":
		d.cell.inPara = false
	}
	return false
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func repeatAttr(t xml.StartElement, local string) int {
	v := attr(t, local)
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// cellFallback is the typed value of a cell, used when it has no text
// paragraphs (some generators omit <text:p> for numbers).
func cellFallback(t xml.StartElement) string {
	for _, name := range []string{"string-value", "value", "date-value", "time-value", "boolean-value"} {
		if v := attr(t, name); v != "" {
			return v
		}
	}
	return ""
}
