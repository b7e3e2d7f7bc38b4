// Package ods reads tables out of OpenDocument spreadsheet (.ods) files.
//
// Only cell text is extracted. Repeated rows and columns are kept as runs, so
// the trailing "1048576 empty rows" LibreOffice writes cost nothing.
package ods

import "sort"

// Sheet is one decoded table. Rows and cells are addressed by zero-based
// index, column first, like a spreadsheet reference (A1 == Cell(0, 0)).
type Sheet struct {
	Name string

	rows  []rowRun
	nrows int
}

type rowRun struct {
	start  int
	repeat int
	cells  []cellRun
}

type cellRun struct {
	start  int
	repeat int
	value  string
}

// Rows returns the number of rows the sheet declares, repeats included.
func (s *Sheet) Rows() int { return s.nrows }

// HasRow reports whether row index r exists in the sheet.
func (s *Sheet) HasRow(r int) bool { return r >= 0 && r < s.nrows }

// Cell returns the string value at (col, row). Missing cells are "".
func (s *Sheet) Cell(col, row int) string {
	rr := s.findRow(row)
	if rr == nil {
		return ""
	}
	return rr.cell(col)
}

// Row returns an accessor for a single row, or false if the row does not
// exist. Use it when reading many cells of the same row. Rows without any
// non-empty cell are not stored, so their accessor returns "" everywhere.
func (s *Sheet) Row(r int) (Row, bool) {
	if !s.HasRow(r) {
		return Row{}, false
	}
	return Row{run: s.findRow(r)}, true
}

func (s *Sheet) findRow(r int) *rowRun {
	if !s.HasRow(r) {
		return nil
	}
	i := sort.Search(len(s.rows), func(i int) bool {
		return s.rows[i].start+s.rows[i].repeat > r
	})
	if i == len(s.rows) || s.rows[i].start > r {
		return nil
	}
	return &s.rows[i]
}

// Row is a view of one sheet row.
type Row struct {
	run *rowRun
}

// Cell returns the string value in column col, "" if absent.
func (r Row) Cell(col int) string {
	if r.run == nil {
		return ""
	}
	return r.run.cell(col)
}

func (rr *rowRun) cell(col int) string {
	if col < 0 {
		return ""
	}
	i := sort.Search(len(rr.cells), func(i int) bool {
		return rr.cells[i].start+rr.cells[i].repeat > col
	})
	if i == len(rr.cells) || rr.cells[i].start > col {
		return ""
	}
	return rr.cells[i].value
}
