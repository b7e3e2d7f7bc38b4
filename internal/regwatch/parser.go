package regwatch

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"regwatch/internal/ods"
)

// Register layout: A1 holds the number of data rows, row 1 (zero-based)
// holds the column headers, data starts at row 2.
const (
	countRow  = 0
	headerRow = 1
	firstData = 2

	// Row limit of a LibreOffice or Excel sheet.
	maxDeclaredRows = 1 << 20
)

// ParseFunc turns a downloaded document into a snapshot.
type ParseFunc func(ctx context.Context, path, documentURL string, now time.Time) (*Snapshot, error)

// ParseRegister reads the register spreadsheet at path. It returns a
// complete snapshot or a parse-stage error, never partial output.
//
// The record count comes from A1 while the headers come from scanning row 1,
// so the two are sourced independently; they are not reconciled.
func ParseRegister(ctx context.Context, path, documentURL string, now time.Time) (*Snapshot, error) {
	fail := func(err error) (*Snapshot, error) {
		return nil, &StageError{Stage: StageParse, URL: documentURL, Err: err}
	}

	sheet, err := ods.FirstSheet(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %w", ErrMalformedRegister, err))
	}

	n, err := declaredRows(sheet)
	if err != nil {
		return fail(err)
	}

	headers, err := scanHeaders(sheet)
	if err != nil {
		return fail(err)
	}

	// Existence of the last declared row bounds n before anything is sized by it.
	if avail := max(sheet.Rows()-firstData, 0); n > avail {
		return fail(fmt.Errorf("%w: declared %d rows but the sheet has only %d data rows",
			ErrMalformedRegister, n, avail))
	}

	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		idx := firstData + i
		row, ok := sheet.Row(idx)
		if !ok {
			return fail(fmt.Errorf("%w: declared %d rows but row %d does not exist (sheet has %d rows)",
				ErrMalformedRegister, n, idx+1, sheet.Rows()))
		}
		values := make([]string, len(headers))
		for c := range headers {
			values[c] = row.Cell(c)
		}
		records = append(records, Record{headers: headers, values: values})
	}

	snap, err := NewSnapshot(Metadata{
		DocumentURL:   documentURL,
		DiscoveryTime: now.UTC(),
		RecordCount:   n,
		ColumnHeaders: headers,
	}, records)
	if err != nil {
		return fail(err)
	}
	return snap, nil
}

func declaredRows(sheet *ods.Sheet) (int, error) {
	raw := strings.TrimSpace(sheet.Cell(0, countRow))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: row count cell A1 %q is not an integer", ErrMalformedRegister, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative row count %d in A1", ErrMalformedRegister, n)
	}
	if n > maxDeclaredRows {
		return 0, fmt.Errorf("%w: row count %d in A1 exceeds the sheet row limit", ErrMalformedRegister, n)
	}
	return n, nil
}

// scanHeaders returns the contiguous non-blank prefix of the header row.
func scanHeaders(sheet *ods.Sheet) ([]string, error) {
	var headers []string
	for col := 0; ; col++ {
		h := sheet.Cell(col, headerRow)
		if strings.TrimSpace(h) == "" {
			break
		}
		if slices.Contains(headers, h) {
			return nil, fmt.Errorf("%w: duplicate column header %q", ErrMalformedRegister, h)
		}
		headers = append(headers, h)
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: header row is empty", ErrMalformedRegister)
	}
	return headers, nil
}
