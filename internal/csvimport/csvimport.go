package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column headers of the invoice export format.
const (
	colID       = "ID"
	colCustomer = "Customer"
	colCompany  = "Company"
	colDate     = "Date"
	colItem     = "Item Name (Items)"
	colQty      = "UOM Conversion Factor (Items)"
	colRate     = "Rate (Items)"
	colUOM      = "UOM (Items)"
	colAmount   = "Amount (Items)"
)

var ErrMalformed = errors.New("malformed csv")

// dateLayouts are tried in order for the Date column.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02-01-2006",
}

type Row struct {
	Line      int
	InvoiceID string
	Customer  string
	Company   string
	Date      *time.Time
	ItemCode  string
	UOM       string
	Qty       decimal.Decimal
	Rate      decimal.Decimal
	Amount    decimal.Decimal
}

// Group is one invoice. A repeated ID replaces the header fields with the
// latest row's values and keeps appending item rows.
type Group struct {
	InvoiceID   string
	Customer    string
	Company     string
	PostingDate *time.Time
	Rows        []Row
}

// Batch holds the groups in first-seen order plus an index by invoice ID.
// Orphans are line numbers of item rows that appeared before any ID.
type Batch struct {
	Groups  []Group
	Orphans []int
	index   map[string]int
}

func (b *Batch) Lookup(invoiceID string) (*Group, bool) {
	i, ok := b.index[invoiceID]
	if !ok {
		return nil, false
	}
	return &b.Groups[i], true
}

// foldState is the accumulator threaded through Fold. current is the arena
// index of the group that receives rows without an ID, or -1.
type foldState struct {
	batch   *Batch
	current int
}

func (s foldState) step(row Row) foldState {
	if row.InvoiceID == "" {
		if s.current < 0 {
			s.batch.Orphans = append(s.batch.Orphans, row.Line)
			return s
		}
		group := &s.batch.Groups[s.current]
		group.Rows = append(group.Rows, row)
		return s
	}

	i, ok := s.batch.index[row.InvoiceID]
	if !ok {
		s.batch.Groups = append(s.batch.Groups, Group{InvoiceID: row.InvoiceID})
		i = len(s.batch.Groups) - 1
		s.batch.index[row.InvoiceID] = i
	}
	group := &s.batch.Groups[i]
	group.Customer = row.Customer
	group.Company = row.Company
	group.PostingDate = row.Date
	group.Rows = append(group.Rows, row)
	s.current = i
	return s
}

// Fold pairs rows with their invoice in one pass.
func Fold(rows []Row) *Batch {
	state := foldState{
		batch:   &Batch{Groups: make([]Group, 0, 8), index: make(map[string]int)},
		current: -1,
	}
	for _, row := range rows {
		state = state.step(row)
	}
	return state.batch
}

// Parse reads a CSV document with a header line into rows. Line numbers
// count data rows from 1.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := columns[colItem]; !ok {
		return nil, fmt.Errorf("%w: missing column %q", ErrMalformed, colItem)
	}

	rows := make([]Row, 0, 16)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row := Row{
			Line:      line,
			InvoiceID: field(colID),
			Customer:  field(colCustomer),
			Company:   field(colCompany),
			ItemCode:  field(colItem),
			UOM:       field(colUOM),
		}
		if row.UOM == "" {
			row.UOM = "Nos"
		}
		if row.Qty, err = decimalOr(field(colQty), decimal.NewFromInt(1)); err != nil {
			return nil, fmt.Errorf("%w: line %d: quantity: %v", ErrMalformed, line, err)
		}
		if row.Rate, err = decimalOr(field(colRate), decimal.Zero); err != nil {
			return nil, fmt.Errorf("%w: line %d: rate: %v", ErrMalformed, line, err)
		}
		if row.Amount, err = decimalOr(field(colAmount), decimal.Zero); err != nil {
			return nil, fmt.Errorf("%w: line %d: amount: %v", ErrMalformed, line, err)
		}
		if row.Rate.IsZero() && !row.Amount.IsZero() && !row.Qty.IsZero() {
			row.Rate = row.Amount.Div(row.Qty).Round(2)
		}
		if raw := field(colDate); raw != "" {
			date, err := parseDate(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: date %q", ErrMalformed, line, raw)
			}
			row.Date = &date
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decimalOr(raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return fallback, nil
	}
	return decimal.NewFromString(raw)
}

func parseDate(raw string) (time.Time, error) {
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
