package service

import (
	"context"
	"errors"
	"io"

	"gpos/backend/internal/csvimport"
	"gpos/backend/internal/domain"
)

// ImportInvoicesCSV creates one sales invoice per invoice group of an
// exported CSV. A failing group does not stop the others. Each group carries
// a derived unique id, so importing the same file twice reports duplicates.
// The Date column becomes the posting date.
func (s *Service) ImportInvoicesCSV(ctx context.Context, r io.Reader) (domain.CSVImportResponse, error) {
	rows, err := csvimport.Parse(r)
	if err != nil {
		if errors.Is(err, csvimport.ErrMalformed) {
			return domain.CSVImportResponse{}, invalidf("%v", err)
		}
		return domain.CSVImportResponse{}, err
	}

	batch := csvimport.Fold(rows)
	if len(batch.Groups) == 0 {
		return domain.CSVImportResponse{}, invalidf("csv contains no invoices")
	}

	resp := domain.CSVImportResponse{
		Results: make([]domain.CSVImportResult, 0, len(batch.Groups)),
		Orphans: len(batch.Orphans),
	}
	for _, group := range batch.Groups {
		result := domain.CSVImportResult{InvoiceID: group.InvoiceID, Rows: len(group.Rows)}

		lines := make([]domain.InvoiceLineRequest, 0, len(group.Rows))
		for _, row := range group.Rows {
			lines = append(lines, domain.InvoiceLineRequest{
				ItemCode: row.ItemCode,
				Quantity: row.Qty,
				Rate:     row.Rate,
				UOM:      row.UOM,
			})
		}

		created, err := s.CreateInvoice(ctx, domain.InvoiceCreateRequest{
			CustomerName:        group.Customer,
			Items:               lines,
			UniqueID:            "csv-" + group.InvoiceID,
			OfflineCreationTime: group.PostingDate,
		})
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Created = created.Invoice.ID
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}
