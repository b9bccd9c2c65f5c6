package services

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Ladder cells are written verbatim so names and notes such as "1/2" or
// "=GG" are not turned into dates or formulas.
const valueInputOption = "RAW"

// SheetsClient implements SheetClient on the Google Sheets values API.
type SheetsClient struct {
	svc           *sheets.Service
	spreadsheetID string
}

func NewSheetsClient(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*SheetsClient, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsClient{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func qualify(sheet, rangeSpec string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(sheet, "'", "''"), rangeSpec)
}

func (c *SheetsClient) GetRange(ctx context.Context, sheet, rangeSpec string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, qualify(sheet, rangeSpec)).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (c *SheetsClient) UpdateRange(ctx context.Context, sheet, rangeSpec string, values [][]string) error {
	vr := &sheets.ValueRange{Values: toInterfaces(values)}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, qualify(sheet, rangeSpec), vr).
		ValueInputOption(valueInputOption).
		Context(ctx).
		Do()
	return err
}

// BatchUpdateCells sends every range in a single values.batchUpdate call.
func (c *SheetsClient) BatchUpdateCells(ctx context.Context, sheet string, updates []CellUpdate) error {
	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheets.ValueRange{
			Range:  qualify(sheet, u.Range),
			Values: toInterfaces(u.Values),
		})
	}
	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: valueInputOption,
		Data:             data,
	}
	_, err := c.svc.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
	return err
}

func toInterfaces(values [][]string) [][]interface{} {
	out := make([][]interface{}, len(values))
	for i, row := range values {
		out[i] = make([]interface{}, len(row))
		for j, v := range row {
			out[i][j] = v
		}
	}
	return out
}
