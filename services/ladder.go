package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"challenge-ladder/models"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

const (
	firstDataRow = 2 // row 1 holds the sheet headers
	lastColumn   = "H"
)

// CellUpdate is one range write inside a batch.
type CellUpdate struct {
	Range  string
	Values [][]string
}

// SheetClient is the tabular store holding the ladder. Ranges are given in
// A1 notation relative to the named sheet.
type SheetClient interface {
	GetRange(ctx context.Context, sheet, rangeSpec string) ([][]string, error)
	UpdateRange(ctx context.Context, sheet, rangeSpec string, values [][]string) error
	BatchUpdateCells(ctx context.Context, sheet string, updates []CellUpdate) error
}

// Ladder is the typed view over the ladder sheet. It is the only place rows
// are converted to and from positional cells.
type Ladder struct {
	client SheetClient
	sheet  string
	log    *zap.SugaredLogger
}

func NewLadder(client SheetClient, sheet string, log *zap.SugaredLogger) *Ladder {
	return &Ladder{client: client, sheet: sheet, log: log}
}

func rowRange(sheetRow int) string {
	return fmt.Sprintf("A%d:%s%d", sheetRow, lastColumn, sheetRow)
}

// Rows reads every ranked player, ordered by rank. Blank rows are skipped;
// rows with an unreadable rank are logged and skipped.
func (l *Ladder) Rows(ctx context.Context) ([]models.PlayerRow, error) {
	cells, err := l.client.GetRange(ctx, l.sheet, fmt.Sprintf("A%d:%s", firstDataRow, lastColumn))
	if err != nil {
		return nil, fmt.Errorf("reading ladder sheet %q: %w", l.sheet, err)
	}
	rows := make([]models.PlayerRow, 0, len(cells))
	for i, raw := range cells {
		sheetRow := firstDataRow + i
		if isBlankRow(raw) {
			continue
		}
		row, err := DecodeRow(sheetRow, raw)
		if err != nil {
			l.log.Warnw("[LADDER] skipping malformed row", "sheet_row", sheetRow, "err", err)
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Rank < rows[j].Rank })
	return rows, nil
}

// WriteRows writes full rows back to their sheet positions. Multiple rows go
// out as one batch request.
func (l *Ladder) WriteRows(ctx context.Context, rows ...models.PlayerRow) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if r.SheetRow < firstDataRow {
			return fmt.Errorf("row for rank %d has no sheet position", r.Rank)
		}
	}
	if len(rows) == 1 {
		r := rows[0]
		if err := l.client.UpdateRange(ctx, l.sheet, rowRange(r.SheetRow), [][]string{EncodeRow(r)}); err != nil {
			return fmt.Errorf("updating ladder row %d: %w", r.SheetRow, err)
		}
		return nil
	}
	updates := make([]CellUpdate, 0, len(rows))
	for _, r := range rows {
		updates = append(updates, CellUpdate{Range: rowRange(r.SheetRow), Values: [][]string{EncodeRow(r)}})
	}
	if err := l.client.BatchUpdateCells(ctx, l.sheet, updates); err != nil {
		return fmt.Errorf("batch updating %d ladder rows: %w", len(rows), err)
	}
	return nil
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(cells []string, i int) string {
	if i < len(cells) {
		return strings.TrimSpace(cells[i])
	}
	return ""
}

// DecodeRow converts positional sheet cells into a PlayerRow.
func DecodeRow(sheetRow int, cells []string) (models.PlayerRow, error) {
	rank, err := strconv.Atoi(cell(cells, 0))
	if err != nil || rank <= 0 {
		return models.PlayerRow{}, fmt.Errorf("invalid rank %q", cell(cells, 0))
	}
	row := models.PlayerRow{
		SheetRow:           sheetRow,
		Rank:               rank,
		DisplayName:        cell(cells, 1),
		Status:             normalizeStatus(cell(cells, 2)),
		ChallengeTimestamp: cell(cells, 3),
		ExternalUserID:     cell(cells, 5),
		Notes:              cell(cells, 6),
		CooldownNote:       cell(cells, 7),
	}
	if opp := cell(cells, 4); opp != "" {
		n, err := strconv.Atoi(opp)
		if err != nil {
			return models.PlayerRow{}, fmt.Errorf("invalid opponent rank %q for rank %d", opp, rank)
		}
		row.OpponentRank = n
	}
	return row, nil
}

// EncodeRow is the inverse of DecodeRow.
func EncodeRow(p models.PlayerRow) []string {
	opp := ""
	if p.OpponentRank > 0 {
		opp = strconv.Itoa(p.OpponentRank)
	}
	return []string{
		strconv.Itoa(p.Rank),
		p.DisplayName,
		string(p.Status),
		p.ChallengeTimestamp,
		opp,
		p.ExternalUserID,
		p.Notes,
		p.CooldownNote,
	}
}

func normalizeStatus(s string) models.PlayerStatus {
	switch strings.ToLower(s) {
	case "challenge":
		return models.StatusChallenge
	case "vacation":
		return models.StatusVacation
	default:
		return models.StatusAvailable
	}
}

// FindByRank returns a copy of the row holding rank.
func FindByRank(rows []models.PlayerRow, rank int) (models.PlayerRow, bool) {
	for _, r := range rows {
		if r.Rank == rank {
			return r, true
		}
	}
	return models.PlayerRow{}, false
}

// FindPlayer resolves a rank number or a display name. Names match after
// slug normalisation, so "Zed Main", "zed-main" and "ZED  MAIN" agree.
func FindPlayer(rows []models.PlayerRow, rankOrName string) (models.PlayerRow, error) {
	query := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rankOrName), "#"))
	if query == "" {
		return models.PlayerRow{}, validationError(CodePlayerNotFound, "A rank or player name is required.")
	}
	if rank, err := strconv.Atoi(query); err == nil {
		row, ok := FindByRank(rows, rank)
		if !ok {
			return models.PlayerRow{}, notFoundError("No player holds rank #%d.", rank)
		}
		return row, nil
	}

	want := slug.Make(query)
	var matches []models.PlayerRow
	for _, r := range rows {
		if slug.Make(r.DisplayName) == want {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return models.PlayerRow{}, notFoundError("No player named %q is on the ladder.", query)
	case 1:
		return matches[0], nil
	default:
		return models.PlayerRow{}, notFoundError("%d players match %q; use a rank number instead.", len(matches), query)
	}
}
