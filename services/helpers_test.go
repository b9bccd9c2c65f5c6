package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"challenge-ladder/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	ladderZone = time.FixedZone("EST", -5*60*60)
	testNow    = time.Date(2025, time.March, 10, 15, 0, 0, 0, ladderZone)
)

// memorySheet is an in-memory SheetClient keyed by 1-based sheet row.
type memorySheet struct {
	mu       sync.Mutex
	rows     map[int][]string
	readErr  error
	writeErr error
	updates  int
	batches  int
}

func newMemorySheet(rows ...[]string) *memorySheet {
	m := &memorySheet{rows: make(map[int][]string)}
	for i, r := range rows {
		m.rows[firstDataRow+i] = r
	}
	return m
}

func parseRowRange(rangeSpec string) (int, error) {
	var from, to int
	if _, err := fmt.Sscanf(rangeSpec, "A%d:H%d", &from, &to); err != nil {
		return 0, fmt.Errorf("unsupported range %q: %w", rangeSpec, err)
	}
	if from != to {
		return 0, fmt.Errorf("multi-row range %q", rangeSpec)
	}
	return from, nil
}

func (m *memorySheet) GetRange(_ context.Context, _ string, _ string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	last := 0
	for r := range m.rows {
		if r > last {
			last = r
		}
	}
	var out [][]string
	for r := firstDataRow; r <= last; r++ {
		out = append(out, append([]string(nil), m.rows[r]...))
	}
	return out, nil
}

func (m *memorySheet) UpdateRange(_ context.Context, _ string, rangeSpec string, values [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	row, err := parseRowRange(rangeSpec)
	if err != nil {
		return err
	}
	m.rows[row] = append([]string(nil), values[0]...)
	m.updates++
	return nil
}

func (m *memorySheet) BatchUpdateCells(_ context.Context, _ string, updates []CellUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for _, u := range updates {
		row, err := parseRowRange(u.Range)
		if err != nil {
			return err
		}
		m.rows[row] = append([]string(nil), u.Values[0]...)
	}
	m.batches++
	return nil
}

func (m *memorySheet) row(sheetRow int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[sheetRow]
}

// sheetRow builds positional cells: rank, name, status, date, opponent, id.
func sheetRow(rank int, name string, status models.PlayerStatus, date string, opponent int, id string) []string {
	opp := ""
	if opponent > 0 {
		opp = strconv.Itoa(opponent)
	}
	return []string{strconv.Itoa(rank), name, string(status), date, opp, id, "", ""}
}

func available(rank int, name string) []string {
	return sheetRow(rank, name, models.StatusAvailable, "", 0, "u"+strconv.Itoa(rank))
}

// standardLadder is twenty available players, "Player N" at rank N with id uN.
func standardLadder() [][]string {
	rows := make([][]string, 0, 20)
	for i := 1; i <= 20; i++ {
		rows = append(rows, available(i, "Player "+strconv.Itoa(i)))
	}
	return rows
}

type recordingNotifier struct {
	mu            sync.Mutex
	announcements []Announcement
	mentions      map[string][]string
	err           error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{mentions: make(map[string][]string)}
}

func (n *recordingNotifier) Announce(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announcements = append(n.announcements, Announcement{Description: message})
	return n.err
}

func (n *recordingNotifier) AnnounceEmbed(_ context.Context, a Announcement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announcements = append(n.announcements, a)
	return n.err
}

func (n *recordingNotifier) Mention(_ context.Context, id, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mentions[id] = append(n.mentions[id], message)
	return n.err
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.announcements))
	for i, a := range n.announcements {
		out[i] = a.Title
	}
	return out
}

type fakeRecorder struct {
	outcomes []MatchOutcome
	err      error
}

func (f *fakeRecorder) RecordMatch(_ context.Context, o MatchOutcome) error {
	f.outcomes = append(f.outcomes, o)
	return f.err
}

type fixture struct {
	mr       *miniredis.Miniredis
	sheet    *memorySheet
	store    *FastStore
	ladder   *Ladder
	clock    *ChallengeClock
	notifier *recordingNotifier
	stats    *fakeRecorder
	svc      *ChallengeService
	rec      *Reconciler
}

func newFixture(t *testing.T, rows ...[]string) *fixture {
	t.Helper()
	return newFixtureAt(t, testNow, rows...)
}

func newFixtureAt(t *testing.T, now time.Time, rows ...[]string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop().Sugar()
	f := &fixture{
		mr:       mr,
		sheet:    newMemorySheet(rows...),
		store:    NewFastStore(rdb, log),
		clock:    NewChallengeClock(ladderZone, func() time.Time { return now }),
		notifier: newRecordingNotifier(),
		stats:    &fakeRecorder{},
	}
	f.ladder = NewLadder(f.sheet, "NA RANKED", log)
	f.svc = NewChallengeService(f.ladder, f.store, f.notifier, f.stats, f.clock, log)
	f.rec = NewReconciler(f.ladder, f.store, f.notifier, f.clock, log)
	return f
}

func (f *fixture) player(t *testing.T, rank int) models.PlayerRow {
	t.Helper()
	rows, err := f.ladder.Rows(context.Background())
	require.NoError(t, err)
	p, ok := FindByRank(rows, rank)
	require.True(t, ok, "rank %d missing", rank)
	return p
}

var (
	moderator = Requester{ExternalUserID: "mod", Privileged: true}
	errSheet  = errors.New("sheets api: 503 backend unavailable")
)

func playerAs(id string) Requester {
	return Requester{ExternalUserID: id}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "unexpected error: %v", err)
}
