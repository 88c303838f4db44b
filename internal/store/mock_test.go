package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/audun/patchsilence/internal/model"
)

// ---------- Mock DB ----------

// mockDB implements the DB interface for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	res := m.Called(ctx, query, args)
	return res.Get(0).(pgconn.CommandTag), res.Error(1)
}

func (m *mockDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	res := m.Called(ctx, query, args)
	if res.Get(0) == nil {
		return nil, res.Error(1)
	}
	return res.Get(0).(pgx.Rows), res.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	res := m.Called(ctx, query, args)
	return res.Get(0).(pgx.Row)
}

// ---------- Exists row ----------

// existsRow implements pgx.Row for the single-bool existence lookup.
type existsRow struct {
	exists bool
	err    error
}

func (r existsRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.exists
	return nil
}

// ---------- Window rows ----------

// windowRows implements pgx.Rows over a fixed set of ledger rows, scanned
// in the column order SelectAll queries them.
type windowRows struct {
	windows []model.MaintenanceWindow
	pos     int
	err     error
}

func newWindowRows(windows ...model.MaintenanceWindow) *windowRows {
	return &windowRows{windows: windows}
}

func (r *windowRows) Next() bool {
	return r.pos < len(r.windows)
}

func (r *windowRows) Scan(dest ...any) error {
	w := r.windows[r.pos]
	r.pos++
	*(dest[0].(*string)) = w.NodeID
	*(dest[1].(*string)) = w.IPAddress
	*(dest[2].(*string)) = w.Hostname
	*(dest[3].(*string)) = w.Group
	*(dest[4].(*time.Time)) = w.StartTime
	*(dest[5].(*time.Time)) = w.EndTime
	return nil
}

func (r *windowRows) Err() error                                   { return r.err }
func (r *windowRows) Close()                                       {}
func (r *windowRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *windowRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *windowRows) RawValues() [][]byte                          { return nil }
func (r *windowRows) Values() ([]any, error)                       { return nil, nil }
func (r *windowRows) Conn() *pgx.Conn                              { return nil }
