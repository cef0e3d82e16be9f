// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tscache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	rows [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i < len(r.rows) {
		r.i++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *int16:
			*p = row[i].(int16)
		case *int32:
			*p = row[i].(int32)
		case *string:
			*p = row[i].(string)
		case *[]byte:
			*p = row[i].([]byte)
		case *time.Time:
			*p = row[i].(time.Time)
		}
	}
	return nil
}

// fakeDB answers the three cache queries from canned row sets, filtering
// tagset and time_series rows by the high-water-mark argument.
type fakeDB struct {
	tagsets [][]any // id, raw json, created
	series  [][]any // metric id, metric name, tagset id, created
	liveIDs []int32
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	panic("not used")
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not used")
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "FROM tagset WHERE"):
		hwm := args[0].(time.Time)
		var out [][]any
		for _, row := range db.tagsets {
			if row[2].(time.Time).After(hwm) {
				out = append(out, row)
			}
		}
		return &fakeRows{rows: out}, nil
	case strings.Contains(sql, "FROM time_series"):
		hwm := args[0].(time.Time)
		var out [][]any
		for _, row := range db.series {
			if row[3].(time.Time).After(hwm) {
				out = append(out, row)
			}
		}
		return &fakeRows{rows: out}, nil
	default: // live tagset id scan
		var out [][]any
		for _, id := range db.liveIDs {
			out = append(out, []any{id})
		}
		return &fakeRows{rows: out}, nil
	}
}

func TestRefreshAppliesNewRows(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{
		tagsets: [][]any{
			{int32(1), []byte(`{"host":"a"}`), t0},
			{int32(2), []byte(`{"host":"b"}`), t0.Add(time.Second)},
		},
		series: [][]any{
			{int16(10), "cpu", int32(1), t0},
			{int16(10), "cpu", int32(2), t0.Add(time.Second)},
		},
	}
	clk := clock.NewMock()
	clk.Add(24 * time.Hour)
	c := NewWithClock(db, clk)
	require.NoError(t, c.Refresh(context.Background()))

	require.Equal(t, []string{"cpu"}, c.MetricNames("", 0))
	got := c.GetTagsets([]string{"cpu"}, nil, false)
	require.Len(t, got, 2)
	require.True(t, clk.Now().Equal(c.LastSuccessfulUpdate()))

	// incremental: a second refresh only sees rows past the marks
	db.tagsets = append(db.tagsets, []any{int32(3), []byte(`{"host":"c"}`), t0.Add(2 * time.Second)})
	db.series = append(db.series, []any{int16(10), "cpu", int32(3), t0.Add(2 * time.Second)})
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, c.GetTagsets([]string{"cpu"}, nil, false), 3)
}

func TestRefreshStopsAtUnknownTagset(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{
		tagsets: [][]any{{int32(1), []byte(`{"host":"a"}`), t0}},
		series: [][]any{
			{int16(10), "cpu", int32(1), t0},
			// references a tagset created after the tagset scan
			{int16(10), "cpu", int32(2), t0.Add(time.Second)},
		},
	}
	c := NewWithClock(db, clock.NewMock())
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, c.GetTagsets([]string{"cpu"}, nil, false), 1)

	// once the tagset shows up, the held-back series row is applied
	db.tagsets = append(db.tagsets, []any{int32(2), []byte(`{"host":"b"}`), t0.Add(time.Second)})
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, c.GetTagsets([]string{"cpu"}, nil, false), 2)
}

func TestPruneReconcilesAgainstLiveSet(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{
		tagsets: [][]any{
			{int32(1), []byte(`{"host":"a"}`), t0},
			{int32(2), []byte(`{"host":"b"}`), t0.Add(time.Second)},
		},
		series: [][]any{
			{int16(10), "cpu", int32(1), t0},
			{int16(10), "cpu", int32(2), t0.Add(time.Second)},
		},
		liveIDs: []int32{1},
	}
	c := NewWithClock(db, clock.NewMock())
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Prune(context.Background()))

	got := c.GetTagsets([]string{"cpu"}, nil, false)
	require.Len(t, got, 1)
	_, ok := c.TagsetTags(2)
	require.False(t, ok)
	require.Equal(t, []string{"a"}, c.Index().AllTagValues())
}

func TestPruneRequiresARefreshFirst(t *testing.T) {
	c := NewWithClock(&fakeDB{}, clock.NewMock())
	require.NoError(t, c.Prune(context.Background()), "prune before any refresh is a no-op")
}
