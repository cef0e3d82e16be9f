// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tsgate/tsgate/internal/data_model"
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
		}
	}
	return nil
}

type call struct {
	sql  string
	args []any
}

// fakeDB resolves metric upserts by handing out sequential ids in argument
// order and tagset upserts by echoing the canonical json back with
// sequential ids.
type fakeDB struct {
	calls    []call
	execTag  pgconn.CommandTag
	execErr  error
	metricID int16
	tagsetID int32
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.calls = append(db.calls, call{sql, args})
	return db.execTag, db.execErr
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not used")
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.calls = append(db.calls, call{sql, args})
	var out [][]any
	switch {
	case strings.Contains(sql, "INSERT INTO metric"):
		for _, name := range args[0].([]string) {
			db.metricID++
			out = append(out, []any{db.metricID, name})
		}
	case strings.Contains(sql, "INSERT INTO tagset"):
		for _, canon := range args[0].([]string) {
			db.tagsetID++
			out = append(out, []any{db.tagsetID, []byte(canon)})
		}
	}
	return &fakeRows{rows: out}, nil
}

func newTestInserter(db *fakeDB) *Inserter {
	return New(db, 16, 16, time.Hour)
}

func TestInsertBatchEmpty(t *testing.T) {
	ins := newTestInserter(&fakeDB{})
	stats, err := ins.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestInsertBatchResolvesAndInserts(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 3")}
	ins := newTestInserter(db)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	points := []Point{
		{Metric: "mem", Time: now.Add(time.Second), Value: 1, Tags: data_model.Tags{"host": "a"}},
		{Metric: "cpu", Time: now, Value: 2, Tags: data_model.Tags{"host": "a"}},
		{Metric: "cpu", Time: now.Add(2 * time.Second), Value: 3, Tags: data_model.Tags{"host": "b"}},
	}
	stats, err := ins.InsertBatch(context.Background(), points)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.PointsWritten)
	require.Equal(t, float64(2.0/3.0), stats.MetricCacheMissRate)
	require.Equal(t, float64(2.0/3.0), stats.TagsetCacheMissRate)

	require.Len(t, db.calls, 3)
	require.Contains(t, db.calls[0].sql, "INSERT INTO metric")
	require.Equal(t, []string{"cpu", "mem"}, db.calls[0].args[0], "missing metric names sorted ascending")
	require.Contains(t, db.calls[1].sql, "INSERT INTO tagset")
	canon := db.calls[1].args[0].([]string)
	require.True(t, sort.StringsAreSorted(canon), "missing tagsets sorted ascending")
	require.Contains(t, db.calls[2].sql, "INSERT INTO point")
	require.Contains(t, db.calls[2].sql, `ORDER BY metric_id, tagset_id, "time"`)

	// cpu resolved first (sorted), so cpu=1, mem=2
	metricIDs := db.calls[2].args[0].([]int16)
	tagsetIDs := db.calls[2].args[1].([]int32)
	require.Equal(t, []int16{1, 1, 2}, metricIDs, "rows sorted by metric id")
	require.True(t, sort.SliceIsSorted(tagsetIDs, func(i, j int) bool { // within cpu
		return metricIDs[i] < metricIDs[j] || (metricIDs[i] == metricIDs[j] && tagsetIDs[i] < tagsetIDs[j])
	}))
}

func TestInsertBatchUsesCacheOnSecondWrite(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	ins := newTestInserter(db)
	now := time.Now()
	points := []Point{{Metric: "cpu", Time: now, Value: 1, Tags: data_model.Tags{"host": "a"}}}

	_, err := ins.InsertBatch(context.Background(), points)
	require.NoError(t, err)
	require.Len(t, db.calls, 3)

	db.calls = nil
	stats, err := ins.InsertBatch(context.Background(), points)
	require.NoError(t, err)
	require.Len(t, db.calls, 1, "no resolution round trips on a warm cache")
	require.Contains(t, db.calls[0].sql, "INSERT INTO point")
	require.Equal(t, float64(0), stats.MetricCacheMissRate)
	require.Equal(t, float64(0), stats.TagsetCacheMissRate)
}

func TestInsertBatchErrorDoesNotPolluteCaches(t *testing.T) {
	db := &fakeDB{execErr: context.DeadlineExceeded}
	ins := newTestInserter(db)
	now := time.Now()
	points := []Point{{Metric: "cpu", Time: now, Value: 1, Tags: data_model.Tags{"host": "a"}}}

	_, err := ins.InsertBatch(context.Background(), points)
	require.Error(t, err)

	// retry resolves again: the failed batch must not have revalidated
	db.execErr = nil
	db.execTag = pgconn.NewCommandTag("INSERT 0 1")
	db.calls = nil
	_, err = ins.InsertBatch(context.Background(), points)
	require.NoError(t, err)
	require.Len(t, db.calls, 3, "ids are re-resolved after a failed batch")
}

func TestSortPointRowsOrdering(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(r, "n")
		rows := make([]pointRow, n)
		for i := range rows {
			rows[i] = pointRow{
				metricID: int16(rapid.IntRange(1, 4).Draw(r, "m")),
				tagsetID: int32(rapid.IntRange(1, 4).Draw(r, "t")),
				time:     time.Unix(int64(rapid.IntRange(0, 100).Draw(r, "ts")), 0),
			}
		}
		sortPointRows(rows)
		for i := 1; i < len(rows); i++ {
			a, b := rows[i-1], rows[i]
			less := a.metricID < b.metricID ||
				(a.metricID == b.metricID && a.tagsetID < b.tagsetID) ||
				(a.metricID == b.metricID && a.tagsetID == b.tagsetID && !a.time.After(b.time))
			require.True(r, less)
		}
	})
}
