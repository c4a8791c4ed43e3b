package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/logging"
	"github.com/septivank/counter-ingest-worker/internal/repository"
	"github.com/septivank/counter-ingest-worker/internal/scrape"
	"github.com/septivank/counter-ingest-worker/tools/timeparser"
	"go.uber.org/zap"
)

// runHTML ingests table rows that sort after the cursor. Each committed row
// moves the cursor in its own transaction. Once a row fails, later rows are
// still written but the cursor stays put, so the next poll retries the failed
// row and merges the rest again.
func (p *Pipeline) runHTML(ctx, bg context.Context, rs *runState) error {
	run := rs.run

	run.State = db.StateConnecting
	rows, err := p.rows.Fetch(ctx)
	if err != nil {
		if errors.Is(err, scrape.ErrFetch) {
			run.State = db.StateConnectFailed
		} else {
			run.State = db.StateListFailed
		}
		return err
	}

	run.State = db.StateListing
	cursor, err := p.store.ReadCursor(bg)
	if err != nil && !errors.Is(err, repository.ErrNoCursor) {
		run.State = db.StateListFailed
		return err
	}
	if cursor != nil {
		rs.note("cursor", map[string]string{
			"timestamp": timeparser.Format(cursor.Timestamp),
			"mac":       cursor.MACNorm,
		})
	}

	run.State = db.StateFiltering
	run.Seen = len(rows)

	var (
		records []*db.CounterRecord
		behind  int
	)
	for _, row := range rows {
		rec, vr := p.validator.BuildRecord(row.Fields, nil, db.SourceHTML, p.now())
		if !vr.IsValid {
			key := fmt.Sprintf("row:%d", row.Index)
			// The page is re-read on every poll, so a bad row is skipped rather
			// than failing every run.
			p.recordOutcome(bg, rs, logging.WithItem(rs.log, key), db.ItemOutcome{
				ItemKey: key,
				Status:  db.ItemSkipped,
				Reason:  vr.Reason,
				Error:   vr.Detail,
			})
			continue
		}
		if !cursor.Less(rec.Timestamp, rec.MACNorm) {
			behind++
			continue
		}
		records = append(records, rec)
	}
	if behind > 0 {
		rs.note("behind_cursor", behind)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].MACNorm < records[j].MACNorm
	})

	failed := false
	items := make([]workItem, 0, len(records))
	for _, rec := range records {
		rec := rec
		key := rowKey(rec)
		items = append(items, workItem{
			key: key,
			do: func(ctx context.Context, log *zap.Logger) db.ItemOutcome {
				out, err := p.persist(ctx, rec, false, !failed)
				if err != nil {
					failed = true
					return db.ItemOutcome{ItemKey: key, Status: db.ItemError, Reason: ReasonPersistFailed, Error: err.Error()}
				}
				out.ItemKey = key
				return out
			},
		})
	}
	run.Eligible = len(items)
	rs.log.Info("html table read",
		zap.Int("seen", run.Seen),
		zap.Int("eligible", run.Eligible),
		zap.Int("behind_cursor", behind),
	)

	p.processItems(ctx, bg, rs, items)
	return nil
}

func rowKey(rec *db.CounterRecord) string {
	return rec.MACNorm + "@" + timeparser.Format(rec.Timestamp)
}
