package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/logging"
	"github.com/septivank/counter-ingest-worker/internal/parser"
	"github.com/septivank/counter-ingest-worker/internal/transport"
	"github.com/septivank/counter-ingest-worker/internal/validator"
	"go.uber.org/zap"
)

// Per-file failure reasons
const (
	ReasonDownloadFailed      = "download_failed"
	ReasonParseFailed         = "parse_failed"
	ReasonMissingFilenameInfo = "missing_filename_info"
	ReasonPersistFailed       = "persist_failed"
)

func (p *Pipeline) runSFTP(ctx, bg context.Context, rs *runState) error {
	run := rs.run

	run.State = db.StateConnecting
	sess, err := p.dialer.Dial(ctx)
	if err != nil {
		run.State = db.StateConnectFailed
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			rs.log.Warn("failed to close sftp session", zap.Error(err))
		}
	}()

	run.State = db.StateListing
	names, err := sess.List(bg, p.baseDir)
	if err != nil {
		run.State = db.StateListFailed
		return err
	}

	run.State = db.StateFiltering
	sort.Strings(names)
	run.Seen = len(names)

	var items []workItem
	for _, name := range names {
		m := p.matcher.Match(name)
		if !m.Matched {
			p.recordOutcome(bg, rs, logging.WithItem(rs.log, name), db.ItemOutcome{
				ItemKey: name,
				Status:  db.ItemSkippedNonMatching,
				Reason:  m.Reason,
			})
			continue
		}
		name, m := name, m
		items = append(items, workItem{
			key: name,
			do: func(ctx context.Context, log *zap.Logger) db.ItemOutcome {
				return p.processFile(ctx, log, sess, name, m)
			},
		})
	}
	run.Eligible = len(items)
	rs.log.Info("remote directory listed",
		zap.String("dir", p.baseDir),
		zap.Int("seen", run.Seen),
		zap.Int("eligible", run.Eligible),
	)

	p.processItems(ctx, bg, rs, items)
	return nil
}

// processFile handles one matching file: download, parse, validate, persist,
// then move it out of the inbox
func (p *Pipeline) processFile(ctx context.Context, log *zap.Logger, sess transport.Session, name string, m parser.FileMatch) db.ItemOutcome {
	remotePath := path.Join(p.baseDir, name)
	fail := func(status, reason string, err error) db.ItemOutcome {
		p.moveToErrors(ctx, log, sess, remotePath)
		o := db.ItemOutcome{ItemKey: name, Status: status, Reason: reason}
		if err != nil {
			o.Error = err.Error()
		}
		return o
	}

	data, err := sess.Download(ctx, remotePath)
	if err != nil {
		return fail(db.ItemError, ReasonDownloadFailed, err)
	}

	fields, err := parser.ParseKeyValueCSV(data)
	if err != nil {
		return fail(db.ItemError, ReasonParseFailed, err)
	}

	rec, vr := p.validator.BuildRecord(fields, &validator.Identity{MAC: m.MAC, Timestamp: m.Timestamp}, db.SourceSFTP, p.now())
	if !vr.IsValid {
		if vr.Reason == validator.ReasonMissingIdentity {
			return fail(db.ItemSkipped, ReasonMissingFilenameInfo, errors.New(vr.Detail))
		}
		return fail(db.ItemError, vr.Reason, errors.New(vr.Detail))
	}

	out, err := p.persist(ctx, rec, true, false)
	if err != nil {
		return fail(db.ItemError, ReasonPersistFailed, err)
	}
	out.ItemKey = name

	p.moveToProcessed(ctx, log, sess, remotePath)
	return out
}

// moveToProcessed runs after commit; failures only warn since the row is
// already the source of truth and a re-run hits the duplicate path
func (p *Pipeline) moveToProcessed(ctx context.Context, log *zap.Logger, sess transport.Session, remotePath string) {
	if p.cfg.DryRun {
		log.Debug("dry run, leaving file in place")
		return
	}

	if p.cfg.DeleteOnSuccess {
		if err := sess.Remove(ctx, remotePath); err != nil {
			log.Warn("failed to delete processed file", zap.Error(err))
		}
		return
	}

	target := path.Join(p.baseDir, p.cfg.ProcessedDirName)
	final, err := sess.Relocate(ctx, remotePath, target)
	switch {
	case err == nil:
		log.Debug("file moved", zap.String("to", final))
	case errors.Is(err, transport.ErrMkdir):
		log.Warn("processed directory unavailable, deleting file instead", zap.Error(err))
		if err := sess.Remove(ctx, remotePath); err != nil {
			log.Warn("fallback delete failed", zap.Error(err))
		}
	default:
		log.Warn("failed to move processed file", zap.Error(err))
	}
}

// moveToErrors is best-effort; the file stays in the inbox when it fails
func (p *Pipeline) moveToErrors(ctx context.Context, log *zap.Logger, sess transport.Session, remotePath string) {
	if p.cfg.DryRun {
		return
	}
	target := path.Join(p.baseDir, p.cfg.ErrorsDirName)
	if _, err := sess.Relocate(ctx, remotePath, target); err != nil {
		log.Warn("failed to move file to errors directory", zap.Error(fmt.Errorf("%s: %w", remotePath, err)))
	}
}
