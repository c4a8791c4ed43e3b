package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/repository"
	"github.com/septivank/counter-ingest-worker/internal/scrape"
	"github.com/septivank/counter-ingest-worker/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore keeps committed state in maps; a transaction works on a copy
type fakeStore struct {
	rows      map[string]db.CounterRecord
	cursor    *db.Cursor
	started   []*db.RunAttempt
	finished  []db.RunAttempt
	items     []db.ItemOutcome
	failMAC   string
	startErr  error
	commits   int
	rollbacks int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]db.CounterRecord{}}
}

func identity(mac string, ts time.Time) string {
	return mac + "|" + ts.UTC().Format(time.RFC3339)
}

func (s *fakeStore) InTx(ctx context.Context, commit bool, fn func(repository.Querier) error) error {
	tx := &fakeTx{rows: make(map[string]db.CounterRecord, len(s.rows)), failMAC: s.failMAC}
	for k, v := range s.rows {
		tx.rows[k] = v
	}
	if s.cursor != nil {
		c := *s.cursor
		tx.cursor = &c
	}

	if err := fn(tx); err != nil {
		s.rollbacks++
		return err
	}
	if !commit {
		s.rollbacks++
		return nil
	}
	s.rows = tx.rows
	s.cursor = tx.cursor
	s.commits++
	return nil
}

func (s *fakeStore) ReadCursor(ctx context.Context) (*db.Cursor, error) {
	if s.cursor == nil {
		return nil, repository.ErrNoCursor
	}
	c := *s.cursor
	return &c, nil
}

func (s *fakeStore) StartRun(ctx context.Context, run *db.RunAttempt) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, run)
	return nil
}

func (s *fakeStore) FinishRun(ctx context.Context, run *db.RunAttempt) error {
	s.finished = append(s.finished, *run)
	return nil
}

func (s *fakeStore) AppendItemOutcome(ctx context.Context, o db.ItemOutcome) error {
	s.items = append(s.items, o)
	return nil
}

func (s *fakeStore) item(key string) (db.ItemOutcome, bool) {
	for _, o := range s.items {
		if o.ItemKey == key {
			return o, true
		}
	}
	return db.ItemOutcome{}, false
}

type fakeTx struct {
	rows    map[string]db.CounterRecord
	cursor  *db.Cursor
	failMAC string
}

func (t *fakeTx) ExistsByIdentity(ctx context.Context, mac string, ts time.Time) (bool, error) {
	_, ok := t.rows[identity(mac, ts)]
	return ok, nil
}

func (t *fakeTx) Upsert(ctx context.Context, rec *db.CounterRecord) (bool, error) {
	if rec.MACNorm == t.failMAC {
		return false, errors.New("duplicate key value violates unique constraint")
	}
	key := identity(rec.MACNorm, rec.Timestamp)
	_, existed := t.rows[key]
	t.rows[key] = *rec
	return !existed, nil
}

func (t *fakeTx) RecentTotals(ctx context.Context, mac string, before time.Time, limit int) ([]int64, error) {
	var recs []db.CounterRecord
	for _, r := range t.rows {
		if r.MACNorm == mac && r.Timestamp.Before(before) && r.TotalPages != nil {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	var out []int64
	for i := 0; i < len(recs) && i < limit; i++ {
		out = append(out, *recs[i].TotalPages)
	}
	return out, nil
}

func (t *fakeTx) AdvanceCursor(ctx context.Context, ts time.Time, mac string) (bool, error) {
	if !t.cursor.Less(ts, mac) {
		return false, nil
	}
	t.cursor = &db.Cursor{Timestamp: ts, MACNorm: mac}
	return true, nil
}

type fakeLocker struct {
	deny     bool
	err      error
	held     bool
	released int
}

func (l *fakeLocker) TryAcquire(ctx context.Context, name string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.deny || l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, name string) error {
	if !l.held {
		return errors.New("not held")
	}
	l.held = false
	l.released++
	return nil
}

type fakeDialer struct {
	sess  *fakeSession
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

// fakeSession is an in-memory remote directory tree
type fakeSession struct {
	files       map[string][]byte
	listErr     error
	downloadErr map[string]error
	relocateErr map[string]error
	onDownload  func(remotePath string)
	downloads   []string
	removed     []string
	closed      int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		files:       map[string][]byte{},
		downloadErr: map[string]error{},
		relocateErr: map[string]error{},
	}
}

func (s *fakeSession) put(p, body string) {
	s.files[p] = []byte(body)
}

func (s *fakeSession) has(p string) bool {
	_, ok := s.files[p]
	return ok
}

func (s *fakeSession) List(ctx context.Context, dir string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var names []string
	for p := range s.files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	s.downloads = append(s.downloads, remotePath)
	if s.onDownload != nil {
		s.onDownload(remotePath)
	}
	if err := s.downloadErr[remotePath]; err != nil {
		return nil, err
	}
	data, ok := s.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("%w: %s: not found", transport.ErrDownload, remotePath)
	}
	return data, nil
}

func (s *fakeSession) Relocate(ctx context.Context, remotePath, targetDir string) (string, error) {
	for dir, err := range s.relocateErr {
		if strings.HasSuffix(targetDir, dir) {
			return "", err
		}
	}
	data, ok := s.files[remotePath]
	if !ok {
		return "", fmt.Errorf("%w: %s: not found", transport.ErrRelocate, remotePath)
	}
	delete(s.files, remotePath)
	final := path.Join(targetDir, path.Base(remotePath))
	s.files[final] = data
	return final, nil
}

func (s *fakeSession) Remove(ctx context.Context, remotePath string) error {
	delete(s.files, remotePath)
	s.removed = append(s.removed, remotePath)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeRows struct {
	rows []scrape.Row
	err  error
}

func (f *fakeRows) Fetch(ctx context.Context) ([]scrape.Row, error) {
	return f.rows, f.err
}

type fakeNotifier struct {
	runs []*db.RunAttempt
}

func (n *fakeNotifier) PublishRun(ctx context.Context, run *db.RunAttempt) error {
	n.runs = append(n.runs, run)
	return nil
}
