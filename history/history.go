// Package history implements the History Store (component C10): a durable,
// append-only log of every transaction, with a per-package flag
// distinguishing user-requested installs from auto-installed dependencies,
// used to drive autoremove, undo, redo, and rollback.
//
// Grounded on quay-claircore's rpm/sqlite package's database/sql +
// modernc.org/sqlite usage (file-backed, query_only off here since this
// store is the writer), adapted from "read RPM headers out of an existing
// DB" to "own a small append-only schema this module creates itself".
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	tdnf "github.com/opentdnf/tdnf-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS tx (
	id INTEGER PRIMARY KEY,
	cmdline TEXT NOT NULL,
	ts INTEGER NOT NULL,
	pending INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS tx_pkg (
	tx_id INTEGER NOT NULL REFERENCES tx(id),
	nevra TEXT NOT NULL,
	added INTEGER NOT NULL,
	auto INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tx_pkg_tx_id ON tx_pkg(tx_id);
CREATE INDEX IF NOT EXISTS tx_pkg_nevra ON tx_pkg(nevra);
`

// Store is the History Store, backed by a single SQLite file.
//
// A crash between Begin and Commit leaves a row with pending=1; Open
// discards (deletes) any such row on startup, satisfying spec.md §4.9's
// "must survive crashes between operations: partial writes are discarded
// on next open".
type Store struct {
	db *sql.DB

	mu      txState
	pending bool
}

// txState holds the in-progress transaction's id and the command line it
// was opened with; zero value means no transaction is open.
type txState struct {
	id      int64
	cmdline string
}

// Open opens (creating if necessary) the history database at path and
// discards any pending (crashed-mid-transaction) record.
func Open(path string) (*Store, error) {
	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {"foreign_keys(1)", "journal_mode(WAL)"},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Open", Inner: err, Message: path}
	}
	if err := db.Ping(); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Open", Inner: err, Message: path}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Open", Inner: err, Message: "schema"}
	}
	if err := discardPending(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func discardPending(db *sql.DB) error {
	rows, err := db.Query(`SELECT id FROM tx WHERE pending = 1`)
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.discardPending", Inner: err}
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.discardPending", Inner: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := db.Exec(`DELETE FROM tx_pkg WHERE tx_id = ?`, id); err != nil {
			return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.discardPending", Inner: err}
		}
		if _, err := db.Exec(`DELETE FROM tx WHERE id = ?`, id); err != nil {
			return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.discardPending", Inner: err}
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record is one history entry: the command line that produced it, when it
// ran, and the packages it added/removed (spec.md §3 "History record").
type Record struct {
	ID      int64
	Cmdline string
	Time    time.Time
	Added   []PackageFlag
	Removed []tdnf.NEVRA
}

// PackageFlag is an added package paired with its auto/user-installed flag.
type PackageFlag struct {
	NEVRA tdnf.NEVRA
	Auto  bool
}

// Begin opens a new pending record for cmdline. Only one record may be
// pending at a time; nesting is a programmer error.
func (s *Store) Begin(ctx context.Context, cmdline string) (int64, error) {
	if s.pending {
		return 0, &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "history.Begin", Message: "a transaction is already pending"}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO tx (cmdline, ts, pending) VALUES (?, ?, 1)`, cmdline, time.Now().Unix())
	if err != nil {
		return 0, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Begin", Inner: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Begin", Inner: err}
	}
	s.mu = txState{id: id, cmdline: cmdline}
	s.pending = true
	return id, nil
}

// RecordAdd appends an added-package entry to the pending record.
func (s *Store) RecordAdd(ctx context.Context, n tdnf.NEVRA, auto bool) error {
	if !s.pending {
		return &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "history.RecordAdd", Message: "no pending transaction"}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tx_pkg (tx_id, nevra, added, auto) VALUES (?, ?, 1, ?)`, s.mu.id, n.String(), boolInt(auto))
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.RecordAdd", Inner: err}
	}
	return nil
}

// RecordRemove appends a removed-package entry to the pending record.
func (s *Store) RecordRemove(ctx context.Context, n tdnf.NEVRA) error {
	if !s.pending {
		return &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "history.RecordRemove", Message: "no pending transaction"}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tx_pkg (tx_id, nevra, added, auto) VALUES (?, ?, 0, 0)`, s.mu.id, n.String())
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.RecordRemove", Inner: err}
	}
	return nil
}

// Commit marks the pending record durable.
func (s *Store) Commit(ctx context.Context) error {
	if !s.pending {
		return &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "history.Commit", Message: "no pending transaction"}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tx SET pending = 0 WHERE id = ?`, s.mu.id); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Commit", Inner: err}
	}
	s.pending = false
	s.mu = txState{}
	return nil
}

// Abort discards the pending record entirely (used when the executor's RPM
// backend step fails after download/verify succeeded).
func (s *Store) Abort(ctx context.Context) error {
	if !s.pending {
		return nil
	}
	id := s.mu.id
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tx_pkg WHERE tx_id = ?`, id); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Abort", Inner: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tx WHERE id = ?`, id); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.Abort", Inner: err}
	}
	s.pending = false
	s.mu = txState{}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// List returns committed records with id in [from, to] (either bound 0
// means unbounded), in ascending id order unless reverse is set.
func (s *Store) List(ctx context.Context, from, to int64, reverse bool) ([]Record, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT id, cmdline, ts FROM tx WHERE pending = 0
		AND (? = 0 OR id >= ?) AND (? = 0 OR id <= ?) ORDER BY id %s`, order)
	rows, err := s.db.QueryContext(ctx, q, from, from, to, to)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.List", Inner: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.ID, &r.Cmdline, &ts); err != nil {
			return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.List", Inner: err}
		}
		r.Time = time.Unix(ts, 0)
		if err := s.fillPackages(ctx, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.List", Inner: err}
	}
	return out, nil
}

func (s *Store) fillPackages(ctx context.Context, r *Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT nevra, added, auto FROM tx_pkg WHERE tx_id = ?`, r.ID)
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.fillPackages", Inner: err}
	}
	defer rows.Close()
	for rows.Next() {
		var nevraStr string
		var added, auto int
		if err := rows.Scan(&nevraStr, &added, &auto); err != nil {
			return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.fillPackages", Inner: err}
		}
		n, err := tdnf.ParseNEVRA(nevraStr)
		if err != nil {
			return &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.fillPackages", Inner: err, Message: nevraStr}
		}
		if added == 1 {
			r.Added = append(r.Added, PackageFlag{NEVRA: n, Auto: auto == 1})
		} else {
			r.Removed = append(r.Removed, n)
		}
	}
	return rows.Err()
}

// GetAutoFlag returns the auto flag recorded by the most recent committed
// transaction that added a package of this name, and whether any record
// has added one at all (spec.md §4.9 invariant: "the flag recorded by the
// most recent transaction that added it").
func (s *Store) GetAutoFlag(ctx context.Context, name string) (auto bool, present bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_pkg.auto FROM tx_pkg
		JOIN tx ON tx.id = tx_pkg.tx_id
		WHERE tx.pending = 0 AND tx_pkg.added = 1
			AND tx_pkg.nevra GLOB ? AND tx_pkg.nevra NOT GLOB ?
		ORDER BY tx.id DESC LIMIT 1`, name+"-*", name+"-*-*-*")
	var a int
	switch scanErr := row.Scan(&a); scanErr {
	case nil:
		return a == 1, true, nil
	case sql.ErrNoRows:
		return false, false, nil
	default:
		return false, false, &tdnf.Error{Kind: tdnf.ErrCache, Op: "history.GetAutoFlag", Inner: scanErr}
	}
}

// PlanUndo inverts the record at id: its added packages become erase jobs,
// its removed packages become install jobs, the same discipline
// PlanRollback generalizes to a range (spec.md §4.9).
func (s *Store) PlanUndo(ctx context.Context, id int64) ([]tdnf.Job, error) {
	recs, err := s.List(ctx, id, id, false)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &tdnf.Error{Kind: tdnf.ErrUser, Op: "history.PlanUndo", Message: fmt.Sprintf("no such transaction %d", id)}
	}
	return invert(recs[0]), nil
}

// PlanRedo re-applies the record at id: its added packages become install
// jobs, its removed packages become erase jobs (the forward direction).
func (s *Store) PlanRedo(ctx context.Context, id int64) ([]tdnf.Job, error) {
	recs, err := s.List(ctx, id, id, false)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &tdnf.Error{Kind: tdnf.ErrUser, Op: "history.PlanRedo", Message: fmt.Sprintf("no such transaction %d", id)}
	}
	return forward(recs[0]), nil
}

// PlanRollback inverts every committed record newer than id, from the most
// recent backwards, so replaying the returned jobs in order restores the
// state as of id (spec.md §4.9, scenario 4 in spec.md §8).
func (s *Store) PlanRollback(ctx context.Context, id int64) ([]tdnf.Job, error) {
	recs, err := s.List(ctx, id+1, 0, true) // descending, newest first
	if err != nil {
		return nil, err
	}
	var jobs []tdnf.Job
	for _, r := range recs {
		jobs = append(jobs, invert(r)...)
	}
	return jobs, nil
}

func invert(r Record) []tdnf.Job {
	var jobs []tdnf.Job
	for _, added := range r.Added {
		jobs = append(jobs, tdnf.Job{Selector: added.NEVRA.String(), SelectorKind: tdnf.SelectNEVRA, Action: tdnf.ActionErase})
	}
	for _, removed := range r.Removed {
		jobs = append(jobs, tdnf.Job{Selector: removed.String(), SelectorKind: tdnf.SelectNEVRA, Action: tdnf.ActionInstall})
	}
	return jobs
}

func forward(r Record) []tdnf.Job {
	var jobs []tdnf.Job
	for _, added := range r.Added {
		jobs = append(jobs, tdnf.Job{Selector: added.NEVRA.String(), SelectorKind: tdnf.SelectNEVRA, Action: tdnf.ActionInstall})
	}
	for _, removed := range r.Removed {
		jobs = append(jobs, tdnf.Job{Selector: removed.String(), SelectorKind: tdnf.SelectNEVRA, Action: tdnf.ActionErase})
	}
	return jobs
}

// Orphans returns the names of auto-installed packages that no non-auto
// installed package reaches through Requires, directly or through other
// packages, per the current installed set passed by the caller (the
// history store itself holds no live package state — spec.md §3
// "Ownership": history records own their own string copies, independent
// of any pool). Unlike transaction.ComputeUnneeded, which keeps any auto
// package another installed package requires directly, it follows Requires
// chains from the non-auto packages, and it works from history's auto-flag
// records rather than an in-memory pool mark, for callers (e.g. `autoremove`
// invoked without a freshly-loaded pool) that only have the installed
// NEVRA list and this store available.
func (s *Store) Orphans(ctx context.Context, installed []tdnf.Package) ([]string, error) {
	byName := make(map[string]tdnf.Package, len(installed))
	autoNames := make(map[string]bool, len(installed))
	for _, pk := range installed {
		byName[pk.Name] = pk
		auto, present, err := s.GetAutoFlag(ctx, pk.Name)
		if err != nil {
			return nil, err
		}
		if present && auto {
			autoNames[pk.Name] = true
		}
	}

	// A package is live if it is user-installed, or reachable by Requires
	// from some live package. Auto-installed packages that are never
	// reached from a live root are orphans, even if they in turn require
	// other auto packages (those are orphans too, once the chain above
	// them is gone).
	live := make(map[string]bool, len(installed))
	var mark func(name string)
	mark = func(name string) {
		if live[name] {
			return
		}
		pk, ok := byName[name]
		if !ok {
			return
		}
		live[name] = true
		for _, dep := range pk.Requires {
			mark(dep.Name)
		}
	}
	for _, pk := range installed {
		if !autoNames[pk.Name] {
			mark(pk.Name)
		}
	}

	var out []string
	for name := range autoNames {
		if !live[name] {
			out = append(out, name)
		}
	}
	return out, nil
}
