package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"
)

// dialect captures the differences between the sqlite and postgres drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// lock suffix for the credential read inside UpdateCredentials
	forUpdate string
}

type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
}

// q rewrites ? placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	// lib/pq and modernc both accept multi-statement Exec without args.
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const profileCols = `id, name, platform, credentials, proxy, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (model.Profile, error) {
	var (
		p       model.Profile
		plat    string
		blob    string
		proxy   sql.NullString
		created int64
	)
	if err := r.Scan(&p.ID, &p.Name, &plat, &blob, &proxy, &p.Version, &created); err != nil {
		return model.Profile{}, err
	}
	creds, err := model.UnmarshalCredentials([]byte(blob))
	if err != nil {
		return model.Profile{}, fmt.Errorf("profile %d: %w", p.ID, err)
	}
	p.Platform = model.Platform(plat)
	p.Credentials = creds
	p.Proxy = proxy.String
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}

func (s *sqlStore) GetProfile(ctx context.Context, id int64) (model.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, s.q(`SELECT `+profileCols+` FROM profiles WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("%w: %d", model.ErrProfileNotFound, id)
	}
	return p, err
}

func (s *sqlStore) ListProfiles(ctx context.Context, f ProfileFilter) ([]model.Profile, error) {
	query := `SELECT ` + profileCols + ` FROM profiles`
	var args []any
	if f.Platform != "" {
		query += ` WHERE platform = ?`
		args = append(args, string(f.Platform))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		if matchProfile(p, f) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	if err := validateProfile(p); err != nil {
		return model.Profile{}, err
	}
	blob, err := p.Credentials.MarshalBlob()
	if err != nil {
		return model.Profile{}, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Version = 0
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO profiles(name, platform, credentials, proxy, version, created_at)
		 VALUES(?,?,?,?,?,?) RETURNING id`),
		p.Name, string(p.Platform), string(blob), nullStr(p.Proxy), p.Version, p.CreatedAt.UnixMilli(),
	).Scan(&p.ID)
	if err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

func (s *sqlStore) UpdateCredentials(ctx context.Context, id int64, merge MergeFunc) (model.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Profile{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProfile(tx.QueryRowContext(ctx, s.q(`SELECT `+profileCols+` FROM profiles WHERE id = ?`+s.d.forUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("%w: %d", model.ErrProfileNotFound, id)
	}
	if err != nil {
		return model.Profile{}, err
	}

	next, err := merge(p.Credentials.Clone())
	if err != nil {
		return model.Profile{}, err
	}
	if err := next.Validate(p.Platform); err != nil {
		return model.Profile{}, err
	}
	blob, err := next.MarshalBlob()
	if err != nil {
		return model.Profile{}, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE profiles SET credentials = ?, version = version + 1 WHERE id = ?`), string(blob), id); err != nil {
		return model.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Profile{}, err
	}
	p.Credentials = next
	p.Version++
	return p, nil
}

const templateCols = `id, name, subject, body`

func scanTemplate(r rowScanner) (model.Template, error) {
	var (
		t       model.Template
		subject sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Name, &subject, &t.Body); err != nil {
		return model.Template{}, err
	}
	t.Subject = subject.String
	return t, nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, id int64) (model.Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, s.q(`SELECT `+templateCols+` FROM templates WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, fmt.Errorf("%w: %d", model.ErrTemplateNotFound, id)
	}
	return t, err
}

func (s *sqlStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateCols+` FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateTemplate(ctx context.Context, t model.Template) (model.Template, error) {
	if err := validateTemplate(t); err != nil {
		return model.Template{}, err
	}
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO templates(name, subject, body) VALUES(?,?,?) RETURNING id`),
		t.Name, nullStr(t.Subject), t.Body,
	).Scan(&t.ID)
	if err != nil {
		return model.Template{}, err
	}
	return t, nil
}

func (s *sqlStore) ListEntries(ctx context.Context, profileID int64) ([]model.ListEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, profile_id, list_type, value FROM list_entries WHERE profile_id = ? ORDER BY id`), profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ListEntry
	for rows.Next() {
		var (
			e  model.ListEntry
			lt string
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &lt, &e.Value); err != nil {
			return nil, err
		}
		e.Type = model.ListType(lt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateListEntry(ctx context.Context, e model.ListEntry) (model.ListEntry, error) {
	if err := validateListEntry(e); err != nil {
		return model.ListEntry{}, err
	}
	if _, err := s.GetProfile(ctx, e.ProfileID); err != nil {
		return model.ListEntry{}, err
	}
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO list_entries(profile_id, list_type, value) VALUES(?,?,?) RETURNING id`),
		e.ProfileID, string(e.Type), e.Value,
	).Scan(&e.ID)
	if err != nil {
		return model.ListEntry{}, err
	}
	return e, nil
}

func (s *sqlStore) AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO logs(profile_id, campaign_id, job_id, recipient, action, status, detail, ts)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		e.ProfileID, nullStr(e.CampaignID), nullStr(e.JobID), nullStr(e.Recipient),
		e.Action, string(e.Status), nullStr(e.Detail), e.Timestamp.UnixMilli(),
	).Scan(&e.ID)
	if err != nil {
		return model.LogEntry{}, err
	}
	return e, nil
}

func (s *sqlStore) ListLogs(ctx context.Context, f LogFilter) ([]model.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ProfileID != 0 {
		where = append(where, "profile_id = ?")
		args = append(args, f.ProfileID)
	}
	if f.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, f.CampaignID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT id, profile_id, campaign_id, job_id, recipient, action, status, detail, ts FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LogEntry
	for rows.Next() {
		var (
			e                           model.LogEntry
			campaign, job, rcpt, detail sql.NullString
			status                      string
			ts                          int64
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &campaign, &job, &rcpt, &e.Action, &status, &detail, &ts); err != nil {
			return nil, err
		}
		e.CampaignID = campaign.String
		e.JobID = job.String
		e.Recipient = rcpt.String
		e.Detail = detail.String
		e.Status = model.LogStatus(status)
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dedup(dedup_key, until_ms) VALUES(?,?)
		 ON CONFLICT(dedup_key) DO UPDATE SET until_ms = excluded.until_ms`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until_ms FROM dedup WHERE dedup_key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until_ms < ?`), time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
