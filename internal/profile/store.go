// Package profile stores registered farmer profiles in SQLite. A
// profile carries what the assistant needs to answer: name, crop,
// preferred language, farm location and the last known reply address.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Profile is one registered farmer.
type Profile struct {
	ID       string
	Phone    string
	Name     string
	Crop     string
	Language string

	// Lat and Lon are nil until the farmer shares a location.
	Lat *float64
	Lon *float64

	// ReplyRoute is the device-specific address the farmer last wrote
	// from. Proactive messages prefer it over the phone number.
	ReplyRoute string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLocation reports whether both coordinates are set.
func (p *Profile) HasLocation() bool { return p.Lat != nil && p.Lon != nil }

// Hindi reports whether the preferred language is Hindi.
func (p *Profile) Hindi() bool {
	return strings.Contains(strings.ToLower(p.Language), "hindi")
}

// Store is a profile store backed by SQLite. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the profile store at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id          TEXT PRIMARY KEY,
		phone       TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL DEFAULT '',
		crop        TEXT NOT NULL DEFAULT '',
		language    TEXT NOT NULL DEFAULT 'English',
		lat         REAL,
		lon         REAL,
		reply_route TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `SELECT id, phone, name, crop, language, lat, lon, reply_route, created_at, updated_at FROM profiles`

// CleanPhone strips the channel prefix, a leading '+' and whitespace.
func CleanPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "whatsapp:")
	phone = strings.Join(strings.Fields(phone), "")
	return strings.TrimPrefix(phone, "+")
}

// ByPhone returns the profile registered for phone, or nil and a nil
// error when there is none. An exact match wins; otherwise a profile
// whose stored phone ends with the cleaned number (so "+91 9259..."
// registrations match bare "919259...") is returned.
func (s *Store) ByPhone(ctx context.Context, phone string) (*Profile, error) {
	p, err := s.queryOne(ctx, selectColumns+` WHERE phone = ?`, phone)
	if p != nil || err != nil {
		return p, err
	}

	clean := CleanPhone(phone)
	if clean == "" {
		return nil, nil
	}
	p, err = s.queryOne(ctx,
		selectColumns+` WHERE replace(replace(phone, ' ', ''), '+', '') = ? LIMIT 1`, clean)
	if p != nil || err != nil || len(clean) < minSuffixDigits {
		return p, wrapLookup(clean, err)
	}

	p, err = s.queryOne(ctx,
		selectColumns+` WHERE substr(replace(phone, ' ', ''), -length(?)) = ?
		 ORDER BY length(phone) LIMIT 1`,
		clean, clean,
	)
	return p, wrapLookup(clean, err)
}

// minSuffixDigits keeps short inputs from suffix-matching unrelated
// numbers.
const minSuffixDigits = 8

func wrapLookup(phone string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("lookup %s: %w", phone, err)
}

// UpdateReplyRoute records the address the farmer last wrote from. A
// phone with no profile is not an error.
func (s *Store) UpdateReplyRoute(ctx context.Context, phone, address string) error {
	p, err := s.ByPhone(ctx, phone)
	if err != nil {
		return err
	}
	if p == nil || p.ReplyRoute == address {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE profiles SET reply_route = ?, updated_at = ? WHERE id = ?`,
		address, formatTime(time.Now()), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update reply route %s: %w", p.Phone, err)
	}
	return nil
}

// Save inserts p or updates the profile with the same phone. A missing
// ID is generated; the stored ID is written back to p.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	if strings.TrimSpace(p.Phone) == "" {
		return errors.New("profile phone is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Language == "" {
		p.Language = "English"
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, phone, name, crop, language, lat, lon, reply_route, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (phone) DO UPDATE SET
			name = excluded.name,
			crop = excluded.crop,
			language = excluded.language,
			lat = excluded.lat,
			lon = excluded.lon,
			reply_route = CASE WHEN excluded.reply_route != '' THEN excluded.reply_route ELSE profiles.reply_route END,
			updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		p.ID, p.Phone, p.Name, p.Crop, p.Language,
		nullFloat(p.Lat), nullFloat(p.Lon), p.ReplyRoute,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	).Scan(&p.ID, &created)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.Phone, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return nil
}

// All returns every profile ordered by creation time.
func (s *Store) All(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, phone`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var (
		p                Profile
		lat, lon         sql.NullFloat64
		created, updated string
	)
	err := row.Scan(&p.ID, &p.Phone, &p.Name, &p.Crop, &p.Language,
		&lat, &lon, &p.ReplyRoute, &created, &updated)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		p.Lat = &lat.Float64
	}
	if lon.Valid {
		p.Lon = &lon.Float64
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
