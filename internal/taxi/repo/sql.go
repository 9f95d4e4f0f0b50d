package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
)

const tripColumns = `id, requester_id, fulfiller_id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, pickup_cell, status, cancel_reason, requested_at, started_at, ended_at, fulfiller_lon, fulfiller_lat, requester_lon, requester_lat, rate, settlement_address, distance_km, amount_fiat, amount_token, updated_at, warned_at`

// OpenDB opens and pings a database for the dialect. MySQL DSNs are
// forced to parse times and to report matched rather than changed rows,
// which conditional writes rely on.
func OpenDB(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.ClientFoundRows = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxIdleConns(35)
	return db, nil
}

// SQLStore keeps trips in a relational database. Conditional writes are
// single UPDATE statements guarded by the expected state; change
// notifications travel over redis pub/sub when a client is given and
// otherwise by polling.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	feed    changeFeed
	resync  time.Duration
}

// NewSQLStore wraps db. rdb may be nil.
func NewSQLStore(db *sql.DB, dialect Dialect, rdb *redis.Client, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.Real()
	}
	s := &SQLStore{db: db, dialect: dialect, clock: clk, feed: nopFeed{}, resync: 2 * time.Second}
	if rdb != nil {
		s.feed = redisFeed{rdb: rdb}
		s.resync = 30 * time.Second
	}
	return s
}

func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

// rebind turns ? placeholders into $n for postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
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

// CreateTrip inserts a pending trip unless the requester already has an
// open one.
func (s *SQLStore) CreateTrip(ctx context.Context, t Trip) (Trip, error) {
	t = prepareTrip(t, s.clock.Now().UTC())
	t.ID = uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trip{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	where, args := inClause("status", fsm.NonTerminal())
	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM trips WHERE requester_id = ? AND `+where+` LIMIT 1 FOR UPDATE`), append([]interface{}{t.RequesterID}, args...)...).Scan(&existing)
	switch {
	case err == nil:
		err = ErrOpenTrip
		return Trip{}, err
	case !errors.Is(err, sql.ErrNoRows):
		return Trip{}, unavailable(err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO trips (`+tripColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`), tripArgs(t)...)
	if err != nil {
		if isDuplicate(err) {
			err = ErrOpenTrip
			return Trip{}, err
		}
		return Trip{}, unavailable(err)
	}
	if err = tx.Commit(); err != nil {
		return Trip{}, unavailable(err)
	}
	s.feed.Publish(ctx, t.ID)
	return t, nil
}

// GetTrip loads one trip.
func (s *SQLStore) GetTrip(ctx context.Context, id string) (Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tripColumns+` FROM trips WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, ErrNotFound
	}
	if err != nil {
		return Trip{}, unavailable(err)
	}
	return t, nil
}

// ApplyMutation runs the conditional UPDATE and returns the stored trip.
// When no row matches, the current trip is returned with ErrConflict.
func (s *SQLStore) ApplyMutation(ctx context.Context, m Mutation) (Trip, error) {
	query, args := buildMutation(m, s.clock.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trip{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return Trip{}, unavailable(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Trip{}, unavailable(err)
	}
	t, err := scanTrip(tx.QueryRowContext(ctx, s.rebind(`SELECT `+tripColumns+` FROM trips WHERE id = ?`), m.TripID))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return Trip{}, err
	}
	if err != nil {
		return Trip{}, unavailable(err)
	}
	if rows == 0 {
		err = ErrConflict
		return t, err
	}
	if err = tx.Commit(); err != nil {
		return Trip{}, unavailable(err)
	}
	s.feed.Publish(ctx, m.TripID)
	return t, nil
}

// buildMutation renders m as an UPDATE with ? placeholders.
func buildMutation(m Mutation, now time.Time) (string, []interface{}) {
	var sets []string
	var args []interface{}
	set := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	u := m.Set
	if u.Status != fsm.StatusNone {
		set("status", string(u.Status))
	}
	if u.CancelReason != "" {
		set("cancel_reason", string(u.CancelReason))
	}
	if u.FulfillerID != "" {
		set("fulfiller_id", u.FulfillerID)
	}
	if u.SettlementAddress != "" {
		set("settlement_address", u.SettlementAddress)
	}
	if u.Rate != nil {
		set("rate", *u.Rate)
	}
	if u.StartedAt != nil {
		set("started_at", u.StartedAt.UTC())
	}
	if u.EndedAt != nil {
		set("ended_at", u.EndedAt.UTC())
	}
	if u.WarnedAt != nil {
		set("warned_at", u.WarnedAt.UTC())
	}
	if u.Fare != nil {
		set("distance_km", u.Fare.DistanceKm)
		set("amount_fiat", u.Fare.AmountFiat)
		set("amount_token", u.Fare.AmountToken)
	}
	if u.FulfillerPosition != nil {
		set("fulfiller_lon", u.FulfillerPosition.Lon)
		set("fulfiller_lat", u.FulfillerPosition.Lat)
	}
	if u.RequesterPosition != nil {
		set("requester_lon", u.RequesterPosition.Lon)
		set("requester_lat", u.RequesterPosition.Lat)
	}
	for _, f := range u.Clear {
		switch f {
		case FieldFulfillerPosition:
			sets = append(sets, "fulfiller_lon = NULL", "fulfiller_lat = NULL")
		case FieldRequesterPosition:
			sets = append(sets, "requester_lon = NULL", "requester_lat = NULL")
		}
	}
	set("updated_at", now)

	where := []string{"id = ?"}
	args = append(args, m.TripID)
	c := m.When
	if len(c.Statuses) > 0 {
		clause, in := inClause("status", c.Statuses)
		where = append(where, clause)
		args = append(args, in...)
	}
	if c.Unclaimed {
		where = append(where, "fulfiller_id IS NULL")
	}
	if c.Unwarned {
		where = append(where, "warned_at IS NULL")
	}
	if c.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, c.RequesterID)
	}
	if c.FulfillerID != "" {
		where = append(where, "fulfiller_id = ?")
		args = append(args, c.FulfillerID)
	}
	return "UPDATE trips SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

// buildQuery renders q as a SELECT with ? placeholders.
func buildQuery(q TripQuery) (string, []interface{}) {
	var where []string
	var args []interface{}
	if q.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, q.RequesterID)
	}
	if q.FulfillerID != "" {
		where = append(where, "fulfiller_id = ?")
		args = append(args, q.FulfillerID)
	}
	if len(q.Statuses) > 0 {
		clause, in := inClause("status", q.Statuses)
		where = append(where, clause)
		args = append(args, in...)
	}
	if len(q.PickupCells) > 0 {
		clause, in := inClause("pickup_cell", q.PickupCells)
		where = append(where, clause)
		args = append(args, in...)
	}
	if !q.RequestedBefore.IsZero() {
		where = append(where, "requested_at < ?")
		args = append(args, q.RequestedBefore.UTC())
	}
	query := "SELECT " + tripColumns + " FROM trips"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Newest {
		query += " ORDER BY requested_at DESC, id ASC"
	} else {
		query += " ORDER BY requested_at ASC, id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return query, args
}

func inClause[T ~string](col string, values []T) (string, []interface{}) {
	marks := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = string(v)
	}
	return col + " IN (" + strings.Join(marks, ", ") + ")", args
}

// FindTrips runs q.
func (s *SQLStore) FindTrips(ctx context.Context, q TripQuery) ([]Trip, error) {
	query, args := buildQuery(q)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// WatchTrip follows one trip, reloading it on every change notification.
func (s *SQLStore) WatchTrip(ctx context.Context, id string) (*TripWatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[TripEvent]()
	signals := s.feed.Listen(ctx, tripChannel(id))
	go func() {
		defer box.close()
		follow(ctx, s.clock, signals, s.resync, func(ctx context.Context) error {
			t, err := s.GetTrip(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				box.put(TripEvent{})
			case err != nil:
				box.put(TripEvent{Err: err})
				return err
			default:
				box.put(TripEvent{Trip: t, Found: true})
			}
			return nil
		})
	}()
	return &TripWatch{C: box.ch, close: cancel}, nil
}

// WatchTrips follows a query, re-running it on any trip change.
func (s *SQLStore) WatchTrips(ctx context.Context, q TripQuery) (*PoolWatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[PoolEvent]()
	signals := s.feed.Listen(ctx, changedChannel)
	go func() {
		defer box.close()
		follow(ctx, s.clock, signals, s.resync, func(ctx context.Context) error {
			trips, err := s.FindTrips(ctx, q)
			if err != nil {
				box.put(PoolEvent{Err: err})
				return err
			}
			box.put(PoolEvent{Trips: trips})
			return nil
		})
	}()
	return &PoolWatch{C: box.ch, close: cancel}, nil
}

// GetProfile loads a fulfiller profile.
func (s *SQLStore) GetProfile(ctx context.Context, fulfillerID string) (Profile, error) {
	p := Profile{FulfillerID: fulfillerID}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT settlement_address, rate, updated_at FROM fulfiller_profiles WHERE fulfiller_id = ?`), fulfillerID).
		Scan(&p.SettlementAddress, &p.Rate, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, unavailable(err)
	}
	return p, nil
}

// SaveProfile upserts a fulfiller profile.
func (s *SQLStore) SaveProfile(ctx context.Context, p Profile) error {
	query := `INSERT INTO fulfiller_profiles (fulfiller_id, settlement_address, rate, updated_at) VALUES (?,?,?,?)
ON DUPLICATE KEY UPDATE settlement_address = VALUES(settlement_address), rate = VALUES(rate), updated_at = VALUES(updated_at)`
	if s.dialect == DialectPostgres {
		query = `INSERT INTO fulfiller_profiles (fulfiller_id, settlement_address, rate, updated_at) VALUES (?,?,?,?)
ON CONFLICT (fulfiller_id) DO UPDATE SET settlement_address = EXCLUDED.settlement_address, rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at`
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query), p.FulfillerID, p.SettlementAddress, p.Rate, s.clock.Now().UTC())
	return unavailable(err)
}

// SampleProfiles returns up to limit profiles ordered by fulfiller id.
func (s *SQLStore) SampleProfiles(ctx context.Context, limit int) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT fulfiller_id, settlement_address, rate, updated_at FROM fulfiller_profiles ORDER BY fulfiller_id LIMIT ?`), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.FulfillerID, &p.SettlementAddress, &p.Rate, &p.UpdatedAt); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, p)
	}
	return out, unavailable(rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrip(row rowScanner) (Trip, error) {
	var (
		t                                  Trip
		fulfillerID, cancelReason, address sql.NullString
		status                             string
		startedAt, endedAt, warnedAt       sql.NullTime
		fLon, fLat, rLon, rLat             sql.NullFloat64
		distance, amountFiat, amountToken  sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.RequesterID, &fulfillerID, &t.Pickup.Lon, &t.Pickup.Lat, &t.Dropoff.Lon, &t.Dropoff.Lat,
		&t.PickupCell, &status, &cancelReason, &t.RequestedAt, &startedAt, &endedAt,
		&fLon, &fLat, &rLon, &rLat, &t.Rate, &address, &distance, &amountFiat, &amountToken, &t.UpdatedAt, &warnedAt)
	if err != nil {
		return Trip{}, err
	}
	t.FulfillerID = fulfillerID.String
	t.Status = fsm.Status(status)
	t.CancelReason = fsm.CancelReason(cancelReason.String)
	t.SettlementAddress = address.String
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if endedAt.Valid {
		v := endedAt.Time
		t.EndedAt = &v
	}
	if warnedAt.Valid {
		v := warnedAt.Time
		t.WarnedAt = &v
	}
	if fLon.Valid && fLat.Valid {
		t.FulfillerPosition = &geo.Point{Lon: fLon.Float64, Lat: fLat.Float64}
	}
	if rLon.Valid && rLat.Valid {
		t.RequesterPosition = &geo.Point{Lon: rLon.Float64, Lat: rLat.Float64}
	}
	if distance.Valid {
		t.Fare = &pricing.Fare{DistanceKm: distance.Float64, AmountFiat: amountFiat.Float64, AmountToken: amountToken.Float64}
	}
	return t, nil
}

func tripArgs(t Trip) []interface{} {
	var fLon, fLat, rLon, rLat, distance, fiat, token sql.NullFloat64
	if p := t.FulfillerPosition; p != nil {
		fLon, fLat = nullFloat(p.Lon), nullFloat(p.Lat)
	}
	if p := t.RequesterPosition; p != nil {
		rLon, rLat = nullFloat(p.Lon), nullFloat(p.Lat)
	}
	if f := t.Fare; f != nil {
		distance, fiat, token = nullFloat(f.DistanceKm), nullFloat(f.AmountFiat), nullFloat(f.AmountToken)
	}
	return []interface{}{
		t.ID, t.RequesterID, nullString(t.FulfillerID), t.Pickup.Lon, t.Pickup.Lat, t.Dropoff.Lon, t.Dropoff.Lat,
		t.PickupCell, string(t.Status), nullString(string(t.CancelReason)), t.RequestedAt.UTC(), nullTime(t.StartedAt), nullTime(t.EndedAt),
		fLon, fLat, rLon, rLat, t.Rate, nullString(t.SettlementAddress), distance, fiat, token, t.UpdatedAt.UTC(), nullTime(t.WarnedAt),
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
