package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"killboard/internal/battle"
)

// BattleStore persists finalized and custom battles and serves the read-only
// query surface over them.
type BattleStore struct {
	pool *pgxpool.Pool
}

// NewBattleStore creates a new battle store.
func NewBattleStore(pool *pgxpool.Pool) *BattleStore {
	return &BattleStore{pool: pool}
}

// Page bounds a battle list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 25
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// SaveBattle writes a compiled battle within a single transaction. Existing
// rows for the battle are purged first, so re-finalizing an extended battle
// overwrites cleanly.
func (s *BattleStore) SaveBattle(ctx context.Context, sum *battle.Summary) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Global advisory lock shared with the killmail ingester to avoid
	// deadlocks between canonical writes and battle writes.
	// Lock key: shared constant "killboard_write" = 0x6b696c6c626f6172
	const globalWriteLockKey int64 = 0x6b696c6c626f6172
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, globalWriteLockKey); err != nil {
		return fmt.Errorf("acquire global write lock: %w", err)
	}

	if err := purgeBattle(ctx, tx, sum.BattleID); err != nil {
		return fmt.Errorf("purge battle: %w", err)
	}

	sidesJSON, err := json.Marshal(sum.Sides)
	if err != nil {
		return fmt.Errorf("marshal sides: %w", err)
	}
	systemsJSON, err := json.Marshal(sum.Systems)
	if err != nil {
		return fmt.Errorf("marshal systems: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO battles (
			id, custom, start_time, end_time, kill_count, total_value,
			primary_system_id, primary_region_id, systems, sides,
			side_conflicts, missing_kills, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sum.BattleID, sum.Custom, sum.StartTime, sum.EndTime, sum.KillCount, sum.TotalValue,
		sum.PrimarySystemID, sum.PrimaryRegionID, systemsJSON, sidesJSON,
		sum.Conflicts, sum.MissingKills, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert battle: %w", err)
	}

	for _, killID := range sum.KillIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO battle_kills (battle_id, killmail_id) VALUES ($1, $2)
		`, sum.BattleID, killID); err != nil {
			return fmt.Errorf("insert battle kill %d: %w", killID, err)
		}
	}

	for _, sys := range sum.Systems {
		if _, err := tx.Exec(ctx, `
			INSERT INTO battle_systems (battle_id, system_id, region_id) VALUES ($1, $2, $3)
		`, sum.BattleID, sys.SystemID, sys.RegionID); err != nil {
			return fmt.Errorf("insert battle system %d: %w", sys.SystemID, err)
		}
	}

	for _, corpID := range sum.Corporations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO battle_corporations (battle_id, corporation_id) VALUES ($1, $2)
		`, sum.BattleID, corpID); err != nil {
			return fmt.Errorf("insert battle corporation %d: %w", corpID, err)
		}
	}

	return tx.Commit(ctx)
}

func purgeBattle(ctx context.Context, tx pgx.Tx, battleID uuid.UUID) error {
	for _, table := range []string{"battle_corporations", "battle_systems", "battle_kills", "battles"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, battleIDColumn(table)), battleID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}

func battleIDColumn(table string) string {
	if table == "battles" {
		return "id"
	}
	return "battle_id"
}

const battleColumns = `
	id, custom, start_time, end_time, kill_count, total_value,
	primary_system_id, primary_region_id, systems, sides,
	side_conflicts, missing_kills
`

// Battle loads one persisted battle. Returns (nil, nil) when the battle has
// not been persisted.
func (s *BattleStore) Battle(ctx context.Context, battleID uuid.UUID) (*battle.Summary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+battleColumns+`
		FROM battles
		WHERE id = $1
	`, battleID)
	sum, err := scanBattle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get battle %s: %w", battleID, err)
	}
	if err := s.loadKills(ctx, sum); err != nil {
		return nil, err
	}
	if err := s.loadCorporations(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// ByCorporation lists persisted battles involving a corporation, newest
// first.
func (s *BattleStore) ByCorporation(ctx context.Context, corporationID int64, page Page) ([]battle.Summary, error) {
	page = page.normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+battleColumns+`
		FROM battles b
		WHERE EXISTS (
			SELECT 1 FROM battle_corporations bc
			WHERE bc.battle_id = b.id AND bc.corporation_id = $1
		)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, corporationID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("battles by corporation %d: %w", corporationID, err)
	}
	return collectBattles(rows)
}

// BySystem lists persisted battles that touched a solar system, newest first.
func (s *BattleStore) BySystem(ctx context.Context, systemID int64, page Page) ([]battle.Summary, error) {
	page = page.normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+battleColumns+`
		FROM battles b
		WHERE EXISTS (
			SELECT 1 FROM battle_systems bs
			WHERE bs.battle_id = b.id AND bs.system_id = $1
		)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, systemID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("battles by system %d: %w", systemID, err)
	}
	return collectBattles(rows)
}

// ByRegion lists persisted battles that touched a region, newest first.
func (s *BattleStore) ByRegion(ctx context.Context, regionID int64, page Page) ([]battle.Summary, error) {
	page = page.normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+battleColumns+`
		FROM battles b
		WHERE EXISTS (
			SELECT 1 FROM battle_systems bs
			WHERE bs.battle_id = b.id AND bs.region_id = $1
		)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, regionID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("battles by region %d: %w", regionID, err)
	}
	return collectBattles(rows)
}

func collectBattles(rows pgx.Rows) ([]battle.Summary, error) {
	defer rows.Close()
	var out []battle.Summary
	for rows.Next() {
		sum, err := scanBattle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan battle: %w", err)
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

func scanBattle(row pgx.Row) (*battle.Summary, error) {
	var sum battle.Summary
	var systemsJSON, sidesJSON []byte
	if err := row.Scan(&sum.BattleID, &sum.Custom, &sum.StartTime, &sum.EndTime,
		&sum.KillCount, &sum.TotalValue, &sum.PrimarySystemID, &sum.PrimaryRegionID,
		&systemsJSON, &sidesJSON, &sum.Conflicts, &sum.MissingKills); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(systemsJSON, &sum.Systems); err != nil {
		return nil, fmt.Errorf("unmarshal systems: %w", err)
	}
	if err := json.Unmarshal(sidesJSON, &sum.Sides); err != nil {
		return nil, fmt.Errorf("unmarshal sides: %w", err)
	}
	sum.Duration = sum.EndTime.Sub(sum.StartTime)
	return &sum, nil
}

func (s *BattleStore) loadKills(ctx context.Context, sum *battle.Summary) error {
	rows, err := s.pool.Query(ctx, `
		SELECT killmail_id FROM battle_kills WHERE battle_id = $1 ORDER BY killmail_id
	`, sum.BattleID)
	if err != nil {
		return fmt.Errorf("get battle kills: %w", err)
	}
	defer rows.Close()

	sum.KillIDs = sum.KillIDs[:0]
	for rows.Next() {
		var killID int64
		if err := rows.Scan(&killID); err != nil {
			return fmt.Errorf("scan battle kill: %w", err)
		}
		sum.KillIDs = append(sum.KillIDs, killID)
	}
	return rows.Err()
}

func (s *BattleStore) loadCorporations(ctx context.Context, sum *battle.Summary) error {
	rows, err := s.pool.Query(ctx, `
		SELECT corporation_id FROM battle_corporations WHERE battle_id = $1 ORDER BY corporation_id
	`, sum.BattleID)
	if err != nil {
		return fmt.Errorf("get battle corporations: %w", err)
	}
	defer rows.Close()

	sum.Corporations = sum.Corporations[:0]
	for rows.Next() {
		var corpID int64
		if err := rows.Scan(&corpID); err != nil {
			return fmt.Errorf("scan battle corporation: %w", err)
		}
		sum.Corporations = append(sum.Corporations, corpID)
	}
	return rows.Err()
}
