package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"killboard/internal/battle"
)

// KillmailReader provides read-only access to the canonical killmail tables
// maintained by the ingestion pipeline.
type KillmailReader struct {
	pool *pgxpool.Pool
}

// NewKillmailReader creates a new canonical killmail reader.
func NewKillmailReader(pool *pgxpool.Pool) *KillmailReader {
	return &KillmailReader{pool: pool}
}

// Record retrieves one killmail with its attackers. Returns (nil, nil) when
// the killmail does not exist.
func (r *KillmailReader) Record(ctx context.Context, killID int64) (*battle.KillRecord, error) {
	records, missing, err := r.Records(ctx, []int64{killID})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 || len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Records retrieves killmails for the given IDs, preserving the caller's
// order, and reports the IDs that did not resolve.
func (r *KillmailReader) Records(ctx context.Context, killIDs []int64) ([]battle.KillRecord, []int64, error) {
	if len(killIDs) == 0 {
		return nil, nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, occurred_at, system_id, region_id,
		       victim_character_id, victim_corporation_id, victim_alliance_id,
		       victim_ship_type_id, value_destroyed
		FROM killmails
		WHERE id = ANY($1)
	`, killIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("get killmails: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*battle.KillRecord, len(killIDs))
	for rows.Next() {
		var k battle.KillRecord
		if err := rows.Scan(&k.KillID, &k.Time, &k.SystemID, &k.RegionID,
			&k.Victim.CharacterID, &k.Victim.CorporationID, &k.Victim.AllianceID,
			&k.Victim.ShipTypeID, &k.Victim.Value); err != nil {
			return nil, nil, fmt.Errorf("scan killmail: %w", err)
		}
		byID[k.KillID] = &k
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("get killmails: %w", err)
	}

	if err := r.loadAttackers(ctx, killIDs, byID); err != nil {
		return nil, nil, err
	}

	var records []battle.KillRecord
	var missing []int64
	seen := make(map[int64]bool, len(killIDs))
	for _, id := range killIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if k, ok := byID[id]; ok {
			records = append(records, *k)
		} else {
			missing = append(missing, id)
		}
	}
	return records, missing, nil
}

// loadAttackers fills the attacker lists in delivery order.
func (r *KillmailReader) loadAttackers(ctx context.Context, killIDs []int64, byID map[int64]*battle.KillRecord) error {
	rows, err := r.pool.Query(ctx, `
		SELECT killmail_id, character_id, corporation_id, alliance_id,
		       ship_type_id, final_blow
		FROM killmail_attackers
		WHERE killmail_id = ANY($1)
		ORDER BY killmail_id, attacker_order
	`, killIDs)
	if err != nil {
		return fmt.Errorf("get attackers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var killID int64
		var a battle.Attacker
		if err := rows.Scan(&killID, &a.CharacterID, &a.CorporationID, &a.AllianceID,
			&a.ShipTypeID, &a.FinalBlow); err != nil {
			return fmt.Errorf("scan attacker: %w", err)
		}
		if k, ok := byID[killID]; ok {
			k.Attackers = append(k.Attackers, a)
		}
	}
	return rows.Err()
}
