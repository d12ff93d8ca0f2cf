package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"killboard/internal/battle"
	"killboard/internal/cluster"
	"killboard/internal/logging"
)

// JobPayload represents the incoming job from the Redis queue.
type JobPayload struct {
	KillmailID int64 `json:"killmail_id"`
}

// RecordLookup resolves one canonical kill record; nil means the killmail
// does not exist.
type RecordLookup interface {
	Record(ctx context.Context, killID int64) (*battle.KillRecord, error)
}

// Assigner places a kill record into a battle.
type Assigner interface {
	Assign(ctx context.Context, rec battle.KillRecord) (uuid.UUID, error)
}

// KillProcessor handles killmail clustering jobs.
type KillProcessor struct {
	ctx      context.Context
	records  RecordLookup
	assigner Assigner
}

// NewKillProcessor creates a new killmail job processor.
func NewKillProcessor(ctx context.Context, records RecordLookup, assigner Assigner) *KillProcessor {
	return &KillProcessor{ctx: ctx, records: records, assigner: assigner}
}

// Handle processes a single killmail job from the queue. Validation and
// policy rejections are dropped without retry; transient failures are
// returned so the queue reschedules them.
func (p *KillProcessor) Handle(payload []byte) error {
	logger := logging.Logger()
	startTime := time.Now()

	var job JobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("unmarshal job payload: %w", err)
	}
	if job.KillmailID <= 0 {
		logger.Warnf("job without killmail id, dropping")
		return nil
	}

	rec, err := p.records.Record(p.ctx, job.KillmailID)
	if err != nil {
		return fmt.Errorf("get killmail %d: %w", job.KillmailID, err)
	}
	if rec == nil {
		logger.Warnf("killmail %d not found, skipping", job.KillmailID)
		return nil
	}

	battleID, err := p.assigner.Assign(p.ctx, *rec)
	if err != nil {
		if errors.Is(err, cluster.ErrInvalidRecord) {
			logger.Warnf("killmail %d rejected: %v", job.KillmailID, err)
			return nil
		}
		if errors.Is(err, cluster.ErrNPCOnly) {
			logger.Debugf("killmail %d dropped: %v", job.KillmailID, err)
			return nil
		}
		return fmt.Errorf("assign killmail %d: %w", job.KillmailID, err)
	}

	logger.Debugf("killmail %d assigned to battle %s in %v", job.KillmailID, battleID, time.Since(startTime))
	return nil
}
