package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// NewOpID returns the correlation id shared by every event of one operation,
// so a cascade (parent plus subtasks) can be read back as a unit.
func NewOpID() string {
	return uuid.NewString()
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, opID, evtType, entityKind string, entityID int64, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,op_id,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, opID, evtType, entityKind, nullableID(entityID), string(data))
	return err
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return strconv.FormatInt(id, 10)
}
