package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Reserved payload keys. Every job in a task chain carries these; all other
// keys are free-form flags copied forward verbatim by the advancer.
const (
	PayloadTaskId   = "taskId"
	PayloadTaskType = "taskType"
	PayloadSource   = "source"
)

// TaskRef identifies a task chain: the generated id plus its definition type.
type TaskRef struct {
	Id   uuid.UUID
	Type string
}

func taskRefFromPayload(payload map[string]any) (TaskRef, bool) {
	rawId, ok := payload[PayloadTaskId].(string)
	if !ok || rawId == "" {
		return TaskRef{}, false
	}
	taskType, ok := payload[PayloadTaskType].(string)
	if !ok || taskType == "" {
		return TaskRef{}, false
	}

	id, err := uuid.Parse(rawId)
	if err != nil {
		return TaskRef{}, false
	}
	return TaskRef{Id: id, Type: taskType}, true
}

func decodePayload(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("error decoding job payload: %w", err)
	}
	return payload, nil
}

// DecodeItems unpacks a job's item list. Handlers use it to recover the
// canonical items a chunk carries.
func DecodeItems(raw datatypes.JSON) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("error decoding job items: %w", err)
	}
	return items, nil
}
