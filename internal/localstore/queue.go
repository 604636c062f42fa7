package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"go.uber.org/zap"
)

type queueFileSchema struct {
	Version int            `toml:"version"`
	Actions []actionSchema `toml:"actions"`
}

type actionSchema struct {
	ID           string        `toml:"id"`
	Kind         string        `toml:"kind"`
	EnqueuedAt   time.Time     `toml:"enqueued_at"`
	AttemptCount int           `toml:"attempt_count"`
	Payload      payloadSchema `toml:"payload"`
}

type payloadSchema struct {
	MemberID string `toml:"member_id"`
	Date     string `toml:"date,omitempty"`
	Period   string `toml:"period,omitempty"`
	Quantity int    `toml:"quantity,omitempty"`
	Body     string `toml:"body,omitempty"`
	Details  string `toml:"details,omitempty"`
}

// QueueStore persists the pending action snapshot.
type QueueStore struct {
	path   string
	mu     *sync.RWMutex
	logger *zap.Logger
}

var _ queue.Store = (*QueueStore)(nil)

// NewQueueStore stores the snapshot in stateDir/queue.toml.
func NewQueueStore(stateDir string, logger *zap.Logger) (*QueueStore, error) {
	path, err := normalizePath(filepath.Join(stateDir, QueueFileName))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueStore{path: path, mu: lockForPath(path), logger: logger}, nil
}

// Load returns the persisted actions in order. An unreadable file yields an empty queue;
// entries that no longer decode are skipped.
func (s *QueueStore) Load(ctx context.Context) ([]queue.QueuedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var file queueFileSchema
	found, err := readTOML(s.path, &file)
	if err != nil {
		s.logger.Warn("discarding unreadable queue snapshot", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	if err := validateVersion(file.Version); err != nil {
		s.logger.Warn("discarding queue snapshot", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}

	actions := make([]queue.QueuedAction, 0, len(file.Actions))
	for _, entry := range file.Actions {
		action, err := fromActionSchema(entry)
		if err != nil {
			s.logger.Warn("skipping queued action", zap.String("action_id", entry.ID), zap.Error(err))
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// Save replaces the snapshot.
func (s *QueueStore) Save(_ context.Context, actions []queue.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := queueFileSchema{Version: currentSchemaVersion, Actions: make([]actionSchema, 0, len(actions))}
	for _, action := range actions {
		file.Actions = append(file.Actions, toActionSchema(action))
	}
	if err := writeTOML(s.path, file); err != nil {
		return failures.TransientStorage("localstore.save_queue", err)
	}
	return nil
}

func toActionSchema(action queue.QueuedAction) actionSchema {
	entry := actionSchema{
		ID:           action.ID,
		Kind:         string(action.Payload.Kind()),
		EnqueuedAt:   action.EnqueuedAt.UTC(),
		AttemptCount: action.AttemptCount,
	}
	switch payload := action.Payload.(type) {
	case queue.AddMeal:
		entry.Payload = payloadSchema{MemberID: payload.MemberID, Date: payload.Date.String(), Period: string(payload.Period), Quantity: payload.Quantity}
	case queue.RemoveMeal:
		entry.Payload = payloadSchema{MemberID: payload.MemberID, Date: payload.Date.String(), Period: string(payload.Period)}
	case queue.UpdateQuantity:
		entry.Payload = payloadSchema{MemberID: payload.MemberID, Date: payload.Date.String(), Period: string(payload.Period), Quantity: payload.Quantity}
	case queue.SendMessage:
		entry.Payload = payloadSchema{MemberID: payload.MemberID, Body: payload.Body}
	case queue.UpdateDetails:
		entry.Payload = payloadSchema{MemberID: payload.MemberID, Date: payload.Date.String(), Details: payload.Details}
	}
	return entry
}

func fromActionSchema(entry actionSchema) (queue.QueuedAction, error) {
	if entry.ID == "" {
		return queue.QueuedAction{}, fmt.Errorf("missing action id")
	}
	payload, err := decodePayload(queue.Kind(entry.Kind), entry.Payload)
	if err != nil {
		return queue.QueuedAction{}, err
	}
	if err := payload.Validate(); err != nil {
		return queue.QueuedAction{}, err
	}
	return queue.QueuedAction{
		ID:           entry.ID,
		Payload:      payload,
		EnqueuedAt:   entry.EnqueuedAt,
		AttemptCount: entry.AttemptCount,
	}, nil
}

func decodePayload(kind queue.Kind, fields payloadSchema) (queue.Payload, error) {
	switch kind {
	case queue.KindSendMessage:
		return queue.SendMessage{MemberID: fields.MemberID, Body: fields.Body}, nil
	case queue.KindUpdateDetails:
		date, err := cutoff.ParseDate(fields.Date)
		if err != nil {
			return nil, err
		}
		return queue.UpdateDetails{MemberID: fields.MemberID, Date: date, Details: fields.Details}, nil
	}

	date, err := cutoff.ParseDate(fields.Date)
	if err != nil {
		return nil, err
	}
	period, err := cutoff.ParsePeriod(fields.Period)
	if err != nil {
		return nil, err
	}
	switch kind {
	case queue.KindAddMeal:
		return queue.AddMeal{MemberID: fields.MemberID, Date: date, Period: period, Quantity: fields.Quantity}, nil
	case queue.KindRemoveMeal:
		return queue.RemoveMeal{MemberID: fields.MemberID, Date: date, Period: period}, nil
	case queue.KindUpdateQuantity:
		return queue.UpdateQuantity{MemberID: fields.MemberID, Date: date, Period: period, Quantity: fields.Quantity}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}
