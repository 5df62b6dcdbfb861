package transcript

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/ctxswitch-asr/internal/store"
)

const journalPrefix = "transcript"

// Journal persists final transcript events per client
type Journal struct {
	store store.Store
}

// NewJournal creates a journal on top of a key-value store
func NewJournal(s store.Store) *Journal {
	return &Journal{store: s}
}

func journalKey(clientID string, seq uint64) store.Key {
	// Zero padding keeps lexicographic order equal to sequence order
	return store.Key{journalPrefix, clientID, fmt.Sprintf("%020d", seq)}
}

// Append stores a final event
func (j *Journal) Append(ctx context.Context, e Event) error {
	if !e.IsFinal || e.Type != TypeTranscript {
		return fmt.Errorf("only final transcript events are journaled, got type=%s final=%v", e.Type, e.IsFinal)
	}

	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := j.store.Set(ctx, journalKey(e.ClientID, e.Seq), data); err != nil {
		return fmt.Errorf("failed to journal event %d for %s: %w", e.Seq, e.ClientID, err)
	}

	return nil
}

// List returns a client's final events in emission order
func (j *Journal) List(ctx context.Context, clientID string) ([]Event, error) {
	var events []Event
	for entry, err := range j.store.List(ctx, store.Key{journalPrefix, clientID}) {
		if err != nil {
			return nil, fmt.Errorf("failed to list transcript for %s: %w", clientID, err)
		}

		var e Event
		if err := msgpack.Unmarshal(entry.Value, &e); err != nil {
			return nil, fmt.Errorf("corrupt journal entry %s: %w", entry.Key, err)
		}
		events = append(events, e)
	}

	return events, nil
}

// Text returns a client's committed transcript
func (j *Journal) Text(ctx context.Context, clientID string) (string, error) {
	events, err := j.List(ctx, clientID)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(events))
	for _, e := range events {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, " "), nil
}

// Delete removes a client's journal
func (j *Journal) Delete(ctx context.Context, clientID string) error {
	var keys []store.Key
	for entry, err := range j.store.List(ctx, store.Key{journalPrefix, clientID}) {
		if err != nil {
			return fmt.Errorf("failed to list transcript for %s: %w", clientID, err)
		}
		keys = append(keys, entry.Key)
	}

	if len(keys) == 0 {
		return nil
	}
	return j.store.BatchDelete(ctx, keys)
}
