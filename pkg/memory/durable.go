package memory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/storage"
)

// Store persists a value in the durable tier. Values are JSON-encoded.
func (s *Store) Store(ctx context.Context, key string, value interface{}) error {
	if s.durable == nil {
		return fault.New(fault.CodeStorageWrite, "no durable backend configured")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.CodeStorageWrite, "failed to encode value", err).
			WithDetail("key", key)
	}

	if err := s.durable.Set(ctx, key, data); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Durable memory write failed")
		return fault.Wrap(fault.CodeStorageWrite, "failed to store value", err).
			WithDetail("key", key)
	}
	return nil
}

// Retrieve loads a durable value into dest. Returns false with a nil error
// when the key is absent.
func (s *Store) Retrieve(ctx context.Context, key string, dest interface{}) (bool, error) {
	if s.durable == nil {
		return false, fault.New(fault.CodeStorageRead, "no durable backend configured")
	}

	data, err := s.durable.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Durable memory read failed")
		return false, fault.Wrap(fault.CodeStorageRead, "failed to retrieve value", err).
			WithDetail("key", key)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fault.Wrap(fault.CodeStorageRead, "failed to decode stored value", err).
			WithDetail("key", key)
	}
	return true, nil
}

// Forget removes a durable entry. Missing keys are not an error.
func (s *Store) Forget(ctx context.Context, key string) error {
	if s.durable == nil {
		return fault.New(fault.CodeStorageWrite, "no durable backend configured")
	}

	if err := s.durable.Delete(ctx, key); err != nil {
		return fault.Wrap(fault.CodeStorageWrite, "failed to delete value", err).
			WithDetail("key", key)
	}
	return nil
}
