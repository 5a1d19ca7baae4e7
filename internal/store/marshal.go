package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/vclock"
)

// marshalClock converts a cell's causal stamp to JSON TEXT for storage.
// encoding/json sorts map keys, so equal clocks produce equal text.
func marshalClock(vc vclock.VectorClock) (string, error) {
	if len(vc) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(vc)
	if err != nil {
		return "", fmt.Errorf("marshal vector clock: %w", err)
	}
	return string(data), nil
}

// unmarshalClock parses JSON TEXT to a vector clock.
func unmarshalClock(data string) (vclock.VectorClock, error) {
	if data == "" || data == "{}" {
		return vclock.New(), nil
	}
	var vc vclock.VectorClock
	if err := json.Unmarshal([]byte(data), &vc); err != nil {
		return nil, fmt.Errorf("unmarshal vector clock: %w", err)
	}
	return vc, nil
}

func systemMillis() int64 {
	return time.Now().UnixMilli()
}
