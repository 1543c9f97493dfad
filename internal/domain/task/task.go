package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("empty task payload")

// Task is anything that can be put on a queue stream.
type Task interface {
	TaskType() string
	TaskValue() ([]byte, error)
}

// EncodeTask is the queue payload of a task.
func EncodeTask[T Task](t T) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.TaskType(), err)
	}
	return data, nil
}

// DecodeTask parses a queue payload produced by EncodeTask.
func DecodeTask[T Task](data []byte) (T, error) {
	var t T
	if len(bytes.TrimSpace(data)) == 0 {
		return t, ErrEmptyPayload
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode %T: %w", t, err)
	}
	return t, nil
}
