package crawlqueue

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts work items to and from their stored form.
// Encode followed by Decode must reproduce every field.
type Serializer interface {
	Name() string
	Encode(item *WorkItem) ([]byte, error)
	Decode(data []byte) (*WorkItem, error)
}

// Serializer names accepted by SerializerByName.
const (
	SerializerSafe    = "safe"
	SerializerJSON    = "json"
	SerializerMsgpack = "msgpack"
	SerializerLegacy  = "legacy"
)

// SerializerByName returns the serializer registered under name.
// An empty name selects the safe default. Selecting the legacy format logs a warning.
func SerializerByName(name string, logger *slog.Logger) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SerializerSafe, SerializerJSON:
		return JSONSerializer{}, nil
	case SerializerMsgpack:
		return MsgpackSerializer{}, nil
	case SerializerLegacy:
		if logger != nil {
			logger.Warn("legacy serializer selected; stored items are only readable by Go processes", "serializer", SerializerLegacy)
		}
		return LegacySerializer{}, nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

// JSONSerializer is the safe default format.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return SerializerSafe }

func (s JSONSerializer) Encode(item *WorkItem) ([]byte, error) {
	if item == nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), Err: errors.New("item is nil")}
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), ItemID: item.ID, Err: err}
	}
	return data, nil
}

func (s JSONSerializer) Decode(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, &SerializationError{Op: "decode", Serializer: s.Name(), Err: err}
	}
	return normalizeDecoded(&item), nil
}

// MsgpackSerializer is a compact binary format.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Name() string { return SerializerMsgpack }

func (s MsgpackSerializer) Encode(item *WorkItem) ([]byte, error) {
	if item == nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), Err: errors.New("item is nil")}
	}
	data, err := msgpack.Marshal(item)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), ItemID: item.ID, Err: err}
	}
	return data, nil
}

func (s MsgpackSerializer) Decode(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := msgpack.Unmarshal(data, &item); err != nil {
		return nil, &SerializationError{Op: "decode", Serializer: s.Name(), Err: err}
	}
	return normalizeDecoded(&item), nil
}

// LegacySerializer uses Go's gob encoding. It is opt-in only.
type LegacySerializer struct{}

func (LegacySerializer) Name() string { return SerializerLegacy }

func (s LegacySerializer) Encode(item *WorkItem) ([]byte, error) {
	if item == nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), Err: errors.New("item is nil")}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, &SerializationError{Op: "encode", Serializer: s.Name(), ItemID: item.ID, Err: err}
	}
	return buf.Bytes(), nil
}

func (s LegacySerializer) Decode(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&item); err != nil {
		return nil, &SerializationError{Op: "decode", Serializer: s.Name(), Err: err}
	}
	return normalizeDecoded(&item), nil
}

func normalizeDecoded(item *WorkItem) *WorkItem {
	if !item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = item.EnqueuedAt.UTC()
	}
	return item
}
