package event

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEvent   = errors.New("invalid change event")
	ErrInvalidGenesis = errors.New("invalid genesis record")
)

// Encode serializes a change event for the event log.
func Encode(evt *ChangeEvent) ([]byte, error) {
	return jsonMarshal(evt)
}

// Decode parses a change event read from the event log.
func Decode(data []byte) (*ChangeEvent, error) {
	var evt ChangeEvent
	if err := jsonUnmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	switch evt.Kind {
	case EventAdd, EventModify, EventDelete:
		if err := ValidatePath(evt.Path); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		if len(evt.Segments()) == 0 {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidEvent)
		}
	case EventGenesis:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, evt.Kind)
	}

	return &evt, nil
}

// EncodeGenesis serializes the genesis record for the given blob store address.
func EncodeGenesis(key string) ([]byte, error) {
	return jsonMarshal(&Genesis{Kind: EventGenesis, Key: key})
}

// DecodeGenesis parses the record at log position 0.
func DecodeGenesis(data []byte) (*Genesis, error) {
	var g Genesis
	if err := jsonUnmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGenesis, err)
	}
	if g.Kind != EventGenesis || g.Key == "" {
		return nil, ErrInvalidGenesis
	}
	return &g, nil
}
