package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type intentJSON struct {
	Version     string            `json:"version"`
	ID          string            `json:"id"`
	IssuedAt    time.Time         `json:"issuedAt"`
	Chain       Chain             `json:"chain"`
	Wallet      Wallet            `json:"wallet"`
	Action      json.RawMessage   `json:"action"`
	Constraints Constraints       `json:"constraints"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the action as a "type"-tagged object.
func (in Intent) MarshalJSON() ([]byte, error) {
	var action json.RawMessage
	if in.Action != nil {
		raw, err := encodeAction(in.Action)
		if err != nil {
			return nil, err
		}
		action = raw
	}
	return json.Marshal(intentJSON{
		Version:     in.Version,
		ID:          in.ID,
		IssuedAt:    in.IssuedAt,
		Chain:       in.Chain,
		Wallet:      in.Wallet,
		Action:      action,
		Constraints: in.Constraints,
		Preferences: in.Preferences,
		Metadata:    in.Metadata,
	})
}

// UnmarshalJSON decodes an intent. Fields belonging to a different action
// variant than "type" names are rejected.
func (in *Intent) UnmarshalJSON(data []byte) error {
	var raw intentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	*in = Intent{
		Version:     raw.Version,
		ID:          raw.ID,
		IssuedAt:    raw.IssuedAt,
		Chain:       raw.Chain,
		Wallet:      raw.Wallet,
		Constraints: raw.Constraints,
		Preferences: raw.Preferences,
		Metadata:    raw.Metadata,
	}
	if len(raw.Action) == 0 || bytes.Equal(raw.Action, []byte("null")) {
		return nil
	}
	action, err := decodeAction(raw.Action)
	if err != nil {
		return err
	}
	in.Action = action
	return nil
}

// Decode parses and validates an intent in one step.
func Decode(data []byte) (*Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

func decodeAction(raw json.RawMessage) (Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: action: %v", ErrInvalidIntent, err)
	}
	var kind Kind
	if t, ok := fields["type"]; ok {
		if err := json.Unmarshal(t, &kind); err != nil {
			return nil, fmt.Errorf("%w: action.type: %v", ErrInvalidIntent, err)
		}
	}
	delete(fields, "type")

	var action Action
	switch kind {
	case KindNativeTransfer:
		action = &NativeTransfer{}
	case KindTransfer:
		action = &TokenTransfer{}
	case KindApprove:
		action = &TokenApproval{}
	case KindSwapExactIn:
		action = &SwapExactIn{}
	case KindSwapExactOut:
		action = &SwapExactOut{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: action: %v", ErrInvalidIntent, err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(action); err != nil {
		return nil, fmt.Errorf("%w: action %s: %v", ErrInvalidIntent, kind, err)
	}
	return action, nil
}

func encodeAction(a Action) (json.RawMessage, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(a.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}
