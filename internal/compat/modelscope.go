package compat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// modelScopeAdapter fills the envelope fields ModelScope's OpenAI-compatible
// endpoint tends to omit and coalesces delta-shaped bodies into message form
// on the non-streaming path. tool_calls pass through untouched.
type modelScopeAdapter struct {
	now func() time.Time
}

func newModelScope() *modelScopeAdapter {
	return &modelScopeAdapter{now: time.Now}
}

func (a *modelScopeAdapter) Name() string { return "modelscope" }

func (a *modelScopeAdapter) PrepareRequest(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func (a *modelScopeAdapter) NormalizeResponse(payload []byte) ([]byte, error) {
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return payload, nil
	}
	var err error

	if !r.Get("object").Exists() {
		if payload, err = sjson.SetBytes(payload, "object", "chat.completion"); err != nil {
			return nil, fmt.Errorf("modelscope: set object: %w", err)
		}
	}
	if r.Get("id").String() == "" {
		if payload, err = sjson.SetBytes(payload, "id", "chatcmpl-"+uuid.NewString()); err != nil {
			return nil, fmt.Errorf("modelscope: set id: %w", err)
		}
	}
	if !r.Get("created").Exists() {
		if payload, err = sjson.SetBytes(payload, "created", a.now().Unix()); err != nil {
			return nil, fmt.Errorf("modelscope: set created: %w", err)
		}
	}
	if !r.Get("system_fingerprint").Exists() {
		if payload, err = sjson.SetBytes(payload, "system_fingerprint", ""); err != nil {
			return nil, fmt.Errorf("modelscope: set system_fingerprint: %w", err)
		}
	}

	// Some responses arrive delta-shaped even when stream=false. Fold the
	// delta into a message so downstream decoding sees one shape.
	r = gjson.ParseBytes(payload)
	choice := r.Get("choices.0")
	if choice.Exists() && !choice.Get("message").Exists() {
		if delta := choice.Get("delta"); delta.Exists() {
			if payload, err = sjson.SetRawBytes(payload, "choices.0.message", []byte(delta.Raw)); err != nil {
				return nil, fmt.Errorf("modelscope: coalesce delta: %w", err)
			}
			if payload, err = sjson.DeleteBytes(payload, "choices.0.delta"); err != nil {
				return nil, fmt.Errorf("modelscope: drop delta: %w", err)
			}
		}
	}

	return payload, nil
}
