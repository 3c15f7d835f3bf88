// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest is the request body for the /api/generate endpoint.
//
// Model and Prompt are always sent. Every other field is omitted from the
// payload when unset; nothing is ever sent as an explicit null.
type GenerateRequest struct {
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	System   string         `json:"system,omitempty"`
	Template string         `json:"template,omitempty"`
	Images   []string       `json:"images,omitempty"`   // base64 encoded
	Raw      *bool          `json:"raw,omitempty"`      // tri-state: unset is omitted, false is sent
	Format   string         `json:"format,omitempty"`   // e.g. "json"
	Options  map[string]any `json:"options,omitempty"`  // model parameters, passed through untouched
	Context  Context        `json:"context,omitempty"`  // continuation state from a previous response
}

// wireGenerateRequest adds the fields the client always controls.
type wireGenerateRequest struct {
	GenerateRequest
	Stream bool `json:"stream"`
}

// Bool returns a pointer to b, for GenerateRequest.Raw.
func Bool(b bool) *bool {
	return &b
}

// showRequest is the request body for the /api/show endpoint.
type showRequest struct {
	Model string `json:"model"`
}

// =============================================================================
// GENERATION CONTEXT
// =============================================================================

// Context is the opaque continuation state returned by the server.
//
// On the wire it is a JSON array of integers. Values are held as bytes:
// entries that are not unsigned integers are skipped and the rest are
// reduced to their low byte.
type Context []byte

// MarshalJSON encodes the context as an array of integers rather than base64.
func (c Context) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(c))
	for i, b := range c {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON decodes an array of integers into a context.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = contextFromRaw(raw)
	return nil
}

// Clone returns an independent copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	copy(out, c)
	return out
}

func contextFromRaw(raw []json.RawMessage) Context {
	out := make(Context, 0, len(raw))
	for _, elem := range raw {
		// Only unsigned integer literals count; floats, strings and null are skipped.
		v, err := strconv.ParseUint(string(bytes.TrimSpace(elem)), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// =============================================================================
// MODEL TYPES
// =============================================================================

// listModelsResponse is the response from /api/tags.
type listModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ModelInfo is the response from /api/show. Every field is optional.
type ModelInfo struct {
	Modelfile    string         `json:"modelfile,omitempty"`
	Parameters   string         `json:"parameters,omitempty"`
	Template     string         `json:"template,omitempty"`
	Details      *ModelDetails  `json:"details,omitempty"`
	ModelInfo    map[string]any `json:"model_info,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// ModelDetails contains detailed information about a model.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model,omitempty"`
	Format            string   `json:"format,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
}

// HasCapability reports whether the model advertises the named capability.
func (m *ModelInfo) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// apiError is the error body Ollama returns with non-2xx responses.
type apiError struct {
	Error string `json:"error"`
}
