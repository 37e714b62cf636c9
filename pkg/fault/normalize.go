package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Response is the single normalized error shape crossing the external
// boundary. Error and Code are always non-empty strings; Details is only
// populated outside production builds.
type Response struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Normalizer converts arbitrary failure values into a Response. It is
// constructed once at process startup and passed to the components that sit
// on the external boundary.
type Normalizer struct {
	includeDetails bool
	byokMode       bool
}

// NewNormalizer creates a normalizer. includeDetails should be false in
// production builds; byokMode selects the bring-your-own-key variant of the
// missing API key message.
func NewNormalizer(includeDetails, byokMode bool) *Normalizer {
	return &Normalizer{includeDetails: includeDetails, byokMode: byokMode}
}

// Normalize maps any failure value into the wire error shape. Resolution
// order: stream-embedded error flags, coded fault errors, plain strings,
// then generic shapes including the nested response.data.error envelope
// produced by HTTP client libraries.
func (n *Normalizer) Normalize(v interface{}) Response {
	resp := n.extract(v)

	if resp.Code == "" {
		resp.Code = CodeUnknown
	}
	if resp.Error == "" {
		resp.Error = "An unexpected error occurred"
		if resp.Code == CodeUnknown {
			resp.Code = CodeInternal
		}
	}

	resp.Error = n.rewriteMessage(resp.Code, resp.Error)

	if !n.includeDetails {
		resp.Details = nil
	}
	return resp
}

func (n *Normalizer) extract(v interface{}) Response {
	switch val := v.(type) {
	case nil:
		return Response{Error: "An unexpected error occurred", Code: CodeInternal}

	case *StreamError:
		code := val.Code
		if code == "" {
			code = CodeUnknown
		}
		return Response{Error: val.Message, Code: code}

	case *Error:
		return Response{Error: val.Message, Code: val.Code, Details: val.Details}

	case string:
		return Response{Error: val, Code: CodeUnknown}

	case error:
		var fe *Error
		if errors.As(val, &fe) {
			return Response{Error: fe.Message, Code: fe.Code, Details: fe.Details}
		}
		var se *StreamError
		if errors.As(val, &se) {
			return n.extract(se)
		}
		return Response{Error: val.Error(), Code: CodeUnknown}

	case map[string]interface{}:
		return n.extractMap(val)

	default:
		return Response{Error: fmt.Sprintf("%v", val), Code: CodeUnknown}
	}
}

// extractMap handles duck-typed error objects: top-level message/code/details
// fields, plus the response.data.error envelope common to HTTP clients.
func (n *Normalizer) extractMap(m map[string]interface{}) Response {
	resp := Response{}

	if msg, ok := m["message"].(string); ok {
		resp.Error = msg
	}
	if code, ok := m["code"].(string); ok {
		resp.Code = code
	}
	if details, ok := m["details"].(map[string]interface{}); ok {
		resp.Details = details
	}

	// Stream-embedded flags may arrive as a decoded object.
	if msg, ok := m["errorMessage"].(string); ok && msg != "" {
		resp.Error = msg
		if code, ok := m["errorCode"].(string); ok && code != "" {
			resp.Code = code
		}
	}

	if nested, ok := nestedError(m); ok {
		if msg, ok := nested["message"].(string); ok && msg != "" {
			resp.Error = msg
		}
		if typ, ok := nested["type"].(string); ok && typ != "" && resp.Code == "" {
			resp.Code = typ
		}
		if status, ok := statusOf(nested); ok {
			if resp.Details == nil {
				resp.Details = make(map[string]interface{})
			}
			resp.Details["status"] = status
			if code := codeForStatus(status); code != "" {
				resp.Code = code
			}
		}
	}

	return resp
}

// nestedError digs out response.data.error from an HTTP-client error envelope.
func nestedError(m map[string]interface{}) (map[string]interface{}, bool) {
	response, ok := m["response"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	errObj, ok := data["error"].(map[string]interface{})
	return errObj, ok
}

func statusOf(m map[string]interface{}) (int, bool) {
	switch s := m["status"].(type) {
	case int:
		return s, true
	case float64:
		return int(s), true
	default:
		return 0, false
	}
}

func codeForStatus(status int) string {
	switch status {
	case 401, 403:
		return CodeLLMAPIKey
	case 429:
		return CodeLLMRateLimit
	case 503:
		return CodeLLMServiceUnavailable
	default:
		return ""
	}
}

// rewriteMessage applies the fixed user-facing messages for the expected
// failure classes regardless of the raw underlying text.
func (n *Normalizer) rewriteMessage(code, message string) string {
	switch code {
	case CodeLLMAPIKey:
		if n.byokMode || strings.Contains(strings.ToLower(message), "bring your own") {
			return MessageAPIKeyBYOK
		}
		return MessageAPIKeyMissing
	case CodeLLMRateLimit:
		return MessageRateLimited
	case CodeLLMServiceUnavailable:
		return MessageUnavailable
	default:
		return message
	}
}
