package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_PlainString(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize("boom")

	assert.Equal(t, "boom", resp.Error)
	assert.Equal(t, CodeUnknown, resp.Code)
	assert.Nil(t, resp.Details)
}

func TestNormalize_CodedError(t *testing.T) {
	n := NewNormalizer(true, false)

	err := New(CodeStateNotFound, "no state for session s1").
		WithDetail("session_id", "s1")
	resp := n.Normalize(err)

	assert.Equal(t, "no state for session s1", resp.Error)
	assert.Equal(t, CodeStateNotFound, resp.Code)
	assert.Equal(t, "s1", resp.Details["session_id"])
}

func TestNormalize_WrappedCodedError(t *testing.T) {
	n := NewNormalizer(false, false)

	inner := Wrap(CodeStorageRead, "failed to load state", errors.New("disk gone"))
	wrapped := fmt.Errorf("turn aborted: %w", inner)

	resp := n.Normalize(wrapped)

	assert.Equal(t, "failed to load state", resp.Error)
	assert.Equal(t, CodeStorageRead, resp.Code)
}

func TestNormalize_APIKeyRewrite(t *testing.T) {
	n := NewNormalizer(false, false)

	err := New(CodeLLMAPIKey, `set a key or "bring your own" via config`)
	resp := n.Normalize(err)

	assert.Equal(t, MessageAPIKeyBYOK, resp.Error)
	assert.Equal(t, CodeLLMAPIKey, resp.Code)
}

func TestNormalize_APIKeyRewriteDefaultMode(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(New(CodeLLMAPIKey, "missing x-api-key header"))

	assert.Equal(t, MessageAPIKeyMissing, resp.Error)
}

func TestNormalize_APIKeyRewriteBYOKMode(t *testing.T) {
	n := NewNormalizer(false, true)

	resp := n.Normalize(New(CodeLLMAPIKey, "missing x-api-key header"))

	assert.Equal(t, MessageAPIKeyBYOK, resp.Error)
}

func TestNormalize_RateLimitRewrite(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(New(CodeLLMRateLimit, "429 too many requests blah"))

	assert.Equal(t, MessageRateLimited, resp.Error)
	assert.Equal(t, CodeLLMRateLimit, resp.Code)
}

func TestNormalize_StreamError(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(&StreamError{Message: "stream fell over", Code: CodeLLMResponse})

	assert.Equal(t, "stream fell over", resp.Error)
	assert.Equal(t, CodeLLMResponse, resp.Code)
}

func TestNormalize_StreamErrorWithoutCode(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(&StreamError{Message: "stream fell over"})

	assert.Equal(t, CodeUnknown, resp.Code)
}

func TestNormalize_GenericMap(t *testing.T) {
	n := NewNormalizer(true, false)

	resp := n.Normalize(map[string]interface{}{
		"message": "something failed",
		"code":    "CUSTOM_CODE",
		"details": map[string]interface{}{"hint": "retry"},
	})

	assert.Equal(t, "something failed", resp.Error)
	assert.Equal(t, "CUSTOM_CODE", resp.Code)
	assert.Equal(t, "retry", resp.Details["hint"])
}

func TestNormalize_NestedHTTPEnvelope(t *testing.T) {
	n := NewNormalizer(true, false)

	resp := n.Normalize(map[string]interface{}{
		"message": "request failed",
		"response": map[string]interface{}{
			"data": map[string]interface{}{
				"error": map[string]interface{}{
					"message": "quota exceeded for this minute",
					"type":    "rate_limit_error",
					"status":  float64(429),
				},
			},
		},
	})

	// 429 wins over the envelope's type and triggers the fixed message.
	assert.Equal(t, CodeLLMRateLimit, resp.Code)
	assert.Equal(t, MessageRateLimited, resp.Error)
	assert.Equal(t, 429, resp.Details["status"])
}

func TestNormalize_DetailsStrippedInProduction(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(map[string]interface{}{
		"message": "oops",
		"details": map[string]interface{}{"stack": "..."},
	})

	assert.Nil(t, resp.Details)
}

func TestNormalize_Nil(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(nil)

	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Code)
}

func TestNormalize_PlainError(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(errors.New("dial tcp: connection refused"))

	assert.Equal(t, "dial tcp: connection refused", resp.Error)
	assert.Equal(t, CodeUnknown, resp.Code)
}

func TestNormalize_ArbitraryValue(t *testing.T) {
	n := NewNormalizer(false, false)

	resp := n.Normalize(42)

	assert.Equal(t, "42", resp.Error)
	assert.Equal(t, CodeUnknown, resp.Code)
}

func TestIsCode(t *testing.T) {
	err := New(CodeStateNotFound, "missing")

	assert.True(t, IsCode(err, CodeStateNotFound))
	assert.False(t, IsCode(err, CodeStorageRead))
	assert.False(t, IsCode(errors.New("plain"), CodeStateNotFound))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(CodeStorageWrite, "save failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), CodeStorageWrite)
	assert.Contains(t, err.Error(), "root cause")
}
