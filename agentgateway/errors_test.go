package agentgateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageIsUnderlying(t *testing.T) {
	cause := errors.New("(404) assistant not found")
	err := upstream("run", cause)

	assert.Equal(t, "(404) assistant not found", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUpstream, KindOf(errors.New("plain")))
	assert.Equal(t, KindInvalidInput, KindOf(invalid("op", "bad")))
	assert.Equal(t, KindNoCompletion, KindOf(&Error{Kind: KindNoCompletion, Err: ErrNoCompletion}))

	wrapped := fmt.Errorf("outer: %w", invalid("op", "bad"))
	assert.Equal(t, KindInvalidInput, KindOf(wrapped))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "upstream", KindUpstream.String())
	assert.Equal(t, "no_completion", KindNoCompletion.String())
	assert.Equal(t, "invalid_input", KindInvalidInput.String())
}
