package preview

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatAndKind(t *testing.T) {
	cause := errors.New("moov atom not found")
	err := inputError("decode", cause)

	assert.Equal(t, "preview decode: unreadable video: moov atom not found", err.Error())
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindInput, KindOf(fmt.Errorf("job 7: %w", err)))

	assert.Equal(t, KindResource, KindOf(resourceError("materialize", cause)))
	assert.Equal(t, KindInternal, KindOf(cause))
	assert.Equal(t, "resource", KindResource.String())
}
