package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(KindNotFound, "order %s not found", "o1")
	wrapped := fmt.Errorf("cancel: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(nil, KindNotFound))
}

func TestPublicHidesStorageErrors(t *testing.T) {
	driverErr := errors.New("pq: connection refused on 10.0.0.4")

	pub := Public(driverErr)
	assert.Equal(t, KindUnavailable, KindOf(pub))
	assert.NotContains(t, pub.Error(), "10.0.0.4")

	pub = Public(Wrap(KindInvalidState, driverErr, "order is not open"))
	assert.Equal(t, KindInvalidState, KindOf(pub))
	assert.NotContains(t, pub.Error(), "10.0.0.4")
	assert.Contains(t, pub.Error(), "order is not open")

	assert.Nil(t, Public(nil))
}
