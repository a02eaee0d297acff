package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, DeviceIDFromContext(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithDeviceID(ctx, "abc")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "abc", DeviceIDFromContext(ctx))

	// Empty values never overwrite.
	ctx = WithDeviceID(ctx, "")
	assert.Equal(t, "abc", DeviceIDFromContext(ctx))
}
