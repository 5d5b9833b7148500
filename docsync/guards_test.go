package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGuardEchoSuppression(t *testing.T) {
	// an inbound update that resolves to exactly what we last pushed is our
	// own write reflected back
	assert.Equal(t, guardSuppressEcho, checkInboundContent("X", true, "X", "X"))
	assert.Equal(t, guardSuppressEcho, checkInboundContent("X", true, "old", "X"))

	// nothing pushed yet: no echo possible
	assert.Equal(t, guardNotify, checkInboundContent("", false, "old", "X"))

	// an empty echo is still an echo, even though the content emptied
	assert.Equal(t, guardSuppressEcho, checkInboundContent("", true, "old", ""))
}

func TestGuardContentLoss(t *testing.T) {
	// non-empty -> empty without a matching push is a hazardous merge
	assert.Equal(t, guardRestoreContent, checkInboundContent("hello", true, "hello", ""))
	assert.Equal(t, guardRestoreContent, checkInboundContent("", false, "hello", ""))

	// empty -> empty is not a loss
	assert.Equal(t, guardNotify, checkInboundContent("x", true, "", ""))

	// empty -> non-empty is a normal change
	assert.Equal(t, guardNotify, checkInboundContent("x", true, "", "world"))
}

func TestGuardRealChange(t *testing.T) {
	assert.Equal(t, guardNotify, checkInboundContent("mine", true, "before", "after"))
}
