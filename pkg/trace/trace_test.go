package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")

	got, id := Ensure(ctx)

	assert.Equal(t, "abc", id)
	assert.Equal(t, "abc", FromContext(got))
}

func TestEnsureGeneratesID(t *testing.T) {
	ctx, id := Ensure(context.Background())

	assert.Len(t, id, 32)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContextEmpty(t *testing.T) {
	assert.Equal(t, "", FromContext(context.Background()))
}
