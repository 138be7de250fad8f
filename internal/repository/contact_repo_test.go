package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListByTagQueryUsesContainment(t *testing.T) {
	query, args := listByTagQuery(7, "priority_email_3")

	assert.Contains(t, query, "tags @> ARRAY[$2]::text[]")
	assert.NotContains(t, query, "ANY(tags)")
	assert.Equal(t, []any{int64(7), "priority_email_3"}, args)
}

func TestListByTagQueryEmptyTagListsAll(t *testing.T) {
	query, args := listByTagQuery(7, "")

	assert.NotContains(t, query, "@>")
	assert.NotContains(t, query, "$2")
	assert.Equal(t, []any{int64(7)}, args)
}
