package uuidutil_test

import (
	"regexp"
	"testing"

	"github.com/jvs-project/txfs/pkg/uuidutil"
	"github.com/stretchr/testify/assert"
)

var v4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNewV4_Format(t *testing.T) {
	id := uuidutil.NewV4()
	assert.Regexp(t, v4Pattern, id)
	assert.True(t, uuidutil.Valid(id))
}

func TestNewV4_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := uuidutil.NewV4()
		assert.False(t, seen[id], "duplicate: %s", id)
		seen[id] = true
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "a3f7c1b2", uuidutil.Short("a3f7c1b2-0000-4000-8000-000000000000"))
	assert.Equal(t, "abc", uuidutil.Short("abc"))
}

func TestValid(t *testing.T) {
	assert.False(t, uuidutil.Valid("not-a-uuid"))
}
