package tokenx_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/pkg/tokenx"
)

func TestCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, tokenx.Count(""))
	assert.Greater(t, tokenx.Count("hello"), 0)
	// Longer text always costs more tokens.
	short := tokenx.Count("hello world")
	long := tokenx.Count(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestCountMessages(t *testing.T) {
	t.Parallel()
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "be nice"},
		{Role: domain.RoleUser, Content: "hello there"},
	}
	total := tokenx.CountMessages(msgs)
	// Per-message framing overhead is included.
	assert.Greater(t, total, tokenx.Count("be nice")+tokenx.Count("hello there"))
	assert.Equal(t, 0, tokenx.CountMessages(nil))
}
