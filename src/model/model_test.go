package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateNameShape(t *testing.T) {
	for i := 0; i < 20; i++ {
		name := GenerateName()
		assert.Regexp(t, `^[a-z]+-[a-z]+-\d{4}$`, name)
	}
}

func TestGenerateNameVaries(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[GenerateName()] = true
	}
	assert.Greater(t, len(seen), 1, "GenerateName should not always return the same candidate")
}

func TestSessionBackingName(t *testing.T) {
	term := &Session{Name: "foo", Mode: ModeTerminal}
	assert.Equal(t, "foo", term.BackingName())

	rich := &Session{Name: "foo", Mode: ModeRich}
	assert.Equal(t, "rich-foo", rich.BackingName())
}

func TestRecognizedConfigKeys(t *testing.T) {
	assert.True(t, RecognizedConfigKeys["theme"])
	assert.False(t, RecognizedConfigKeys["not-a-real-key"])
}
