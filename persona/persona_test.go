package persona_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laffeybot/laffey/persona"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_TextOnly(t *testing.T) {
	dir := t.TempDir()
	textPath := writeFile(t, dir, "persona.txt", "You are cheerful and curious.\n")

	p, err := persona.Load(persona.Config{TextPath: textPath})
	require.NoError(t, err)

	assert.Equal(t, "You are cheerful and curious.", p.Text())
	assert.Equal(t, "You are cheerful and curious.", p.SystemPrompt())
	assert.Empty(t, p.Identity().Name)
}

func TestLoad_WithIdentity(t *testing.T) {
	dir := t.TempDir()
	textPath := writeFile(t, dir, "persona.txt", "Speak briefly.")
	identityPath := writeFile(t, dir, "identity.yaml", `
name: Laffey
nature: a ship spirit who drifts between naps
creator: the admiral
traits:
  - sleepy
  - loyal
`)

	p, err := persona.Load(persona.Config{TextPath: textPath, IdentityPath: identityPath})
	require.NoError(t, err)

	id := p.Identity()
	assert.Equal(t, "Laffey", id.Name)
	assert.Equal(t, []string{"sleepy", "loyal"}, id.Traits)

	prompt := p.SystemPrompt()
	assert.Contains(t, prompt, "You are Laffey.")
	assert.Contains(t, prompt, "created by the admiral")
	assert.Contains(t, prompt, "sleepy, loyal")
	assert.Contains(t, prompt, "Speak briefly.")
}

func TestLoad_MissingTextFails(t *testing.T) {
	_, err := persona.Load(persona.Config{TextPath: "/nonexistent/persona.txt"})
	assert.Error(t, err)

	_, err = persona.Load(persona.Config{})
	assert.Error(t, err)
}

func TestLoad_EmptyTextFails(t *testing.T) {
	dir := t.TempDir()
	textPath := writeFile(t, dir, "persona.txt", "   \n")

	_, err := persona.Load(persona.Config{TextPath: textPath})
	assert.Error(t, err)
}

func TestReload_PicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	textPath := writeFile(t, dir, "persona.txt", "version one")

	p, err := persona.Load(persona.Config{TextPath: textPath})
	require.NoError(t, err)
	assert.Equal(t, "version one", p.Text())

	writeFile(t, dir, "persona.txt", "version two")
	require.NoError(t, p.Reload())
	assert.Equal(t, "version two", p.Text())
}

func TestReload_FailureKeepsPreviousPersona(t *testing.T) {
	dir := t.TempDir()
	textPath := writeFile(t, dir, "persona.txt", "stable persona")

	p, err := persona.Load(persona.Config{TextPath: textPath})
	require.NoError(t, err)

	require.NoError(t, os.Remove(textPath))
	assert.Error(t, p.Reload())
	assert.Equal(t, "stable persona", p.Text())
}
