package secret

import (
	"context"
	"os"
	"testing"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	t.Parallel()

	s, err := Parse("plain text")
	require.NoError(t, err)
	assert.False(t, s.HasSecrets())
	assert.Equal(t, "plain text", s.String())
	require.Len(t, s.Parts(), 1)
	assert.Equal(t, KindPlain, s.Parts()[0].Kind)
}

func TestParseEmptyString(t *testing.T) {
	t.Parallel()

	s, err := Parse("")
	require.NoError(t, err)
	assert.False(t, s.HasSecrets())
	assert.Equal(t, "", s.String())
}

func TestParseEnvDefaultPrefix(t *testing.T) {
	t.Parallel()

	s, err := Parse("Bearer ${env:TOKEN}")
	require.NoError(t, err)
	assert.True(t, s.HasSecrets())
	require.Len(t, s.Parts(), 2)
	assert.Equal(t, Part{Kind: KindPlain, Value: "Bearer "}, s.Parts()[0])
	assert.Equal(t, Part{Kind: KindEnv, Value: "TOKEN"}, s.Parts()[1])
}

func TestParseBareReferenceDefaultsToEnv(t *testing.T) {
	t.Parallel()

	s, err := Parse("${TOKEN}")
	require.NoError(t, err)
	require.Len(t, s.Parts(), 1)
	assert.Equal(t, Part{Kind: KindEnv, Value: "TOKEN"}, s.Parts()[0])
}

func TestParseKeychain(t *testing.T) {
	t.Parallel()

	s, err := Parse("${keychain:my-key}")
	require.NoError(t, err)
	require.Len(t, s.Parts(), 1)
	assert.Equal(t, Part{Kind: KindKeychain, Value: "my-key"}, s.Parts()[0])
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	s, err := Parse("${command:npx get-token}")
	require.NoError(t, err)
	require.Len(t, s.Parts(), 1)
	assert.Equal(t, Part{Kind: KindCommand, Value: "npx get-token"}, s.Parts()[0])
}

func TestParseMultipleSecrets(t *testing.T) {
	t.Parallel()

	s, err := Parse("prefix ${env:A} middle ${keychain:B} suffix")
	require.NoError(t, err)
	require.Len(t, s.Parts(), 5)
	assert.Equal(t, Part{Kind: KindPlain, Value: "prefix "}, s.Parts()[0])
	assert.Equal(t, Part{Kind: KindEnv, Value: "A"}, s.Parts()[1])
	assert.Equal(t, Part{Kind: KindPlain, Value: " middle "}, s.Parts()[2])
	assert.Equal(t, Part{Kind: KindKeychain, Value: "B"}, s.Parts()[3])
	assert.Equal(t, Part{Kind: KindPlain, Value: " suffix"}, s.Parts()[4])
}

func TestParseDollarWithoutBrace(t *testing.T) {
	t.Parallel()

	s, err := Parse("Cost is $50")
	require.NoError(t, err)
	assert.False(t, s.HasSecrets())
	assert.Equal(t, "Cost is $50", s.String())
}

func TestParseUnclosedBrace(t *testing.T) {
	t.Parallel()

	_, err := Parse("Bearer ${TOKEN")
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.BadSchema, kind)
}

func TestParseUnmatchedClosingBrace(t *testing.T) {
	t.Parallel()

	_, err := Parse("Bearer }")
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.BadSchema, kind)
}

func TestParseEmptyReference(t *testing.T) {
	t.Parallel()

	_, err := Parse("Bearer ${}")
	require.Error(t, err)
}

func TestParseEmptyReferenceValue(t *testing.T) {
	t.Parallel()

	_, err := Parse("${env:}")
	require.Error(t, err)
}

func TestParseUnknownReferenceType(t *testing.T) {
	t.Parallel()

	_, err := Parse("${unknown:value}")
	require.Error(t, err)
}

func TestParseWhitespaceHandling(t *testing.T) {
	t.Parallel()

	s, err := Parse("${  env : TOKEN  }")
	require.NoError(t, err)
	require.Len(t, s.Parts(), 1)
	assert.Equal(t, Part{Kind: KindEnv, Value: "TOKEN"}, s.Parts()[0])
	assert.Equal(t, "${env:TOKEN}", s.String())
}

func TestResolveEnvVar(t *testing.T) {
	t.Setenv("CODEMODE_TEST_TOKEN", "test_value_123")

	s, err := Parse("${env:CODEMODE_TEST_TOKEN}")
	require.NoError(t, err)
	resolved, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test_value_123", resolved)
}

func TestResolveEnvVarMissing(t *testing.T) {
	t.Parallel()

	_, ok := os.LookupEnv("CODEMODE_TEST_NONEXISTENT_XYZ")
	require.False(t, ok)

	s, err := Parse("${env:CODEMODE_TEST_NONEXISTENT_XYZ}")
	require.NoError(t, err)
	_, err = s.Resolve(context.Background())
	require.Error(t, err)
}

func TestResolveCommandSuccess(t *testing.T) {
	t.Parallel()

	s, err := Parse("${command:printf 'my_secret_token'}")
	require.NoError(t, err)
	resolved, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "my_secret_token", resolved)
}

func TestResolveCommandTrimsWhitespace(t *testing.T) {
	t.Parallel()

	s, err := Parse("${command:echo '  token_with_spaces  '}")
	require.NoError(t, err)
	resolved, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token_with_spaces", resolved)
}

func TestResolveCommandFailure(t *testing.T) {
	t.Parallel()

	s, err := Parse("${command:exit 1}")
	require.NoError(t, err)
	_, err = s.Resolve(context.Background())
	require.Error(t, err)
}

func TestResolveCommandEmptyOutput(t *testing.T) {
	t.Parallel()

	s, err := Parse("${command:true}")
	require.NoError(t, err)
	_, err = s.Resolve(context.Background())
	require.Error(t, err)
}

func TestResolveMixedParts(t *testing.T) {
	t.Setenv("CODEMODE_TEST_PREFIX_VAR", "world")

	s, err := Parse("hello ${env:CODEMODE_TEST_PREFIX_VAR}")
	require.NoError(t, err)
	resolved, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello world", resolved)
}

func TestPlainHelper(t *testing.T) {
	t.Parallel()

	s := Plain("literal")
	assert.False(t, s.HasSecrets())
	resolved, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "literal", resolved)
}
