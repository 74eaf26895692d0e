package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574" // 32 bytes, hex

func newTestCipher(t *testing.T, columns []string, strict bool) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher(testKey, columns, strict)
	require.NoError(t, err)
	return c
}

func TestFieldCipherEncryptsConfiguredColumns(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, false)

	in := "name,ssn,city\nalice,123-45-6789,berlin\nbob,987-65-4321,riga\n"
	out, res, err := c.Transform(context.Background(), []byte(in))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.Empty(t, res.Failed)

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "name,ssn,city", lines[0])

	for i, want := range []string{"123-45-6789", "987-65-4321"} {
		fields := strings.Split(lines[i+1], ",")
		require.Len(t, fields, 3)
		assert.NotEqual(t, want, fields[1])

		plain, err := c.open(fields[1])
		require.NoError(t, err)
		assert.Equal(t, want, plain)
	}
}

func TestFieldCipherNoSensitiveFieldsPassesThrough(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, false)

	in := "invoice,amount\n42,1024\n"
	out, res, err := c.Transform(context.Background(), []byte(in))
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
	assert.Equal(t, 1, res.Records)
	assert.Empty(t, res.Failed)
}

func TestFieldCipherTagsMalformedRecords(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, false)

	in := "name,ssn\nalice,111-22-3333\nbroken-line\ncarol,444-55-6666\n"
	out, res, err := c.Transform(context.Background(), []byte(in))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].Record)

	// the malformed line passes through unmodified
	lines := strings.Split(string(out), "\n")
	assert.Equal(t, "broken-line", lines[2])
}

func TestFieldCipherStrictModeFailsWholeFile(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, true)

	in := "name,ssn\nalice,111-22-3333\nbroken-line\n"
	out, res, err := c.Transform(context.Background(), []byte(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode")
	assert.Nil(t, out)
	require.Len(t, res.Failed, 1)
}

func TestFieldCipherUniqueNoncePerValue(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, false)

	in := "name,ssn\na,same\nb,same\n"
	out, _, err := c.Transform(context.Background(), []byte(in))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	f1 := strings.Split(lines[1], ",")[1]
	f2 := strings.Split(lines[2], ",")[1]
	assert.NotEqual(t, f1, f2)
}

func TestFieldCipherRejectsMissingHeader(t *testing.T) {
	c := newTestCipher(t, []string{"ssn"}, false)
	_, _, err := c.Transform(context.Background(), []byte(""))
	assert.Error(t, err)
}

func TestNewFieldCipherRejectsBadKeys(t *testing.T) {
	_, err := NewFieldCipher("zz", nil, false)
	assert.Error(t, err)

	_, err = NewFieldCipher("abcd", nil, false)
	assert.Error(t, err)
}

func TestNoopTransformer(t *testing.T) {
	out, res, err := Noop{}.Transform(context.Background(), []byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, []byte("anything"), out)
	assert.Zero(t, res.Records)
}
