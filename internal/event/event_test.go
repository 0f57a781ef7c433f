package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"a", "b.txt"}, SplitPath("a/b.txt"))
	assert.Equal(t, []string{"a", "b"}, SplitPath("/a//b/"))
	assert.Equal(t, []string{"a"}, SplitPath("./a"))
	assert.Empty(t, SplitPath(""))
	assert.Equal(t, "a/b.txt", JoinPath(SplitPath("a/b.txt")))
}

func TestDecode_WireFormat(t *testing.T) {
	evt, err := Decode([]byte(`{"path":"docs/readme.md","status":"add","isDir":false}`))
	require.NoError(t, err)
	assert.Equal(t, EventAdd, evt.Kind)
	assert.Equal(t, []string{"docs", "readme.md"}, evt.Segments())
	assert.False(t, evt.IsDir)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":    `{"path":`,
		"unknown kind": `{"path":"a","status":"rename"}`,
		"empty path":   `{"path":"/","status":"delete"}`,
		"parent":       `{"path":"../escaped.txt","status":"add"}`,
		"inner parent": `{"path":"docs/../../x","status":"modify"}`,
		"absolute":     `{"path":"/etc/passwd","status":"add"}`,
		"backslash":    `{"path":"..\\x","status":"add"}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(data))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("docs/readme.md"))
	assert.NoError(t, ValidatePath("dots..in..name/.hidden"))
	assert.Error(t, ValidatePath(".."))
	assert.Error(t, ValidatePath("a/../b"))
	assert.Error(t, ValidatePath("/abs"))
	assert.Error(t, ValidatePath(`dir\file`))
}

func TestEncode_UsesLogFieldNames(t *testing.T) {
	data, err := Encode(&ChangeEvent{Path: "a/b", Kind: EventDelete, IsDir: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a/b","status":"delete","isDir":true}`, string(data))
}

func TestGenesis(t *testing.T) {
	data, err := EncodeGenesis("s3://bucket")
	require.NoError(t, err)

	g, err := DecodeGenesis(data)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket", g.Key)

	_, err = DecodeGenesis([]byte(`{"path":"a","status":"add"}`))
	assert.ErrorIs(t, err, ErrInvalidGenesis)
}
