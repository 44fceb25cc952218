package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(Params{"b": "2", "a": "1", "c": "3"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2","c":"3"}`, string(got))
}

func TestMarshalCanonical_ScalarsBecomeStrings(t *testing.T) {
	got, err := MarshalCanonical(Params{
		"int":    42,
		"bool":   true,
		"false":  false,
		"float":  1.5,
		"number": json.Number("7"),
		"null":   nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"bool":"1","false":"0","float":"1.5","int":"42","null":null,"number":"7"}`, string(got))
}

func TestMarshalCanonical_NestedValues(t *testing.T) {
	got, err := MarshalCanonical(Params{
		"options": []any{
			map[string]any{"value": 1, "name": "discussionsubscribe"},
		},
		"ids": []int{3, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ids":["3","1"],"options":[{"name":"discussionsubscribe","value":"1"}]}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(Params{"message": "<p>a & b</p>"})
	require.NoError(t, err)
	assert.Equal(t, `{"message":"<p>a & b</p>"}`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	got, err := MarshalCanonical(Params{"s": "a\"b\\c\nd\x01"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a\"b\\c\nd\u0001"}`, string(got))
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "é" as e + combining acute accent vs precomposed U+00E9
	decomposed, err := MarshalCanonical(Params{"name": "e\u0301"})
	require.NoError(t, err)
	composed, err := MarshalCanonical(Params{"name": "\u00e9"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_UnsupportedType(t *testing.T) {
	_, err := MarshalCanonical(Params{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported parameter type")
}

func TestLessUTF16(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-8 byte order but after it in UTF-16.
	assert.False(t, lessUTF16("｡", "\U0001F600"))
	assert.True(t, lessUTF16("\U0001F600", "｡"))
	assert.True(t, lessUTF16("a", "b"))
	assert.True(t, lessUTF16("a", "aa"))
	assert.False(t, lessUTF16("b", "a"))
}
