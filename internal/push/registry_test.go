package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSend_MatchingPrefix_CallsHandlerWithChannelAndText(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Register("tg-", func(channel, text string, media []Media) bool {
		got = channel + ":" + text
		return true
	})

	delivered := r.Send("tg-42", "ping", nil)
	assert.True(t, delivered)
	assert.Equal(t, "tg-42:ping", got)
}

func TestSend_NoMatchingPrefix_ReturnsFalse(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("tg-", func(string, string, []Media) bool { called = true; return true })

	delivered := r.Send("unknown-42", "ping", nil)
	assert.False(t, delivered)
	assert.False(t, called)
}

func TestRegister_SamePrefixTwice_LastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Register("tg-", func(string, string, []Media) bool { return false })
	r.Register("tg-", func(string, string, []Media) bool { return true })

	assert.True(t, r.Send("tg-1", "x", nil))
}

func TestRegister_PreservesOrderAcrossDistinctPrefixes(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register("a", func(string, string, []Media) bool { order = append(order, "a"); return true })
	r.Register("ab", func(string, string, []Media) bool { order = append(order, "ab"); return true })

	// "abc" matches both "a" and "ab"; registration order decides,
	// per spec.md's "first whose prefix is a leading substring".
	r.Send("abc", "x", nil)
	assert.Equal(t, []string{"a"}, order)
}

func TestSend_EmptyChannel_NoMatchUnlessEmptyPrefixRegistered(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Send("", "x", nil))

	r.Register("", func(string, string, []Media) bool { return true })
	assert.True(t, r.Send("", "x", nil))
	assert.True(t, r.Send("anything", "x", nil))
}
