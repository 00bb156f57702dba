package formatter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "plain text", input: "  hello  ", expected: "hello"},
		{name: "line breaks", input: "a<br>b<BR/>c< br />d", expected: "a\nb\nc\nd"},
		{name: "closing blocks", input: "<p>one</p><div>two</div>", expected: "one\ntwo"},
		{name: "headings and lists", input: "<h2>Title</h2><ul><li>x</li><li>y</li></ul>", expected: "Title\nx\ny"},
		{name: "inline tags dropped", input: `<b>bold</b> <a href="x">link</a>`, expected: "bold link"},
		{name: "entities", input: "a&nbsp;b &AMP; c &lt;d &#39;e&apos; &quot;f&quot;", expected: "a b & c <d 'e' \"f\""},
		{name: "greater than", input: "x &gt; y", expected: "x > y"},
		{name: "decoded angle brackets forming a tag", input: "5 &lt; 6 and 7 &gt; 3", expected: "5  3"},
		{name: "blank line runs collapse", input: "a<br><br><br><br>b", expected: "a\n\nb"},
		{name: "crlf run", input: "a\r\n\n\nb", expected: "a\n\nb"},
		{name: "escaped markup is removed after decoding", input: "x &lt;b&gt;y&lt;/b&gt;", expected: "x y"},
		{name: "double escaped entity", input: "&amp;amp;", expected: "&"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripHTML(tt.input))
		})
	}
}

func TestStripHTML_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"<p>Given a user</p><p>When it logs in</p>",
		"&amp;lt;p&amp;gt;nested&amp;lt;/p&amp;gt;",
		"a\n\n\n\n<br>\n\n\nb",
		"&lt;&lt;&gt;&gt;",
		"<<b>>text<</b>>",
		"&amp;nbsp;&amp;amp;&amp;quot;",
		"  <div>\n\n</div>  ",
		"5 &lt; 6 &amp;&amp; 7 &gt; 3",
	}
	for _, in := range inputs {
		once := StripHTML(in)
		assert.Equal(t, once, StripHTML(once), "input: %q", in)
	}
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", " yes ", "On"} {
		assert.True(t, IsTruthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "no", "off", "enabled"} {
		assert.False(t, IsTruthy(v), v)
	}
}
