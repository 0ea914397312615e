package mailtext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindHeader(t *testing.T) {
	msg := "From: alice@example.com\nSubject: hello\nReferences: <a@b> <c@d>\n\nBody text\n"

	v, ok := FindHeader(msg, "Subject")
	require.True(t, ok)
	require.Equal(t, "hello", v)

	v, ok = FindHeader(msg, "references")
	require.True(t, ok)
	require.Equal(t, "<a@b> <c@d>", v)

	_, ok = FindHeader(msg, "X-Nope")
	require.False(t, ok)

	_, ok = FindHeader(msg, "Body")
	require.False(t, ok)
}

func TestStripMsgIDWhitespace(t *testing.T) {
	clean, broken := StripMsgIDWhitespace("<abc @ def . com>")
	require.True(t, broken)
	require.Equal(t, "<abc@def.com>", clean)

	clean, broken = StripMsgIDWhitespace("<clean@id>")
	require.False(t, broken)
	require.Equal(t, "<clean@id>", clean)
}

func TestQuotationLevel(t *testing.T) {
	require.Equal(t, 0, QuotationLevel("plain text"))
	require.Equal(t, 1, QuotationLevel("> quoted once"))
	require.Equal(t, 2, QuotationLevel(">> quoted twice"))
	require.Equal(t, 2, QuotationLevel("> > spaced quote"))
	require.Equal(t, 3, QuotationLevel(":|> mixed markers"))
	require.Equal(t, 0, QuotationLevel(""))
}

func TestClassFromQuotationLevel(t *testing.T) {
	require.Equal(t, ClassContent, ClassFromQuotationLevel(0))
	require.Equal(t, ClassQuote1, ClassFromQuotationLevel(1))
	require.Equal(t, ClassQuote2, ClassFromQuotationLevel(2))
	require.Equal(t, ClassQuote3, ClassFromQuotationLevel(3))
	require.Equal(t, ClassQuote3, ClassFromQuotationLevel(9))
}

func TestIsSignatureStart(t *testing.T) {
	require.True(t, IsSignatureStart("-- \n"))
	require.False(t, IsSignatureStart("--\n"))
	require.False(t, IsSignatureStart("-- "))
}

func TestScanLines(t *testing.T) {
	msg := "From: a@b\nSubject: hi\n\nHello\n> quoted\n-- \nsig line\n"
	lines := ScanLines(msg)

	var classes []LineClass
	for _, l := range lines {
		classes = append(classes, l.Class)
	}
	require.Equal(t, []LineClass{
		ClassHeader,    // From:
		ClassHeader,    // Subject:
		ClassContent,   // blank line boundary
		ClassContent,   // Hello
		ClassQuote1,    // > quoted
		ClassSignature, // -- marker line itself
		ClassSignature, // sig line
	}, classes)
}
