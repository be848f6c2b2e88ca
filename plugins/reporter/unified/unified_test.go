package unified

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dockoreksi/pkg/contract"
)

func TestRender_Identical(t *testing.T) {
	r := New(nil)
	for _, s := range []string{"", "Ini adalah tes.", "baris\nkedua"} {
		rep := r.Render(s, s)
		assert.True(t, rep.Identical)
		assert.Equal(t, NoChanges, rep.String())
	}
	assert.Equal(t, NoChanges, r.Render("  teks\n", "teks").Text)
}

func TestRender_SingleLineChange(t *testing.T) {
	rep := New(nil).Render("Ini adallah tes.", "Ini adalah tes.")
	require.False(t, rep.Identical)
	assert.Equal(t, []string{"-Ini adallah tes.", "+Ini adalah tes."}, rep.Lines)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, rep.Removed)
	assert.False(t, rep.Truncated)
	assert.Equal(t, "```diff\n-Ini adallah tes.\n+Ini adalah tes.\n```\n", rep.Text)
	assert.Equal(t, []contract.WordChange{{From: "adallah", To: "adalah"}}, rep.Changes)
}

func TestRender_ContextAndHeadersStripped(t *testing.T) {
	orig := "satu\ndua\ntiga\nempat\nlima\nenam\ntujuh"
	final := "satu\ndua\ntiga\nEMPAT\nlima\nenam\ntujuh"
	rep := New(nil).Render(orig, final)
	assert.Equal(t, []string{" dua", " tiga", "-empat", "+EMPAT", " lima", " enam"}, rep.Lines)
	for _, l := range rep.Lines {
		assert.False(t, strings.HasPrefix(l, "@@"))
	}
}

func TestRender_KeepsBodyLinesThatLookLikeHeaders(t *testing.T) {
	rep := New(nil).Render("-- catatan\nisi", "isi")
	assert.Equal(t, []string{"--- catatan", " isi"}, rep.Lines)
	assert.Equal(t, 1, rep.Removed)
}

func TestRender_Truncates(t *testing.T) {
	var a, b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&a, "baris %d salah\n", i)
		fmt.Fprintf(&b, "baris %d benar\n", i)
	}
	r := New(nil)
	rep := r.Render(a.String(), b.String())
	require.True(t, rep.Truncated)
	assert.Len(t, rep.Lines, 25)
	assert.True(t, strings.HasSuffix(rep.Text, "```\n"+r.TruncationNotice()+"\n"))
	assert.LessOrEqual(t, len(rep.Changes), 25)

	small := New(&Options{MaxLines: 3}).Render(a.String(), b.String())
	assert.Len(t, small.Lines, 3)
	assert.True(t, small.Truncated)
}

func TestWordChanges(t *testing.T) {
	got := New(nil).wordChanges("a b c", "a x c d")
	assert.Equal(t, []contract.WordChange{{From: "b", To: "x"}, {To: "d"}}, got)
}
