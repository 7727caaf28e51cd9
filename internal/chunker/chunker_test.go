package chunker

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

const sample = `4. REGISTRATION REQUIREMENTS
4.1 Minimum Net Owned Fund (NOF): Every NBFC should have a minimum NOF of ₹2 crore.
4.2 The company should be in compliance with the provisions of the Companies Act for the preceding three years.
4.3 The company should have a satisfactory credit rating from an approved credit rating agency.`

func TestNewRejectsBadParameters(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{
		{10, 10}, {10, 11}, {0, 0}, {-5, 0}, {10, -1},
	} {
		_, err := New(tc.size, tc.overlap)
		require.Error(t, err, "size=%d overlap=%d", tc.size, tc.overlap)
		assert.ErrorIs(t, err, ragerr.ErrConfiguration)
	}
}

func TestSplitWindows(t *testing.T) {
	c, err := New(10, 3)
	require.NoError(t, err)

	doc := models.Document{Source: "data/rbi.pdf", Page: 2, Text: "abcdefghijklmnopqrstuvwxy"} // 25 runes
	chunks := c.Split(doc)

	require.Len(t, chunks, 4)
	assert.Equal(t, "abcdefghij", chunks[0].Text)
	assert.Equal(t, "hijklmnopq", chunks[1].Text)
	assert.Equal(t, "opqrstuvwx", chunks[2].Text)
	assert.Equal(t, "vwxy", chunks[3].Text)
	assert.Equal(t, 25, chunks[3].End)
	assert.Equal(t, "data/rbi.pdf#p2-c1", chunks[0].ID)
	assert.Equal(t, "data/rbi.pdf#p2-c4", chunks[3].ID)
	for _, ch := range chunks {
		assert.Equal(t, "data/rbi.pdf", ch.Source)
		assert.Equal(t, 2, ch.Page)
	}
}

func TestSplitKeepsShortTrailingText(t *testing.T) {
	c, err := New(10, 2)
	require.NoError(t, err)

	chunks := c.Split(models.Document{Text: "abcdefghijkl"}) // 12 runes
	require.Len(t, chunks, 2)
	assert.Equal(t, "ijkl", chunks[1].Text)
	assert.Equal(t, 8, chunks[1].Start)
}

func TestSplitShortAndEmptyText(t *testing.T) {
	c, err := New(100, 10)
	require.NoError(t, err)

	assert.Empty(t, c.Split(models.Document{Text: ""}))

	chunks := c.Split(models.Document{Text: "tiny"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "tiny", chunks[0].Text)
}

func TestSplitZeroOverlap(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)

	chunks := c.Split(models.Document{Text: "aaaabbbbcc"})
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	assert.Equal(t, []string{"aaaa", "bbbb", "cc"}, texts)
}

func TestConsecutiveChunksOverlapExactly(t *testing.T) {
	c, err := New(30, 7)
	require.NoError(t, err)

	chunks := c.Split(models.Document{Text: sample})
	require.Greater(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End-7, chunks[i].Start)
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		assert.Equal(t, string(prev[len(prev)-7:]), string(cur[:7]))
	}
}

func TestReconstructProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abc ₹.\nxyz")

	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(300)
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		text := b.String()

		size := 1 + rng.Intn(40)
		overlap := rng.Intn(size)
		var opts []Option
		if iter%2 == 0 {
			opts = append(opts, WithCleanBreaks())
		}
		c, err := New(size, overlap, opts...)
		require.NoError(t, err)

		chunks := c.Split(models.Document{Source: "doc.txt", Page: 1, Text: text})
		assert.Equal(t, text, Reconstruct(chunks), "size=%d overlap=%d clean=%v", size, overlap, iter%2 == 0)
		for _, ch := range chunks {
			assert.LessOrEqual(t, ch.End-ch.Start, size)
			assert.Equal(t, string([]rune(text)[ch.Start:ch.End]), ch.Text)
		}
	}
}

func TestCleanBreaksPreferWordBoundary(t *testing.T) {
	c, err := New(20, 2, WithCleanBreaks())
	require.NoError(t, err)

	chunks := c.Split(models.Document{Text: "the quick brown fox jumps over the lazy dog"})
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Text, " "), "got %q", chunks[0].Text)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", Reconstruct(chunks))
}

func TestSplitAllKeepsDocumentOrder(t *testing.T) {
	c, err := New(50, 5)
	require.NoError(t, err)

	docs := []models.Document{
		{Source: "a.pdf", Page: 1, Text: "page one"},
		{Source: "a.pdf", Page: 2, Text: "page two"},
	}
	chunks := c.SplitAll(docs)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a.pdf#p1-c1", chunks[0].ID)
	assert.Equal(t, "a.pdf#p2-c1", chunks[1].ID)
}
