package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdoc-rag/internal/ragerr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadText(t *testing.T) {
	p := writeFile(t, "nbfc.txt", "  4.1 Minimum Net Owned Fund\n")
	docs, err := Load(p)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, p, docs[0].Source)
	assert.Equal(t, 1, docs[0].Page)
	assert.Equal(t, "4.1 Minimum Net Owned Fund", docs[0].Text)
}

func TestLoadMarkdownDropsMarkup(t *testing.T) {
	p := writeFile(t, "notes.md", "# Capital Adequacy\n\nEvery NBFC shall keep a **CRAR** of `15%`.\n\n- Tier I\n- Tier II\n")
	docs, err := Load(p)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	text := docs[0].Text
	assert.Contains(t, text, "Capital Adequacy")
	assert.Contains(t, text, "Every NBFC shall keep a CRAR of 15%.")
	assert.Contains(t, text, "Tier I")
	assert.NotContains(t, text, "#")
	assert.NotContains(t, text, "**")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unsupported": writeFile(t, "image.png", "x"),
		"missing":     filepath.Join(dir, "nope.pdf"),
		"blank":       writeFile(t, "blank.txt", "   \n\t"),
		"corrupt pdf": writeFile(t, "broken.pdf", "definitely not a pdf"),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ragerr.ErrDocumentLoad)
			assert.Contains(t, err.Error(), filepath.Base(p))
		})
	}
}

func TestLoadAllKeepsOrder(t *testing.T) {
	a := writeFile(t, "a.txt", "first")
	b := writeFile(t, "b.txt", "second")
	docs, err := LoadAll([]string{b, a})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "second", docs[0].Text)
	assert.Equal(t, "first", docs[1].Text)
}

func TestExtractTextFromXML(t *testing.T) {
	xml := `<w:p><w:r><w:t>Net Owned</w:t></w:r><w:r><w:t xml:space="preserve">Fund</w:t></w:r></w:p>`
	assert.Equal(t, "Net Owned Fund ", extractTextFromXML(xml, "<w:t>", "<w:t "))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc.pdf":
			assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-1.4 body"))
		case "/blocked":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html>captcha</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "nested", "rbi.pdf")
	require.NoError(t, Download(context.Background(), srv.URL+"/doc.pdf", dst, time.Second))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 body", string(data))

	for _, path := range []string{"/blocked", "/missing"} {
		err := Download(context.Background(), srv.URL+path, filepath.Join(t.TempDir(), "x.pdf"), time.Second)
		require.Error(t, err, path)
		assert.ErrorIs(t, err, ragerr.ErrDocumentLoad)
	}
}

func TestWriteFallbackIsLoadable(t *testing.T) {
	p, err := WriteFallback(filepath.Join(t.TempDir(), "data", "rbi_nbfc.pdf"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, "rbi_nbfc.txt"))

	docs, err := Load(p)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "Minimum Net Owned Fund")
}
