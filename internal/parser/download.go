package parser

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

//go:embed fallback.txt
var fallbackText string

// Download fetches url into dst. Servers that answer with an HTML page
// instead of the document are treated as a failure.
func Download(ctx context.Context, url, dst string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return loadError(url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	log.Info().Str("url", url).Msg("Downloading document")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return loadError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return loadError(url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return loadError(url, fmt.Errorf("received an HTML page instead of a document"))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return loadError(dst, err)
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return loadError(dst, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return loadError(url, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return loadError(dst, err)
	}

	log.Info().Str("path", dst).Int64("bytes", n).Msg("Document downloaded")
	return nil
}

// WriteFallback writes a plain-text copy of the NBFC master direction next
// to pdfPath and returns its path. It is used when the PDF cannot be fetched.
func WriteFallback(pdfPath string) (string, error) {
	textPath := strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + ".txt"
	if err := os.MkdirAll(filepath.Dir(textPath), 0o755); err != nil {
		return "", loadError(textPath, err)
	}
	if err := os.WriteFile(textPath, []byte(fallbackText), 0o644); err != nil {
		return "", loadError(textPath, err)
	}
	log.Warn().Str("path", textPath).Msg("Wrote fallback document text")
	return textPath, nil
}
