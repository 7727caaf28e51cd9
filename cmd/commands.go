package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"regdoc-rag/internal/chromemdb"
	"regdoc-rag/internal/chunker"
	"regdoc-rag/internal/config"
	"regdoc-rag/internal/db"
	"regdoc-rag/internal/embedding"
	"regdoc-rag/internal/evaluate"
	"regdoc-rag/internal/helper"
	"regdoc-rag/internal/index"
	"regdoc-rag/internal/llmservice"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/parser"
	"regdoc-rag/internal/rag"
	"regdoc-rag/internal/ragerr"
	"regdoc-rag/internal/retry"
)

const defaultDocumentURL = "https://rbidocs.rbi.org.in/rdocs/notification/PDFs/106MDNBFCS1910202343073E3EF57A4916AA5042911CD8D562.PDF"

func downloadCommand(c *cli.Context) error {
	cfg := loadedConfig(c)
	url := firstNonEmpty(c.String("url"), cfg.Document.URL, defaultDocumentURL)
	out := firstNonEmpty(c.String("out"), filepath.Join(cfg.DataDir, "rbi_notification.pdf"))

	if err := parser.Download(c.Context, url, out, cfg.Document.DownloadTimeout); err != nil {
		log.Warn().Err(err).Msg("Download failed, writing the bundled text copy instead")
		path, ferr := parser.WriteFallback(out)
		if ferr != nil {
			return ragerr.AtStage(ragerr.StageLoad, errors.Join(err, ferr))
		}
		fmt.Fprintf(c.App.Writer, "%s\n", path)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "%s\n", out)
	return nil
}

func ingestCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)

	paths := c.StringSlice("file")
	if len(paths) == 0 {
		paths = defaultDocuments(cfg)
	}
	if len(paths) == 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "no documents given: use --file, document.paths or run download first")
	}

	docs, err := parser.LoadAll(paths)
	if err != nil {
		return ragerr.AtStage(ragerr.StageLoad, err)
	}
	log.Info().Int("documents", len(docs)).Strs("files", paths).Msg("Parsed content")

	var opts []chunker.Option
	if cfg.RAG.CleanBreaks {
		opts = append(opts, chunker.WithCleanBreaks())
	}
	ch, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap, opts...)
	if err != nil {
		return ragerr.AtStage(ragerr.StageChunk, err)
	}

	if c.Bool("dry-run") {
		helper.FprettyPrint(c.App.Writer, ch.SplitAll(docs))
		return nil
	}

	policy := retry.FromConfig(cfg.Retry)
	client, err := embedding.New(&cfg.EmbedLLM, policy)
	if err != nil {
		return err
	}
	idx, closeIndex, err := openIndex(ctx, cfg, !c.Bool("reset"))
	if err != nil {
		return err
	}
	defer closeIndex()
	if c.Bool("reset") {
		if r, ok := idx.(interface{ Reset(context.Context) error }); ok {
			if err := r.Reset(ctx); err != nil {
				return err
			}
		}
	}

	indexer := rag.NewIndexer(ch, client, idx)
	if cfg.RAG.Contextualize {
		llm, err := llmservice.NewModel(&cfg.LLM)
		if err != nil {
			return err
		}
		indexer.WithContextualizer(rag.NewContextualizer(llm, cfg.LLM.Timeout, policy))
	}

	report, buildErr := indexer.Build(ctx, docs)
	if report.Indexed > 0 {
		// keep what was embedded even if the build stopped early
		if err := persistIndex(ctx, cfg, idx); err != nil {
			return errors.Join(buildErr, err)
		}
	}
	helper.FprettyPrint(c.App.Writer, report)
	return buildErr
}

func searchCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)

	pipeline, closeIndex, err := newPipeline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeIndex()

	hits, err := pipeline.Search(ctx, c.String("query"), c.Int("k"))
	if err != nil {
		return err
	}
	w := c.App.Writer
	for i, h := range hits {
		fmt.Fprintf(w, "%d. %s (page %d, score %.3f)\n%s\n\n", i+1, h.Entry.ChunkID, h.Entry.Page(), h.Score, models.Preview(h.Entry.Text, 300))
	}
	if len(hits) == 0 {
		fmt.Fprintln(w, "No matching chunks. Run ingest first.")
	}
	return nil
}

func askCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)
	w := c.App.Writer

	if k := c.Int("k"); k > 0 {
		override := *cfg
		override.RAG.TopK = k
		cfg = &override
	}
	pipeline, closeIndex, err := newPipeline(ctx, cfg, streamTo(c, w))
	if err != nil {
		return err
	}
	defer closeIndex()

	query := c.String("query")
	answer, err := pipeline.Answer(ctx, query)
	if err != nil {
		return err
	}
	printAnswer(w, answer, c.Bool("stream"))
	return nil
}

func chatCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)
	w := c.App.Writer

	pipeline, closeIndex, err := newPipeline(ctx, cfg, streamTo(c, w))
	if err != nil {
		return err
	}
	defer closeIndex()

	session, err := rag.NewSession()
	if err != nil {
		return err
	}
	logFile := firstNonEmpty(c.String("log-file"), filepath.Join(cfg.DataDir, "chat_log.txt"))

	fmt.Fprintf(w, "Ask about the indexed documents (%s answers).\n", pipeline.Generator().Name())
	fmt.Fprintln(w, "Type 'history' to see the conversation, 'save' to write it to a file, 'quit' to leave.")

	in := bufio.NewScanner(c.App.Reader)
	for {
		fmt.Fprint(w, "\nYou: ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit", "bye":
			fmt.Fprintln(w, "Goodbye!")
			return nil
		case "history":
			for i, t := range session.Turns() {
				fmt.Fprintf(w, "%d. Q: %s\n   A: %s\n", i+1, t.Question, models.Preview(t.Answer.Text, 200))
			}
			continue
		case "save":
			if err := session.SaveLog(logFile); err != nil {
				log.Error().Err(err).Msg("Error saving conversation")
				continue
			}
			fmt.Fprintf(w, "Conversation saved to %s\n", logFile)
			continue
		}

		answer, err := pipeline.Ask(ctx, session, line)
		if err != nil {
			// quota or auth failures end the session, anything else is reported and the chat goes on
			if errors.Is(err, ragerr.ErrQuotaExceeded) || errors.Is(err, ragerr.ErrAuth) || errors.Is(err, context.Canceled) {
				return err
			}
			stage, _ := ragerr.StageOf(err)
			log.Error().Err(err).Str("stage", string(stage)).Str("kind", ragerr.Kind(err)).Msg("Question failed")
			continue
		}
		printAnswer(w, answer, c.Bool("stream"))
	}
	return in.Err()
}

func evalCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)

	items, err := evaluate.LoadDataset(firstNonEmpty(c.String("dataset"), cfg.Evaluation.Dataset))
	if err != nil {
		return ragerr.AtStage(ragerr.StageEvaluate, err)
	}
	pipeline, closeIndex, err := newPipeline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeIndex()

	var opts []evaluate.RunnerOption
	judge := firstNonEmpty(c.String("judge"), cfg.Evaluation.Judge)
	switch judge {
	case "llm":
		llm, err := llmservice.NewModel(&cfg.LLM)
		if err != nil {
			return err
		}
		opts = append(opts, evaluate.WithJudge(evaluate.NewLLMJudge(llm, cfg.LLM.Timeout, retry.FromConfig(cfg.Retry))))
	case "none":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown evaluation judge %q", judge)
	}

	report, err := evaluate.NewRunner(pipeline, opts...).Run(ctx, items)
	if err != nil {
		return err
	}
	report.Generator = pipeline.Generator().Name()

	out := firstNonEmpty(c.String("out"), cfg.Evaluation.OutputDir)
	if err := report.WriteJSON(filepath.Join(out, "evaluation_results.json")); err != nil {
		return err
	}
	if err := report.WriteReport(filepath.Join(out, "evaluation_report.txt")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "\n%s", report.Summary())
	return nil
}

func exportCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)

	idx, closeIndex, err := openIndex(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeIndex()
	return idx.Save(ctx, c.String("out"))
}

func importCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := loadedConfig(c)

	idx, closeIndex, err := openIndex(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeIndex()
	if err := idx.Load(ctx, c.String("in")); err != nil {
		return err
	}
	return persistIndex(ctx, cfg, idx)
}

// newPipeline wires the configured embedder, index and generator. A non-nil
// stream receives live completion tokens.
func newPipeline(ctx context.Context, cfg *config.Config, stream func(context.Context, []byte) error) (*rag.Pipeline, func(), error) {
	policy := retry.FromConfig(cfg.Retry)
	client, err := embedding.New(&cfg.EmbedLLM, policy)
	if err != nil {
		return nil, nil, err
	}

	var gen rag.Generator
	switch cfg.Generator.Mode {
	case "canned":
		gen, err = rag.DefaultCannedGenerator()
		if err != nil {
			return nil, nil, err
		}
	default:
		llm, err := llmservice.NewModel(&cfg.LLM)
		if err != nil {
			return nil, nil, err
		}
		var opts []rag.LiveOption
		if stream != nil {
			opts = append(opts, rag.WithStreaming(stream))
		}
		gen = rag.NewLiveGenerator(llm, cfg.LLM, cfg.RAG.HistoryTurns, policy, opts...)
	}

	idx, closeIndex, err := openIndex(ctx, cfg, true)
	if err != nil {
		return nil, nil, err
	}
	if n, err := idx.Count(ctx); err == nil && n == 0 {
		log.Warn().Str("backend", cfg.Index.Backend).Msg("Index is empty, run ingest first")
	}
	return rag.NewPipeline(rag.NewRetriever(client, idx), gen, cfg.RAG.TopK), closeIndex, nil
}

// openIndex opens the configured backend. With load set, file-backed indexes
// are read from index.path when it exists.
func openIndex(ctx context.Context, cfg *config.Config, load bool) (index.Index, func(), error) {
	noop := func() {}
	switch cfg.Index.Backend {
	case "chromem":
		s, err := chromemdb.NewStore(cfg.Index)
		if err != nil {
			return nil, nil, err
		}
		if load && cfg.Index.PersistDir == "" && exists(cfg.Index.Path) {
			if err := s.Load(ctx, cfg.Index.Path); err != nil {
				return nil, nil, err
			}
		}
		return s, noop, nil
	case "postgres":
		s, err := db.NewStore(ctx, cfg.Database, cfg.Index.Collection)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing database")
			}
		}, nil
	default:
		m := index.NewMemory()
		if load && exists(filepath.Join(cfg.Index.Path, index.ManifestFile)) {
			if err := m.Load(ctx, cfg.Index.Path); err != nil {
				return nil, nil, err
			}
		}
		return m, noop, nil
	}
}

// persistIndex writes file-backed indexes to index.path. Persistent chromem
// collections and postgres are already durable.
func persistIndex(ctx context.Context, cfg *config.Config, idx index.Index) error {
	switch {
	case cfg.Index.Backend == "memory",
		cfg.Index.Backend == "chromem" && cfg.Index.PersistDir == "":
		if err := helper.CreateFolder(cfg.Index.Path); err != nil {
			return err
		}
		return idx.Save(ctx, cfg.Index.Path)
	}
	return nil
}

// defaultDocuments returns document.paths, or else whatever download left in
// the data directory.
func defaultDocuments(cfg *config.Config) []string {
	if len(cfg.Document.Paths) > 0 {
		return cfg.Document.Paths
	}
	for _, name := range []string{"rbi_notification.pdf", "rbi_notification.txt"} {
		if path := filepath.Join(cfg.DataDir, name); exists(path) {
			return []string{path}
		}
	}
	return nil
}

func streamTo(c *cli.Context, w io.Writer) func(context.Context, []byte) error {
	if !c.Bool("stream") {
		return nil
	}
	return func(_ context.Context, chunk []byte) error {
		_, err := w.Write(chunk)
		return err
	}
}

func printAnswer(w io.Writer, answer *models.Answer, streamed bool) {
	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Fprintf(w, "%s\n\n", answer.Question)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	for _, c := range answer.Citations {
		fmt.Fprintf(w, "- %s (%s, page %d, score %.3f)\n", c.ChunkID, filepath.Base(c.Source), c.Page, c.Score)
	}
	fmt.Fprintf(w, "Confidence: %s\n\n", answer.Confidence)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	if streamed && answer.Generator == "live" {
		fmt.Fprint(w, "\n\n")
		return
	}
	fmt.Fprintf(w, "%s\n\n", answer.Text)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
