package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/helper"
	"regdoc-rag/internal/ragerr"
)

const (
	configFilePath = "./configs/config.yaml"
	configKey      = "config"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		if stage, ok := ragerr.StageOf(err); ok {
			log.Fatal().Err(err).Str("stage", string(stage)).Str("kind", ragerr.Kind(err)).Msg("Pipeline failed")
		}
		log.Fatal().Err(err).Str("kind", ragerr.Kind(err)).Msg("Command failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "regdoc",
		Usage: "Ask questions about regulatory documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   configFilePath,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override the logging level (debug, info, warn, error)",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "download",
				Usage:  "Download the source PDF, writing a bundled text copy if that fails",
				Action: downloadCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Document URL (default: document.url)"},
					&cli.StringFlag{Name: "out", Usage: "Destination path (default: <data_dir>/rbi_notification.pdf)"},
				},
			},
			{
				Name:   "ingest",
				Usage:  "Load, chunk, embed and index documents",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Usage: "Document to ingest (repeatable, default: document.paths or the downloaded PDF)"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Print the chunks without embedding or storing them"},
					&cli.BoolFlag{Name: "reset", Usage: "Remove the chunks already stored for the collection first"},
				},
			},
			{
				Name:   "search",
				Usage:  "Show the chunks most similar to a query",
				Action: searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Query text", Required: true},
					&cli.IntFlag{Name: "k", Usage: "Number of chunks (default: rag.top_k)"},
				},
			},
			{
				Name:   "ask",
				Usage:  "Answer one question with its sources",
				Action: askCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Question", Required: true},
					&cli.IntFlag{Name: "k", Usage: "Number of chunks given to the generator (default: rag.top_k)"},
					&cli.BoolFlag{Name: "stream", Usage: "Print the answer as it is generated"},
				},
			},
			{
				Name:   "chat",
				Usage:  "Interactive question answering session",
				Action: chatCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "log-file", Usage: "Where 'save' writes the conversation (default: <data_dir>/chat_log.txt)"},
					&cli.BoolFlag{Name: "stream", Usage: "Print answers as they are generated"},
				},
			},
			{
				Name:   "eval",
				Usage:  "Run the evaluation dataset and write the results",
				Action: evalCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dataset", Usage: "YAML dataset (default: evaluation.dataset or the built-in one)"},
					&cli.StringFlag{Name: "out", Usage: "Output directory (default: evaluation.output_dir)"},
					&cli.StringFlag{Name: "judge", Usage: "none, or llm to also grade answers with the chat model (default: evaluation.judge)"},
				},
			},
			{
				Name:   "export",
				Usage:  "Save the index to a file or directory",
				Action: exportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Destination", Required: true},
				},
			},
			{
				Name:   "import",
				Usage:  "Replace the index with a previously exported one",
				Action: importCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "Source", Required: true},
				},
			},
		},
	}
}

// setup loads the configuration and configures logging. A missing default
// config file falls back to the offline defaults.
func setup(c *cli.Context) error {
	path := c.String("config")
	cfg, loadErr := config.LoadConfig(path)
	if loadErr != nil {
		if c.IsSet("config") || !errors.Is(loadErr, fs.ErrNotExist) {
			return loadErr
		}
		cfg = config.Default()
	}

	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if err := helper.SetupLogger(level, cfg.Log.Console); err != nil {
		return ragerr.Wrap(ragerr.ErrConfiguration, err)
	}
	if loadErr != nil {
		log.Warn().Str("path", path).Msg("Config file not found, using offline defaults")
	}
	log.Debug().Interface("config", redacted(cfg)).Msg("Loaded config")

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(c *cli.Context) *config.Config {
	return c.App.Metadata[configKey].(*config.Config)
}

// redacted returns a copy of cfg safe to log.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	for _, s := range []*string{&out.EmbedLLM.Key, &out.LLM.Key, &out.Database.Password, &out.Index.EncryptionKey} {
		if *s != "" {
			*s = "***"
		}
	}
	return out
}
