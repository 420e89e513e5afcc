package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/hub"
)

const (
	envCacheDir = "MOONDREAM_CACHE_DIR"
	envHFToken  = "HF_TOKEN"
	envConfig   = "MOONDREAM_CONFIG"
)

var (
	configFile  string
	modelID     string
	revision    string
	cacheDir    string
	hfToken     string
	deviceName  string
	threads     int64
	retries     int64
	cacheModels bool

	temperature float64
	topK        int64
	topP        float64
	seed        int64
	maxSteps    int64

	logLevel  string
	logFormat string
	debug     bool
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml",
		Value:       configPath(),
		Sources:     cli.EnvVars(envConfig),
		Destination: &configFile,
	}
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-id",
			Usage:       "HuggingFace repository of the checkpoint",
			Value:       hub.DefaultModelID,
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "repository revision to pin",
			Value:       hub.DefaultRevision,
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "download cache directory (default: HuggingFace cache)",
			Sources:     cli.EnvVars(envCacheDir),
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "hf-token",
			Usage:       "HuggingFace access token",
			Sources:     cli.EnvVars(envHFToken),
			Destination: &hfToken,
		},
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "execution device (auto, cpu, cuda, metal)",
			Value:       device.Auto,
			Destination: &deviceName,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "worker threads for matrix kernels (0 = all cores)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "retries",
			Usage:       "download attempts per file",
			Value:       3,
			Destination: &retries,
		},
		&cli.BoolFlag{
			Name:        "cache-models",
			Usage:       "keep loaded models between generations",
			Value:       true,
			Destination: &cacheModels,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling parameter (0 = disabled)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p sampling parameter (0 = disabled)",
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "max-steps",
			Aliases:     []string{"n"},
			Usage:       "stop a generation after this many tokens (0 = until end of text)",
			Destination: &maxSteps,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
