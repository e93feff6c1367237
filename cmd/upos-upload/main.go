// upos-upload uploads video files through the UPOS chunked upload protocol and prints
// the uploaded videos as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/upos-tools/go-uploader/auth"
	"github.com/upos-tools/go-uploader/config"
	"github.com/upos-tools/go-uploader/upload"
	"github.com/upos-tools/go-uploader/upload/progress"
	"github.com/upos-tools/go-uploader/video"
)

const progressInterval = 2 * time.Second

var cli struct {
	Config  string   `kong:"help='YAML config file.',type='path'"`
	Line    string   `kong:"help='Upload line (kodo, bda2, qn, ws, cos, cos-internal). Probed when empty.'"`
	Limit   int      `kong:"help='Concurrent chunk uploads per file.'"`
	Cookies string   `kong:"help='Cookie file written by the login flow.',type='path'"`
	Verbose bool     `kong:"short='v',help='Enable debug logging.'"`
	Paths   []string `kong:"arg,required,help='Video files to upload.'"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("upos-upload"),
		kong.Description("Uploads video files through the UPOS chunked upload protocol."),
		kong.UsageOnError(),
	)

	logger := log.NewLogger()
	logger.EnableDebugLog(cli.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger log.Logger) error {
	cfg, err := config.NewLoader(env.NewRepository()).Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Line != "" {
		cfg.Line = cli.Line
	}
	if cli.Limit != 0 {
		cfg.Limit = cli.Limit
	}
	if cli.Cookies != "" {
		cfg.CookieFile = cli.Cookies
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	uploaderConfig, err := cfg.UploaderConfig()
	if err != nil {
		return err
	}

	loginInfo, err := auth.LoadCookies(cfg.CookieFile)
	if err != nil {
		return fmt.Errorf("load login info: %w", err)
	}
	client, err := auth.NewClient(loginInfo, cfg.MemberURL)
	if err != nil {
		return err
	}

	preuploader := upload.NewPreuploadClient(client, cfg.MemberURL, uploaderConfig.Session, logger)
	uploader, err := upload.NewUploader(uploaderConfig, preuploader, nil, reporterFactory(logger), logger)
	if err != nil {
		return err
	}

	results, err := uploader.Upload(ctx, cli.Paths)
	if err != nil {
		return err
	}

	videos := upload.Videos(results)
	out, err := json.MarshalIndent(videos, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if failed := len(results) - len(videos); failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed to upload", failed, len(results))
	}
	return nil
}

func reporterFactory(logger log.Logger) upload.ProgressFactory {
	return func(f video.File) (progress.Sink, func()) {
		reporter := progress.NewReporter(f.Name, f.Size, progressInterval, logger)
		return reporter, reporter.Stop
	}
}
