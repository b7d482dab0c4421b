// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xtaci/tftpd/server"
	"github.com/xtaci/tftpd/stats"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "tftpd"
	myApp.Usage = "RFC 1350 TFTP server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "port,p",
			Value: 6969,
			Usage: "UDP port to listen on",
		},
		cli.StringFlag{
			Name:  "root,r",
			Value: ".",
			Usage: "root directory files are served from and written to",
		},
		cli.IntFlag{
			Name:  "maxretries",
			Value: 0,
			Usage: "cap retransmission attempts per packet, 0 for unbounded",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect transfer statistics to a CSV file, aware of Go time formatting in the path",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-session info logs",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	cfg := server.Config{
		Port:       c.Int("port"),
		Root:       c.String("root"),
		MaxRetries: c.Int("maxretries"),
		Log:        c.String("log"),
		StatsLog:   c.String("statslog"),
		Quiet:      c.Bool("quiet"),
	}

	if c.String("c") != "" {
		if err := server.ParseJSONConfig(&cfg, c.String("c")); err != nil {
			return err
		}
	}

	log, sync, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer sync()

	if abs, err := filepath.Abs(cfg.Root); err == nil {
		cfg.Root = abs
	}

	log.Info("version", zap.String("version", VERSION))
	log.Info("config",
		zap.Int("port", cfg.Port),
		zap.String("root", cfg.Root),
		zap.Int("maxretries", cfg.MaxRetries),
		zap.Bool("quiet", cfg.Quiet),
		zap.String("statslog", cfg.StatsLog))

	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return err
	}
	color.Yellow("netascii is accepted but never translated; it behaves identically to octet")
	color.Yellow("mail mode is accepted for legacy clients but has no behavioral support")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	counters := &stats.Counters{}
	go stats.RunLogger(ctx, log, counters, cfg.StatsLog, time.Duration(c.Int("statsperiod"))*time.Second)

	srv := server.New(cfg.Root, log, counters, cfg.MaxRetries, cfg.Quiet)
	return srv.ListenAndServe(ctx, cfg.Port)
}

func buildLogger(cfg server.Config) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Log == "" {
		logger, err := zap.Config{
			Level:            zap.NewAtomicLevelAt(level),
			Development:      false,
			Encoding:         "console",
			EncoderConfig:    encoderCfg,
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		}.Build()
		if err != nil {
			return nil, nil, err
		}
		return logger, logger.Sync, nil
	}

	logger, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{cfg.Log},
		ErrorOutputPaths: []string{cfg.Log},
	}.Build()
	if err != nil {
		return nil, nil, err
	}
	return logger, logger.Sync, nil
}
