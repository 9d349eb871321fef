package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
	"github.com/xaionaro-go/hwcodec/process"
	"github.com/xaionaro-go/observability"
)

func defaultConfig() hwcodec.CodecConfig {
	return hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       640,
		Height:      360,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantBitrate(2_000_000),
		FrameRate:   hwcodec.Rational{Num: 30, Den: 1},
		GOPLength:   30,
		Preset:      hwcodec.PresetP4,
	}
}

func loadConfig(path string) (hwcodec.CodecConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	return cfg, nil
}

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] probe\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        %s [flags] loopback <output.flv>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	driverName := pflag.String("driver", drivers.Default, fmt.Sprintf("the codec driver, one of %v", drivers.Names()))
	configPath := pflag.String("config", "", "a YAML file with the codec config")
	ordinal := pflag.Int("device", 0, "the ordinal of the device for loopback")
	frameCount := pflag.Int("frames", 90, "the amount of frames to encode in loopback")
	remote := pflag.Bool("remote", false, "run the sessions in a child process")
	pflag.Parse()
	if pflag.NArg() < 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) {
			errmon.ObserveErrorCtx(ctx, http.ListenAndServe(*netPprofAddr, nil))
		})
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		l.Fatal(err)
	}

	switch cmd := pflag.Arg(0); cmd {
	case "probe":
		err = probe(ctx, *driverName, cfg)
	case "loopback":
		if pflag.NArg() != 2 {
			pflag.Usage()
			os.Exit(1)
		}
		err = loopback(ctx, process.Options{
			Driver:    *driverName,
			NoForking: !*remote,
			LogLevel:  loggerLevel,
		}, *ordinal, cfg, *frameCount, pflag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "unknown command '%s'\n", cmd)
		pflag.Usage()
		os.Exit(1)
	}
	if err != nil {
		l.Fatal(err)
	}
}
