package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/andrewbaxter/dinker-strip/striplib/engine"
	"github.com/andrewbaxter/dinker-strip/striplib/ociimage"
	"github.com/andrewbaxter/dinker-strip/striplib/upx"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "json file with defaults for any of the other flags",
		},
		&cli.StringFlag{
			Name:    "source",
			Aliases: []string{"s"},
			Usage:   "image to strip",
		},
		&cli.StringFlag{
			Name:    "target",
			Aliases: []string{"t"},
			Usage:   "tag of the stripped image",
		},
		&cli.StringSliceFlag{
			Name:    "package",
			Aliases: []string{"p"},
			Usage:   "keep the files of this package",
		},
		&cli.StringSliceFlag{
			Name:    "include",
			Aliases: []string{"i"},
			Usage:   "keep paths matching this absolute glob",
		},
		&cli.StringSliceFlag{
			Name:    "exclude",
			Aliases: []string{"x"},
			Usage:   "drop paths matching this absolute glob",
		},
		&cli.StringSliceFlag{
			Name:  "port",
			Usage: "expose this port in addition to the source image's, e.g. 8080 or 53/udp",
		},
		&cli.BoolFlag{
			Name:    "compress",
			Aliases: []string{"c"},
			Usage:   "pack executables and shared libraries with upx",
			EnvVars: []string{"DINKER_STRIP_COMPRESS"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			EnvVars: []string{"DINKER_STRIP_VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "engine",
			Usage:   "docker or podman",
			EnvVars: []string{"DINKER_STRIP_ENGINE"},
		},
		&cli.StringFlag{
			Name:    "assembler",
			Usage:   "engine (build with the engine) or oci (write the image directly)",
			EnvVars: []string{"DINKER_STRIP_ASSEMBLER"},
		},
		&cli.StringFlag{
			Name:    "agent",
			Usage:   "path of the static dinker-strip-agent binary",
			EnvVars: []string{"DINKER_STRIP_AGENT"},
		},
		&cli.BoolFlag{
			Name:  "package-deps",
			Usage: "also keep the packages the requested packages depend on",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "fail if an include pattern matches nothing",
		},
		&cli.StringFlag{
			Name:    "upx",
			EnvVars: []string{"DINKER_STRIP_UPX"},
		},
		&cli.StringSliceFlag{
			Name:  "upx-arg",
			Usage: "extra upx argument, e.g. --best",
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "concurrent compressions, defaults to the number of CPUs",
			EnvVars: []string{"DINKER_STRIP_WORKERS"},
		},
	}
}

func configError(err error) error {
	return &striplib.StageError{Stage: striplib.StageConfigure, Err: err}
}

// newPipeline wires the collaborators picked by args. Nothing is run yet.
func newPipeline(args Args, runner command.Runner) (*striplib.Pipeline, error) {
	req, err := args.Request()
	if err != nil {
		return nil, configError(err)
	}
	eng, err := engine.New(args.Engine, runner)
	if err != nil {
		return nil, configError(err)
	}
	pipeline := &striplib.Pipeline{
		Request:   req,
		AgentPath: args.Agent.Raw(),
		Agent:     eng,
		Inspector: eng,
		Assembler: eng,
		Workers:   args.Workers,
	}
	if args.Assembler == AssemblerOci {
		store := ociimage.NewStore(eng)
		pipeline.Assembler = &ociimage.Assembler{Store: store}
		// Costs a full `docker save` of the source per run
		if _, ok := store.(ociimage.DaemonStore); ok {
			pipeline.Inspector = &ociimage.Inspector{Store: store}
		}
	}
	if req.Compress {
		compressor, err := upx.New(args.Upx, args.UpxArgs, runner)
		if err != nil {
			return nil, configError(err)
		}
		pipeline.Compressor = compressor
	}
	return pipeline, nil
}

func listenOSKillSignalsContext(ctx context.Context) context.Context {
	var cancelFunc context.CancelFunc
	ctx, cancelFunc = context.WithCancel(ctx)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-ch:
			cancelFunc()
		case <-ctx.Done():
			return
		}
	}()
	return ctx
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Failed to load .env: %s", err)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()
	ctx = listenOSKillSignalsContext(ctx)

	app := &cli.App{
		Name:                      "dinker-strip",
		Usage:                     "build a minimal image from the parts of another image you need",
		Flags:                     flags(),
		DisableSliceFlagSeparator: true,
		Action: func(c *cli.Context) error {
			args, err := argsFromContext(c)
			if err != nil {
				return configError(err)
			}
			if args.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			pipeline, err := newPipeline(args, command.NewRunner())
			if err != nil {
				return err
			}
			return pipeline.Run(c.Context)
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.Fatalf("Exiting with fatal error: %s", err)
	}
}
