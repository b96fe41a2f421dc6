// Command partclone-nbd serves a Partclone sparse disk image as a
// read-only Network Block Device, either to a local kernel NBD device
// (client mode) or to remote NBD clients over TCP (server mode).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/allvpv/partclone-nbd/internal/config"
	"github.com/allvpv/partclone-nbd/internal/image"
	"github.com/allvpv/partclone-nbd/internal/logging"
	"github.com/allvpv/partclone-nbd/internal/transport"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("partclone-nbd", flag.ContinueOnError)

	var (
		port          int
		device        string
		elemsPerCache uint64
		logFile       string
		quiet         bool
		debug         bool
		serverMode    bool
		clientMode    bool
		showVersion   bool
		configPath    string
	)

	fs.IntVar(&port, "port", 10809, "TCP port to listen on in server mode")
	fs.IntVar(&port, "p", 10809, "shorthand for -port")
	fs.StringVar(&device, "device", "", "kernel NBD device node to attach in client mode, e.g. /dev/nbd0")
	fs.StringVar(&device, "d", "", "shorthand for -device")
	fs.Uint64Var(&elemsPerCache, "elems-per-cache", 0, "bitmap words per prefix-sum cache bucket (0 selects the built-in default)")
	fs.Uint64Var(&elemsPerCache, "x", 0, "shorthand for -elems-per-cache")
	fs.StringVar(&logFile, "log-file", "", "path to append log output to, or syslog:<tag> to log to syslog")
	fs.StringVar(&logFile, "L", "", "shorthand for -log-file")
	fs.BoolVar(&quiet, "quiet", false, "quiet console output (file/syslog sink is unaffected)")
	fs.BoolVar(&quiet, "q", false, "shorthand for -quiet")
	fs.BoolVar(&debug, "debug", false, "verbose debug logging")
	fs.BoolVar(&debug, "D", false, "shorthand for -debug")
	fs.BoolVar(&serverMode, "server-mode", false, "serve the image to remote NBD clients over TCP")
	fs.BoolVar(&serverMode, "s", false, "shorthand for -server-mode")
	fs.BoolVar(&clientMode, "client-mode", false, "attach the image to a local kernel NBD device")
	fs.BoolVar(&clientMode, "c", false, "shorthand for -client-mode")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&showVersion, "V", false, "shorthand for -version")
	fs.StringVar(&configPath, "config", "", "optional YAML file supplying defaults for flags not given on the command line")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(os.Stdout, "partclone-nbd %s\n", version)
		return 0
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: partclone-nbd [options] <image-path>")
		return 2
	}
	imagePath := fs.Arg(0)

	if serverMode == clientMode {
		fmt.Fprintln(os.Stderr, "exactly one of -s/--server-mode or -c/--client-mode is required")
		return 2
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port", "p":
			set["port"] = true
		case "device", "d":
			set["device"] = true
		case "elems-per-cache", "x":
			set["elems-per-cache"] = true
		case "log-file", "L":
			set["log-file"] = true
		case "quiet", "q":
			set["quiet"] = true
		case "debug", "D":
			set["debug"] = true
		}
	})

	defaults, err := config.LoadDefaults(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	mode := config.ModeServer
	if clientMode {
		mode = config.ModeClient
	}

	cfg := config.Merge(defaults, config.Config{
		Mode:          mode,
		ImagePath:     imagePath,
		Port:          port,
		Device:        device,
		ElemsPerCache: elemsPerCache,
		LogFile:       logFile,
		Quiet:         quiet,
		Debug:         debug,
	}, set)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, closer, err := logging.New(logging.Options{LogFile: cfg.LogFile, Quiet: cfg.Quiet, Debug: cfg.Debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	img, err := image.Load(cfg.ImagePath, cfg.ElemsPerCache)
	if err != nil {
		logger.Error("failed to load image", slog.Any("error", err))
		return 1
	}
	logger.Info("image loaded",
		slog.String("path", cfg.ImagePath),
		slog.Uint64("device_size", img.DeviceSize),
		slog.Uint64("used_blocks", img.UsedBlocks),
	)

	// HUP/QUIT/USR1/USR2 interrupt the active request loop via context
	// cancellation like INT/TERM do; this process has no reload or
	// diagnostic-dump behavior to give them, so all six signals share one
	// shutdown path rather than the source's per-signal sigsetjmp targets.
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer stop()

	if serverMode {
		err = transport.Serve(ctx, transport.Config{ListenAddr: fmt.Sprintf(":%d", cfg.Port)}, img, logger)
	} else {
		err = transport.ServeLocal(ctx, transport.ClientConfig{Device: cfg.Device}, img, logger)
	}
	if err != nil {
		logger.Error("exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("partclone-nbd exited cleanly")
	return 0
}
