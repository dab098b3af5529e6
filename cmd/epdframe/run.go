package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"epdframe/internal/battery"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/epd"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
	"epdframe/internal/plugin"
	"epdframe/internal/refresh"
	"epdframe/internal/state"
	"epdframe/internal/web"
)

// app bundles everything built from the config file.
type app struct {
	cfg       *config.Config
	store     *state.Store
	registry  *plugin.Registry
	converter *convert.Converter
	display   epd.Display
	runner    *refresh.Runner
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if c.Bool("verbose") {
		appLog.SetLevel(appLog.LevelDebug)
	}
	return cfg, nil
}

func newConverter(cfg *config.Config) (*convert.Converter, error) {
	m, err := convert.Matrix(cfg.Dither.Matrix, cfg.Dither.Strength)
	if err != nil {
		return nil, err
	}
	return &convert.Converter{Device: cfg.DeviceModel(), Matrix: m}, nil
}

// setup wires the application. The panel is only opened when withPanel is
// set, so CLI tools never grab the SPI bus.
func setup(c *cli.Context, withPanel bool) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if a.store, err = state.Open(cfg.Resolve(cfg.Paths.StateFile)); err != nil {
		return nil, err
	}
	if a.converter, err = newConverter(cfg); err != nil {
		return nil, err
	}

	a.registry = plugin.NewRegistry()
	a.registry.Register(plugin.ImageUploadID, plugin.NewImageUpload())
	a.registry.Register(plugin.ScreenshotID, plugin.NewScreenshot())
	a.registry.Register(plugin.CalendarID, plugin.NewCalendar(cfg.Resolve(cfg.Paths.CacheDir)))

	if withPanel && cfg.Panel.Enabled {
		d, err := epd.Open(cfg.Panel)
		if err != nil {
			return nil, err
		}
		a.display = d
	}

	a.runner = &refresh.Runner{
		Store:     a.store,
		Registry:  a.registry,
		Converter: a.converter,
		Border:    cfg.Device.BorderPercent,
		Output:    cfg.Resolve(cfg.Paths.CurrentImage),
		Display:   a.display,
	}
	return a, nil
}

func (a *app) close() {
	if a.display == nil {
		return
	}
	if err := a.display.Close(); err != nil {
		appLog.Warn("panel close failed", err)
	}
}

func serve(c *cli.Context) error {
	a, err := setup(c, true)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer a.close()
	if l := c.String("listen"); l != "" {
		a.cfg.Listen = l
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("epdframe starting",
		"version", version,
		"listen", a.cfg.Listen,
		"device", a.cfg.DeviceModel().Resolution.String(),
		"orientation", string(a.cfg.Device.Orientation),
		"matrix", a.cfg.Dither.Matrix,
		"panel", a.display != nil,
	)

	if err := a.runner.EnsureCurrentImage(ctx, hostname(), "http://"+a.cfg.Listen); err != nil {
		appLog.Warn("startup image failed", err)
	}

	sched, err := refresh.NewScheduler(ctx, a.cfg.Refresh, a.runner)
	if err != nil {
		return cli.Exit(err, 1)
	}
	sched.Start()

	srv := &http.Server{
		Addr: a.cfg.Listen,
		Handler: web.NewServer(web.Deps{
			Config:    a.cfg,
			Store:     a.store,
			Registry:  a.registry,
			Converter: a.converter,
			Runner:    a.runner,
			Battery:   battery.New(ctx, a.cfg.Battery),
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+a.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(err, 1)
		}
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown", err)
	}
	sched.Stop(shutdownCtx)
	appLog.Info("epdframe exiting")
	return nil
}

func refreshOnce(c *cli.Context) error {
	a, err := setup(c, true)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer a.close()

	var rep refresh.Report
	if id := c.String("instance"); id != "" {
		rep, err = a.runner.Show(c.Context, id)
	} else {
		rep, err = a.runner.Cycle(c.Context)
	}
	if err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Fprintf(c.App.Writer, "%s (%s) rendered in %s\n", rep.InstanceID, rep.Plugin, rep.Elapsed.Round(time.Millisecond))
	return nil
}

func convertFile(c *cli.Context) error {
	if c.NArg() < 2 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if o := c.String("orientation"); o != "" {
		cfg.Device.Orientation = model.Orientation(strings.ToLower(o))
	}
	border := cfg.Device.BorderPercent
	if b := c.Int("border"); b >= 0 {
		border = b
	}
	conv, err := newConverter(cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}

	src, err := convert.DecodeFile(c.Args().Get(0))
	if err != nil {
		return cli.Exit(err, 1)
	}
	res, err := conv.Convert(src, border)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var out []byte
	switch c.String("format") {
	case "raw", "spectra6":
		out = res.Packed
	case "png":
		var buf bytes.Buffer
		if err := convert.EncodePreview(&buf, res.Indexed); err != nil {
			return cli.Exit(err, 1)
		}
		out = buf.Bytes()
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q", c.String("format")), 1)
	}
	if err := config.WriteFileAtomic(c.Args().Get(1), out, 0o644); err != nil {
		return cli.Exit(err, 1)
	}
	appLog.Info("converted", "in", c.Args().Get(0), "out", c.Args().Get(1), "bytes", len(out))
	return nil
}

func inspect(c *cli.Context) error {
	if c.NArg() < 2 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	buf, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return cli.Exit(err, 1)
	}
	m, err := convert.Unpack(buf, cfg.Device.Width, cfg.Device.Height)
	if err != nil {
		return cli.Exit(err, 1)
	}
	var png bytes.Buffer
	if err := convert.EncodePreview(&png, m); err != nil {
		return cli.Exit(err, 1)
	}
	return config.WriteFileAtomic(c.Args().Get(1), png.Bytes(), 0o644)
}

// hostname returns the first non-loopback IPv4 address, falling back to
// the host name, for the startup card.
func hostname() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ip, ok := a.(*net.IPNet); ok && !ip.IP.IsLoopback() && ip.IP.To4() != nil {
				return ip.IP.String()
			}
		}
	}
	h, _ := os.Hostname()
	return h
}
