package main

import (
	"os"

	"github.com/urfave/cli/v2"

	appLog "epdframe/internal/log"
)

const defaultConfig = "/etc/epdframe/config.yaml"

var version = "0.1.0-dev"

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func main() {
	app := cli.NewApp()

	app.Name = "epdframe"
	app.Usage = "Spectra 6 e-paper photo frame"
	app.Version = version

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"EPDFRAME_CONFIG"},
			Value:   defaultConfig,
			Usage:   "path to config file (created with defaults if missing)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "log at debug level",
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the web UI/API and the refresh schedule",
			Action: serve,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "listen",
					Usage: "HTTP listen address (overrides config)",
				},
			},
		},
		{
			Name:   "refresh",
			Usage:  "Run one refresh cycle and exit",
			Action: refreshOnce,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "instance",
					Usage: "show this instance instead of the next in order",
				},
			},
		},
		{
			Name:      "convert",
			Usage:     "Fit, dither and pack an image file",
			ArgsUsage: "IN OUT",
			Action:    convertFile,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "format",
					Value: "raw",
					Usage: "output format: raw (packed 4bpp) or png (dithered preview)",
				},
				&cli.StringFlag{
					Name:  "orientation",
					Usage: "horizontal or vertical (overrides config)",
				},
				&cli.IntFlag{
					Name:  "border",
					Value: -1,
					Usage: "white border in percent (overrides config)",
				},
			},
		},
		{
			Name:      "inspect",
			Usage:     "Render a packed panel buffer as PNG",
			ArgsUsage: "BUF OUT.png",
			Action:    inspect,
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("epdframe failed", err)
		os.Exit(1)
	}
}
