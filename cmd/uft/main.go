// Command uft is the Universal Floppy Tool CLI: identify, convert, and
// manipulate vintage disk images, and drive flux samplers.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "uft",
		Usage: "Read, write, convert and analyze vintage floppy disk images",
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "Identify the format of an image file",
				Action:    detectAction,
				ArgsUsage: "FILE",
			},
			{
				Name:      "convert",
				Usage:     "Convert an image to another format",
				Action:    convertAction,
				ArgsUsage: "IN OUT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Usage: "target format (default: from OUT extension)"},
				},
			},
			{
				Name:      "list",
				Usage:     "List the files on an image's filesystem",
				Action:    listAction,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "extract",
				Usage:     "Copy a file out of an image",
				Action:    extractAction,
				ArgsUsage: "IMAGE FILE DEST",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "user", Usage: "CP/M user area", Value: 0},
				},
			},
			{
				Name:      "insert",
				Usage:     "Copy a file into an image",
				Action:    insertAction,
				ArgsUsage: "IMAGE SRC NAME",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "user", Usage: "CP/M user area", Value: 0},
				},
			},
			{
				Name:      "format",
				Usage:     "Create a blank formatted image",
				Action:    formatAction,
				ArgsUsage: "IMAGE GEOMETRY-SLUG",
			},
			{
				Name:      "read",
				Usage:     "Read a physical disk into an image file",
				Action:    readAction,
				ArgsUsage: "DEVICE OUT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "geometry", Usage: "geometry slug", Value: "pc-1440"},
					&cli.IntFlag{Name: "revs", Usage: "revolutions per track", Value: 2},
				},
			},
			{
				Name:      "write",
				Usage:     "Write an image file to a physical disk",
				Action:    writeAction,
				ArgsUsage: "DEVICE IN",
			},
			{
				Name:   "devices",
				Usage:  "List candidate sampler serial ports",
				Action: devicesAction,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}
