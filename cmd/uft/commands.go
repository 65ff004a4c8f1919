package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.bug.st/serial/enumerator"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/detect"
	"github.com/floppykit/uft/disks"
	"github.com/floppykit/uft/file_systems/ataridos"
	"github.com/floppykit/uft/file_systems/common"
	"github.com/floppykit/uft/file_systems/cpm"
	"github.com/floppykit/uft/file_systems/dfs"
	"github.com/floppykit/uft/file_systems/dos33"
	"github.com/floppykit/uft/file_systems/fat"
	"github.com/floppykit/uft/file_systems/prodos"
	"github.com/floppykit/uft/file_systems/trsdos"
	"github.com/floppykit/uft/formats"
	"github.com/floppykit/uft/hal"
	_ "github.com/floppykit/uft/hal/greaseweazle"
)

// Known Greaseweazle USB identity, used to pick out candidate ports.
const (
	greaseweazleVID = "1209"
	greaseweazlePID = "4D69"
)

func detectAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("usage: uft detect FILE")
	}
	path := ctx.Args().Get(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading input file")
	}
	result := detect.Identify(data, detect.Hints{Filename: path})
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	for i, cand := range result.Candidates {
		marker := "  "
		if i == result.Best {
			marker = "* "
		}
		variant := ""
		if cand.Variant != "" {
			variant = " (" + cand.Variant + ")"
		}
		fmt.Printf("%s%-10s%-22s %4.0f%%  %s\n",
			marker, cand.Format, variant, cand.Confidence*100, cand.Reason)
	}
	return nil
}

func convertAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: uft convert IN OUT")
	}
	in, out := ctx.Args().Get(0), ctx.Args().Get(1)

	img, result, err := formats.Open(in, true)
	if err != nil {
		return errors.Wrap(err, "opening input image")
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}

	targetName := ctx.String("format")
	if targetName == "" {
		targetName = extensionOf(out)
	}
	target, err := uft.ParseFormat(targetName)
	if err != nil {
		return errors.Wrapf(err, "resolving target format %q", targetName)
	}

	delete(img.Metadata, "read-only")
	summary, err := formats.Convert(img, target, out)
	if err != nil {
		return errors.Wrap(err, "converting image")
	}
	fmt.Printf("sectors ok %d, bad %d (crc errors %d, missing %d)\n",
		summary.SectorsOK, summary.SectorsBad, summary.CRCErrors, summary.Missing)
	return nil
}

func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return ""
}

// openFilesystem picks the filesystem module for an image.
func openFilesystem(img *uft.DiskImage) (common.Filesystem, error) {
	switch img.Format {
	case uft.FormatATR, uft.FormatXFD:
		return ataridos.New(img)
	case uft.FormatSSD, uft.FormatDSD:
		return dfs.New(img, 0)
	case uft.FormatDO, uft.FormatWOZ:
		return dos33.New(img)
	case uft.FormatPO:
		return prodos.New(img)
	case uft.Format2MG:
		if img.Metadata["order"] == "prodos" {
			return prodos.New(img)
		}
		return dos33.New(img)
	case uft.FormatJV1, uft.FormatJV3, uft.FormatDMK:
		return trsdos.New(img, trsdos.VersionUnknown)
	case uft.FormatST, uft.FormatMSA:
		return fat.New(img, fat.VariantAtariST)
	case uft.FormatEDSK, uft.FormatDSKCPC:
		return cpm.New(img, nil)
	}

	// Raw PC-style images: Human68k on 1024-byte media, then CP/M by
	// geometry match, then FAT.
	if img.Geometry.BytesPerSector == 1024 {
		if fs, err := fat.New(img, fat.VariantHuman68k); err == nil {
			return fs, nil
		}
	}
	if _, ok := cpm.MatchDefinition(img.Geometry); ok {
		if fs, err := cpm.New(img, nil); err == nil {
			return fs, nil
		}
	}
	return fat.New(img, fat.VariantAtariST)
}

func listAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("usage: uft list IMAGE")
	}
	img, _, err := formats.Open(ctx.Args().Get(0), true)
	if err != nil {
		return errors.Wrap(err, "opening image")
	}
	fs, err := openFilesystem(img)
	if err != nil {
		return errors.Wrap(err, "mounting filesystem")
	}
	infos, err := fs.ListDirectory()
	if err != nil {
		return errors.Wrap(err, "reading directory")
	}
	for _, info := range infos {
		attrs := ""
		if info.Attributes.ReadOnly || info.Attributes.Locked {
			attrs += "R"
		}
		if info.Attributes.System {
			attrs += "S"
		}
		if info.Attributes.Hidden {
			attrs += "H"
		}
		fmt.Printf("%-16s %8d %s\n", info.FullName(), info.SizeBytes, attrs)
	}
	free, total, err := fs.FreeSpace()
	if err == nil {
		fmt.Printf("%d / %d bytes free\n", free, total)
	}
	return nil
}

func extractAction(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return errors.New("usage: uft extract IMAGE FILE DEST")
	}
	img, _, err := formats.Open(ctx.Args().Get(0), true)
	if err != nil {
		return errors.Wrap(err, "opening image")
	}
	fs, err := openFilesystem(img)
	if err != nil {
		return errors.Wrap(err, "mounting filesystem")
	}
	info, err := fs.Find(ctx.Args().Get(1), ctx.Int("user"))
	if err != nil {
		return errors.Wrapf(err, "finding %q", ctx.Args().Get(1))
	}
	data, err := fs.ReadFile(info)
	if err != nil {
		return errors.Wrap(err, "reading file")
	}
	if err := os.WriteFile(ctx.Args().Get(2), data, 0o644); err != nil {
		return errors.Wrap(err, "writing destination")
	}
	fmt.Printf("extracted %s: %d bytes\n", info.FullName(), len(data))
	return nil
}

func insertAction(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return errors.New("usage: uft insert IMAGE SRC NAME")
	}
	imagePath := ctx.Args().Get(0)
	img, _, err := formats.Open(imagePath, false)
	if err != nil {
		return errors.Wrap(err, "opening image")
	}
	fs, err := openFilesystem(img)
	if err != nil {
		return errors.Wrap(err, "mounting filesystem")
	}
	data, err := os.ReadFile(ctx.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "reading source file")
	}
	if err := fs.WriteFile(ctx.Args().Get(2), ctx.Int("user"), data); err != nil {
		return errors.Wrap(err, "writing file into image")
	}
	plugin, err := uft.PluginFor(img.Format)
	if err != nil {
		return err
	}
	if err := plugin.Save(img, imagePath); err != nil {
		return errors.Wrap(err, "saving image")
	}
	fmt.Printf("inserted %s: %d bytes\n", ctx.Args().Get(2), len(data))
	return nil
}

func formatAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: uft format IMAGE GEOMETRY-SLUG")
	}
	def, err := disks.BySlug(ctx.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "resolving geometry")
	}
	img := uft.NewDiskImage(def.FormatID(), def.Geometry())
	img.FillSectors(0xE5)
	plugin, err := uft.PluginFor(img.Format)
	if err != nil {
		return err
	}
	if err := plugin.Save(img, ctx.Args().Get(0)); err != nil {
		return errors.Wrap(err, "writing blank image")
	}
	fmt.Printf("formatted %s as %s (%d bytes)\n",
		ctx.Args().Get(0), def.Name, def.TotalSizeBytes())
	return nil
}

func readAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: uft read DEVICE OUT")
	}
	def, err := disks.BySlug(ctx.String("geometry"))
	if err != nil {
		return errors.Wrap(err, "resolving geometry")
	}

	adapter, err := hal.Open(ctx.Args().Get(0), hal.DefaultParams())
	if err != nil {
		return errors.Wrap(err, "opening sampler")
	}
	session, err := hal.NewSession(adapter, 0, hal.DefaultParams())
	if err != nil {
		adapter.Close()
		return errors.Wrap(err, "starting session")
	}
	defer session.Close()

	info := adapter.Info()
	fmt.Printf("%s, firmware %d.%d, %d Hz\n",
		info.Model, info.FirmwareMajor, info.FirmwareMinor, info.SampleFreqHz)

	img, err := session.ReadDisk(def.Geometry(), ctx.Int("revs"))
	if err != nil {
		return errors.Wrap(err, "reading disk")
	}
	img.Format = uft.FormatSCP
	plugin, err := uft.PluginFor(uft.FormatSCP)
	if err != nil {
		return err
	}
	if err := plugin.Save(img, ctx.Args().Get(1)); err != nil {
		return errors.Wrap(err, "writing flux image")
	}
	return nil
}

func writeAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: uft write DEVICE IN")
	}
	img, _, err := formats.Open(ctx.Args().Get(1), true)
	if err != nil {
		return errors.Wrap(err, "opening input image")
	}

	adapter, err := hal.Open(ctx.Args().Get(0), hal.DefaultParams())
	if err != nil {
		return errors.Wrap(err, "opening sampler")
	}
	session, err := hal.NewSession(adapter, 0, hal.DefaultParams())
	if err != nil {
		adapter.Close()
		return errors.Wrap(err, "starting session")
	}
	defer session.Close()

	for _, track := range img.Tracks {
		if track == nil || track.Flux == nil {
			continue
		}
		if err := session.WriteTrack(track.Cylinder, track.Head, track.Flux); err != nil {
			return errors.Wrapf(err, "writing track %d.%d", track.Cylinder, track.Head)
		}
	}
	return nil
}

func devicesAction(ctx *cli.Context) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return errors.Wrap(err, "enumerating serial ports")
	}
	found := 0
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		marker := " "
		if port.VID == greaseweazleVID && port.PID == greaseweazlePID {
			marker = "*"
		}
		fmt.Printf("%s %-20s VID %s PID %s %s\n",
			marker, port.Name, port.VID, port.PID, port.SerialNumber)
		found++
	}
	if found == 0 {
		fmt.Println("no USB serial devices found")
	}
	return nil
}
