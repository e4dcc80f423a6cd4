// Command gofatctl is a small CLI for creating and poking at FAT12/16/32
// disk images, grounded on the teacher's cmd/main.go urfave/cli shape.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/gofat/blockdev"
	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/fspath"
	"github.com/dargueta/gofat/volume"
)

func main() {
	app := cli.App{
		Usage: "Create and inspect FAT12/16/32 disk images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create a new FAT image file",
				Action:    formatImage,
				ArgsUsage: "IMAGE_FILE SIZE_IN_BLOCKS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "variant", Value: "fat16", Usage: "fat12, fat16, or fat32"},
					&cli.StringFlag{Name: "label", Value: "", Usage: "volume label"},
				},
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE_FILE [PATH]",
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				Action:    catFile,
				ArgsUsage: "IMAGE_FILE PATH",
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				Action:    mkdirPath,
				ArgsUsage: "IMAGE_FILE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}},
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or an empty directory",
				Action:    rmPath,
				ArgsUsage: "IMAGE_FILE PATH",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func parseVariant(s string) (fat.Variant, error) {
	switch strings.ToLower(s) {
	case "fat12":
		return fat.FAT12, nil
	case "fat16":
		return fat.FAT16, nil
	case "fat32":
		return fat.FAT32, nil
	default:
		return 0, fmt.Errorf("unknown FAT variant %q", s)
	}
}

func formatImage(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: gofatctl format IMAGE_FILE SIZE_IN_BLOCKS")
	}
	path := c.Args().Get(0)
	sizeBlocks, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	variant, err := parseVariant(c.String("variant"))
	if err != nil {
		return err
	}

	numSectors := uint32(sizeBlocks)
	dev, err := blockdev.CreateFileDevice(path, 512, numSectors)
	if err != nil {
		return err
	}

	v, err := volume.Format(dev, volume.FormatOptions{
		FormatOptions: fat.FormatOptions{
			Variant:         variant,
			TotalSectors512: sizeBlocks,
			VolumeLabel:     c.String("label"),
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("formatted %s as %s\n", path, variant)
	return v.Dismount()
}

func openVolume(imagePath string) (*volume.Volume, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, err
	}
	numSectors := uint32(info.Size() / 512)
	dev, err := blockdev.NewFileDevice(imagePath, 512, numSectors)
	if err != nil {
		return nil, err
	}
	v, _, err := volume.Mount(dev, volume.MountOptions{})
	return v, err
}

func listDirectory(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: gofatctl ls IMAGE_FILE [PATH]")
	}
	v, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer v.Dismount()

	target := "/"
	if c.Args().Len() > 1 {
		target = c.Args().Get(1)
	}
	names, err := fspath.New(v, "C", target).List()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func catFile(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: gofatctl cat IMAGE_FILE PATH")
	}
	v, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer v.Dismount()

	f, err := fspath.New(v, "C", c.Args().Get(1)).Open("r")
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

func mkdirPath(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: gofatctl mkdir IMAGE_FILE PATH")
	}
	v, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer v.Dismount()

	p := fspath.New(v, "C", c.Args().Get(1))
	if c.Bool("parents") {
		return p.MkdirAll()
	}
	return p.Mkdir()
}

func rmPath(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: gofatctl rm IMAGE_FILE PATH")
	}
	v, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer v.Dismount()

	return fspath.New(v, "C", c.Args().Get(1)).Delete()
}
