// Command vvfatbridge exposes a host directory as a FAT-formatted block
// device, per spec.md §6. It implements the engine side only: scanning the
// directory, serving synthesized reads, interpreting writes, and flushing
// changes back out. It has no transport of its own and takes none: it
// opens a blockdevice.BlockDevice for the directory, blocks on the CLI
// context's Done channel, and then flushes. Serving the device to a kernel
// (BUSE, NBD) is left to code that drives a BlockDevice through
// blockdevice.Transport.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/vvfatbridge/blockdevice"
)

func main() {
	defer glog.Flush()

	app := &cli.App{
		Name:      "vvfatbridge",
		Usage:     "expose a host directory as a virtual FAT block device",
		ArgsUsage: "<host-directory>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "size",
				Usage: "target virtual disk size, e.g. 1.44M, 128M (default: the directory's total file size plus 10% and 64 KiB, at least 1474560 bytes)",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "volume label, up to 11 characters",
				Value: "VVFAT",
			},
			&cli.BoolFlag{
				Name:  "mbr",
				Usage: "write a partition table ahead of the boot sector",
			},
			&cli.StringFlag{
				Name:  "redolog",
				Usage: "path to a redo log; writes accumulate here instead of the host directory",
			},
			&cli.StringFlag{
				Name:  "redolog-kind",
				Usage: "Undoable, Volatile, or Growing",
				Value: "Volatile",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("vvfatbridge: %s", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("missing required argument <host-directory>", 1)
	}
	hostDir := c.Args().Get(0)

	info, err := os.Stat(hostDir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open %q: %s", hostDir, err), 1)
	}
	if !info.IsDir() {
		return cli.Exit(fmt.Sprintf("%q is not a directory", hostDir), 1)
	}

	targetSize, err := resolveTargetSize(c.String("size"), hostDir)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    hostDir,
		TargetSize:  targetSize,
		VolumeLabel: c.String("label"),
		WithMBR:     c.Bool("mbr"),
		RedoLogPath: c.String("redolog"),
		RedoLogKind: c.String("redolog-kind"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to build virtual disk from %q: %s", hostDir, err), 1)
	}
	defer dev.Close()

	glog.Infof("vvfatbridge: serving %q as a %s virtual disk", hostDir, humanize.Bytes(uint64(dev.Disc())*512))

	// Serving the block device over an actual transport (BUSE, NBD, a FUSE
	// loopback, or anything else) is the caller's responsibility; this
	// command's job ends at handing back a ready BlockDevice.
	<-c.Done()
	return dev.Flush()
}

func resolveTargetSize(sizeFlag, hostDir string) (uint64, error) {
	if sizeFlag != "" {
		n, err := humanize.ParseBytes(sizeFlag)
		if err != nil {
			return 0, fmt.Errorf("invalid --size %q: %w", sizeFlag, err)
		}
		return n, nil
	}
	return estimateDirectorySize(hostDir)
}

func estimateDirectorySize(hostDir string) (uint64, error) {
	var total uint64
	err := walkDir(hostDir, func(size int64) {
		total += uint64(size)
	})
	if err != nil {
		return 0, err
	}
	// Leave headroom for the boot sector, FAT copies, and root directory
	// region, and never go below the smallest floppy geometry.
	total += total/10 + 65536
	if total < 1474560 {
		total = 1474560
	}
	return total, nil
}

func walkDir(dir string, onFile func(size int64)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		if e.IsDir() {
			if err := walkDir(dir+"/"+e.Name(), onFile); err != nil {
				return err
			}
			continue
		}
		onFile(info.Size())
	}
	return nil
}
