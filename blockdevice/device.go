// Package blockdevice composes a vfat.Image with an optional redolog.RedoLog
// into the exact callback surface spec.md §6 describes a BUSE/NBD bridge
// consuming: open, lseek, read, write, commit_changes ("flush"), disc, trim,
// and close. Wiring that surface to an actual kernel NBD device or a BUSE
// file descriptor loop is explicitly out of scope (spec.md §2 Non-goals);
// Transport exists so a real bridge can be plugged in without this package
// knowing anything about netlink or /dev/nbdN.
package blockdevice

import (
	"io"

	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/hostfs"
	"github.com/dargueta/vvfatbridge/redolog"
	"github.com/dargueta/vvfatbridge/vfat"
)

// Transport is the out-of-scope NBD/BUSE glue this package is built to sit
// behind: something that turns kernel block I/O requests into calls against
// a BlockDevice. No implementation lives in this module.
type Transport interface {
	Serve(dev *BlockDevice) error
}

// Options configures Open.
type Options struct {
	HostRoot     string
	TargetSize   uint64
	VolumeLabel  string
	WithMBR      bool
	RedoLogPath  string // empty disables the redo log entirely
	RedoLogKind  string // redolog.SubtypeUndoable / Volatile / Growing
}

// BlockDevice is the engine side of spec.md §6's consumed callback surface.
type BlockDevice struct {
	provider hostfs.Provider
	image    *vfat.Image
	log      *redolog.RedoLog
	logPath  string
	opts     Options
}

// Open scans opts.HostRoot and, if configured, attaches a redo log,
// matching the original engine's optional redolog_name constructor
// parameter.
func Open(opts Options) (*BlockDevice, error) {
	provider := hostfs.NewOSProvider(opts.HostRoot)

	image, err := vfat.Open(provider, "", vfat.BuildOptions{
		TargetSizeBytes: opts.TargetSize,
		VolumeLabel:     opts.VolumeLabel,
		WithMBR:         opts.WithMBR,
	})
	if err != nil {
		return nil, err
	}

	dev := &BlockDevice{provider: provider, image: image, opts: opts}

	if opts.RedoLogPath != "" {
		kind := opts.RedoLogKind
		if kind == "" {
			kind = redolog.SubtypeVolatile
		}
		log, err := redolog.New(kind, uint64(image.TotalSectors())*uint64(image.SectorSize()))
		if err != nil {
			return nil, err
		}
		dev.log = log
		dev.logPath = opts.RedoLogPath
		glog.Infof("blockdevice: redo log %q attached (%s)", opts.RedoLogPath, kind)
	}

	return dev, nil
}

// Lseek matches the original's lseek64 callback.
func (d *BlockDevice) Lseek(offset int64) error {
	return d.image.Lseek(offset)
}

// Read matches the original's xmp_read callback: when a redo log is
// attached, any sector it has captured takes precedence over the
// synthesized virtual FAT view.
func (d *BlockDevice) Read(buf []byte) (int, error) {
	if d.log == nil {
		return d.image.Read(buf)
	}

	sectorSize := int(d.image.SectorSize())
	if len(buf)%sectorSize != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("read length must be a multiple of the sector size")
	}

	start := d.image.Position()
	n := 0
	for n < len(buf) {
		sector := start + int64(n)
		chunk := buf[n : n+sectorSize]
		if d.log.HasSector(sector) {
			if _, err := d.log.ReadAt(chunk, sector); err != nil {
				return n, err
			}
			if err := d.image.Lseek(sector + int64(sectorSize)); err != nil {
				return n, err
			}
		} else {
			if err := d.image.Lseek(sector); err != nil {
				return n, err
			}
			if _, err := d.image.Read(chunk); err != nil {
				return n, err
			}
		}
		n += sectorSize
	}
	return n, nil
}

// Write matches the original's xmp_write callback: with a redo log
// attached, writes land in the log instead of the virtual FAT write
// interpreter, leaving the host directory untouched until the log itself
// is later replayed (spec.md §4.7 scope: this engine doesn't implement
// replay-on-commit for Undoable logs, only the accumulate/read-back half).
func (d *BlockDevice) Write(buf []byte) (int, error) {
	if d.log == nil {
		return d.image.Write(buf)
	}
	offset := d.image.Position()
	n, err := d.log.WriteAt(buf, offset)
	if err != nil {
		return n, err
	}
	if err := d.image.Lseek(offset + int64(n)); err != nil {
		return n, err
	}
	return n, nil
}

// Flush matches the original's commit_changes callback. A Volatile redo
// log is never written back to the host; an Undoable or Growing log with a
// configured path is persisted to disk so it survives past this process.
func (d *BlockDevice) Flush() error {
	if d.log == nil {
		return d.image.Flush()
	}
	if d.log.Subtype == redolog.SubtypeVolatile || d.logPath == "" {
		return nil
	}
	return d.persistRedoLog()
}

func (d *BlockDevice) persistRedoLog() error {
	w, err := d.provider.CreateOrTruncate(d.logPath)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := d.log.Save(w); err != nil {
		return err
	}
	return nil
}

// Disc reports the virtual disk's total size in sectors, matching the
// original's xmp_disc callback.
func (d *BlockDevice) Disc() int64 {
	return d.image.TotalSectors()
}

// Trim is a logged no-op, matching the original's xmp_trim callback: the
// engine has no notion of a TRIM/discard operation on a synthesized FAT
// view, but the callback must exist to satisfy the transport's contract.
func (d *BlockDevice) Trim(startSector, numSectors int64) error {
	glog.V(2).Infof("blockdevice: ignoring TRIM of %d sectors at %d", numSectors, startSector)
	return nil
}

// Close releases the underlying image's cached host file descriptor.
func (d *BlockDevice) Close() error {
	return d.image.Close()
}

var _ io.ReadWriteCloser = (*rwcAdapter)(nil)

// rwcAdapter lets a BlockDevice satisfy io.ReadWriteCloser for transports
// that want the standard interface rather than the named methods above.
type rwcAdapter struct {
	dev *BlockDevice
}

func (a *rwcAdapter) Read(p []byte) (int, error)  { return a.dev.Read(p) }
func (a *rwcAdapter) Write(p []byte) (int, error) { return a.dev.Write(p) }
func (a *rwcAdapter) Close() error                { return a.dev.Close() }

// AsReadWriteCloser adapts dev to io.ReadWriteCloser, sequential-access
// style, for transports that prefer that contract over explicit Lseek.
func AsReadWriteCloser(dev *BlockDevice) io.ReadWriteCloser {
	return &rwcAdapter{dev: dev}
}
