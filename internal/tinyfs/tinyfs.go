// Package tinyfs implements the on-disk filesystem: a superblock, a
// 16-bit cluster allocation table, a single-level root directory, and a
// small open-file table. The in-memory FAT and directory are authoritative
// once mounted; every mutation is flushed back to disk before returning.
//
// Disk layout (sectors): 0 superblock, 1-8 FAT, 9-12 root directory,
// 13+ data in 4-sector clusters.
package tinyfs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// On-disk constants.
const (
	Magic   = 0x54465321 // "TFS!"
	Version = 1

	SectorSize        = 512
	SectorsPerCluster = 4
	ClusterSize       = SectorSize * SectorsPerCluster

	MaxFilename = 20
	MaxFiles    = 64
	MaxOpen     = 8
	MaxClusters = 2048

	superblockSector = 0
	fatStartSector   = 1
	fatSectors       = 8
	rootStartSector  = 9
	rootSectors      = 4
	dataStartSector  = 13

	direntSize = 32

	minDiskSectors = 32
)

// FAT reserved values.
const (
	FATFree = 0x0000
	FATEOF  = 0xFFFF
	FATBad  = 0xFFF7
)

// Open flags.
const (
	ORead   = 0x01
	OWrite  = 0x02
	OCreate = 0x04
	OTrunc  = 0x08
	OAppend = 0x10
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Directory entry flags.
const (
	FlagDir      = 0x01
	FlagReadOnly = 0x02
)

// Errors surfaced by the filesystem.
var (
	ErrNotMounted   = errors.New("tinyfs: not mounted")
	ErrNotFound     = errors.New("tinyfs: file not found")
	ErrNoSpace      = errors.New("tinyfs: no free clusters")
	ErrDirFull      = errors.New("tinyfs: root directory full")
	ErrTooManyOpen  = errors.New("tinyfs: open file table full")
	ErrBadDescriptor = errors.New("tinyfs: bad file descriptor")
	ErrFileOpen     = errors.New("tinyfs: file is open")
	ErrInvalidPath  = errors.New("tinyfs: invalid path")
	ErrReadOnly     = errors.New("tinyfs: not opened for writing")
	ErrWriteOnly    = errors.New("tinyfs: not opened for reading")
	ErrDiskTooSmall = errors.New("tinyfs: disk too small")
)

// BlockDevice is the sector transport under the filesystem, implemented by
// the virtio block driver.
type BlockDevice interface {
	ReadSectors(sector uint64, count uint32, buf []byte) error
	WriteSectors(sector uint64, count uint32, buf []byte) error
	Flush() error
	Capacity() uint64 // sectors
}

// DirEntry is one root-directory slot as surfaced to callers.
type DirEntry struct {
	Name         string
	Size         uint32
	FirstCluster uint16
	Flags        uint16
}

// IsDir reports the directory flag.
func (e DirEntry) IsDir() bool { return e.Flags&FlagDir != 0 }

// Stats summarizes the mounted filesystem.
type Stats struct {
	TotalClusters uint32
	FreeClusters  uint32
	ClusterSize   uint32
	Files         int
}

type superblock struct {
	magic         uint32
	version       uint32
	totalSectors  uint32
	totalClusters uint32
	freeClusters  uint32
	fatStart      uint32
	fatSectors    uint32
	rootStart     uint32
	rootSectors   uint32
	dataStart     uint32
}

type dirent struct {
	name         [MaxFilename]byte
	size         uint32
	firstCluster uint16
	flags        uint16
	reserved     uint32
}

func (d *dirent) empty() bool { return d.name[0] == 0 }

func (d *dirent) nameString() string {
	for i, c := range d.name {
		if c == 0 {
			return string(d.name[:i])
		}
	}
	return string(d.name[:])
}

type openFile struct {
	inUse        bool
	direntIndex  int
	size         uint32
	pos          uint32
	firstCluster uint16
	flags        int
}

// FS is one mounted (or mountable) filesystem instance.
type FS struct {
	dev BlockDevice

	sb      superblock
	fat     [MaxClusters]uint16
	root    [MaxFiles]dirent
	open    [MaxOpen]openFile
	mounted bool

	sectorBuf [SectorSize]byte
}

// New creates a filesystem over dev. Call Mount or Format before use.
func New(dev BlockDevice) *FS {
	return &FS{dev: dev}
}

////////////////////////////////////////////////////////////////////////////////
// On-disk codecs. Everything is little-endian, written bytewise.
////////////////////////////////////////////////////////////////////////////////

func (fs *FS) readSuperblock() error {
	if err := fs.dev.ReadSectors(superblockSector, 1, fs.sectorBuf[:]); err != nil {
		return err
	}
	b := fs.sectorBuf[:]
	fs.sb = superblock{
		magic:         binary.LittleEndian.Uint32(b[0:4]),
		version:       binary.LittleEndian.Uint32(b[4:8]),
		totalSectors:  binary.LittleEndian.Uint32(b[8:12]),
		totalClusters: binary.LittleEndian.Uint32(b[12:16]),
		freeClusters:  binary.LittleEndian.Uint32(b[16:20]),
		fatStart:      binary.LittleEndian.Uint32(b[20:24]),
		fatSectors:    binary.LittleEndian.Uint32(b[24:28]),
		rootStart:     binary.LittleEndian.Uint32(b[28:32]),
		rootSectors:   binary.LittleEndian.Uint32(b[32:36]),
		dataStart:     binary.LittleEndian.Uint32(b[36:40]),
	}
	return nil
}

func (fs *FS) writeSuperblock() error {
	b := fs.sectorBuf[:]
	clear(b)
	binary.LittleEndian.PutUint32(b[0:4], fs.sb.magic)
	binary.LittleEndian.PutUint32(b[4:8], fs.sb.version)
	binary.LittleEndian.PutUint32(b[8:12], fs.sb.totalSectors)
	binary.LittleEndian.PutUint32(b[12:16], fs.sb.totalClusters)
	binary.LittleEndian.PutUint32(b[16:20], fs.sb.freeClusters)
	binary.LittleEndian.PutUint32(b[20:24], fs.sb.fatStart)
	binary.LittleEndian.PutUint32(b[24:28], fs.sb.fatSectors)
	binary.LittleEndian.PutUint32(b[28:32], fs.sb.rootStart)
	binary.LittleEndian.PutUint32(b[32:36], fs.sb.rootSectors)
	binary.LittleEndian.PutUint32(b[36:40], fs.sb.dataStart)
	return fs.dev.WriteSectors(superblockSector, 1, b)
}

func (fs *FS) readFAT() error {
	buf := make([]byte, fatSectors*SectorSize)
	if err := fs.dev.ReadSectors(fatStartSector, fatSectors, buf); err != nil {
		return err
	}
	for i := range fs.fat {
		fs.fat[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return nil
}

func (fs *FS) writeFAT() error {
	buf := make([]byte, fatSectors*SectorSize)
	for i, v := range fs.fat {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return fs.dev.WriteSectors(fatStartSector, fatSectors, buf)
}

func (fs *FS) readRootDir() error {
	buf := make([]byte, rootSectors*SectorSize)
	if err := fs.dev.ReadSectors(rootStartSector, rootSectors, buf); err != nil {
		return err
	}
	for i := range fs.root {
		b := buf[i*direntSize:]
		copy(fs.root[i].name[:], b[:MaxFilename])
		fs.root[i].size = binary.LittleEndian.Uint32(b[20:24])
		fs.root[i].firstCluster = binary.LittleEndian.Uint16(b[24:26])
		fs.root[i].flags = binary.LittleEndian.Uint16(b[26:28])
		fs.root[i].reserved = binary.LittleEndian.Uint32(b[28:32])
	}
	return nil
}

func (fs *FS) writeRootDir() error {
	buf := make([]byte, rootSectors*SectorSize)
	for i := range fs.root {
		b := buf[i*direntSize:]
		copy(b[:MaxFilename], fs.root[i].name[:])
		binary.LittleEndian.PutUint32(b[20:24], fs.root[i].size)
		binary.LittleEndian.PutUint16(b[24:26], fs.root[i].firstCluster)
		binary.LittleEndian.PutUint16(b[26:28], fs.root[i].flags)
		binary.LittleEndian.PutUint32(b[28:32], fs.root[i].reserved)
	}
	return fs.dev.WriteSectors(rootStartSector, rootSectors, buf)
}

////////////////////////////////////////////////////////////////////////////////
// Mount and format.
////////////////////////////////////////////////////////////////////////////////

// Mount reads the superblock and, when the magic and version match, loads
// the FAT and root directory. A foreign or blank disk leaves the
// filesystem unmounted without error.
func (fs *FS) Mount() error {
	fs.open = [MaxOpen]openFile{}

	if err := fs.readSuperblock(); err != nil {
		return err
	}
	if fs.sb.magic != Magic || fs.sb.version != Version {
		fs.mounted = false
		return nil
	}
	if err := fs.readFAT(); err != nil {
		return err
	}
	if err := fs.readRootDir(); err != nil {
		return err
	}
	fs.mounted = true
	return nil
}

// Mounted reports whether a valid filesystem is loaded.
func (fs *FS) Mounted() bool { return fs.mounted }

// Format lays down a fresh filesystem across the whole device and mounts
// it. Cluster 0 stays permanently reserved.
func (fs *FS) Format() error {
	totalSectors := fs.dev.Capacity()
	if totalSectors < minDiskSectors {
		return ErrDiskTooSmall
	}

	dataSectors := uint32(totalSectors) - dataStartSector
	totalClusters := dataSectors / SectorsPerCluster
	if totalClusters > MaxClusters {
		totalClusters = MaxClusters
	}

	fs.sb = superblock{
		magic:         Magic,
		version:       Version,
		totalSectors:  uint32(totalSectors),
		totalClusters: totalClusters,
		freeClusters:  totalClusters - 1, // cluster 0 reserved
		fatStart:      fatStartSector,
		fatSectors:    fatSectors,
		rootStart:     rootStartSector,
		rootSectors:   rootSectors,
		dataStart:     dataStartSector,
	}

	fs.fat = [MaxClusters]uint16{}
	fs.fat[0] = FATEOF
	fs.root = [MaxFiles]dirent{}
	fs.open = [MaxOpen]openFile{}

	if err := fs.writeSuperblock(); err != nil {
		return err
	}
	if err := fs.writeFAT(); err != nil {
		return err
	}
	if err := fs.writeRootDir(); err != nil {
		return err
	}
	if err := fs.dev.Flush(); err != nil {
		return err
	}

	fs.mounted = true
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Cluster bookkeeping.
////////////////////////////////////////////////////////////////////////////////

func clusterToSector(cluster uint16) uint64 {
	return dataStartSector + uint64(cluster)*SectorsPerCluster
}

// allocCluster grabs the first free cluster, starting at 1.
func (fs *FS) allocCluster() (uint16, bool) {
	for i := uint32(1); i < fs.sb.totalClusters; i++ {
		if fs.fat[i] == FATFree {
			fs.fat[i] = FATEOF
			fs.sb.freeClusters--
			return uint16(i), true
		}
	}
	return 0, false
}

func (fs *FS) freeClusterChain(start uint16) {
	for start != FATEOF && start != FATFree && int(start) < len(fs.fat) {
		next := fs.fat[start]
		fs.fat[start] = FATFree
		fs.sb.freeClusters++
		start = next
	}
}

func (fs *FS) findFile(name string) int {
	for i := range fs.root {
		if !fs.root[i].empty() && fs.root[i].nameString() == name {
			return i
		}
	}
	return -1
}

func (fs *FS) findFreeDirent() int {
	for i := range fs.root {
		if fs.root[i].empty() {
			return i
		}
	}
	return -1
}

// flushMetadata persists FAT, root directory and superblock.
func (fs *FS) flushMetadata() error {
	if err := fs.writeFAT(); err != nil {
		return err
	}
	if err := fs.writeRootDir(); err != nil {
		return err
	}
	return fs.writeSuperblock()
}

func cleanPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ErrInvalidPath
	}
	if len(path) >= MaxFilename {
		return "", ErrInvalidPath
	}
	return path, nil
}

////////////////////////////////////////////////////////////////////////////////
// File operations.
////////////////////////////////////////////////////////////////////////////////

// Open opens or (with OCreate) creates a file, returning a descriptor.
func (fs *FS) Open(path string, flags int) (int, error) {
	if !fs.mounted {
		return -1, ErrNotMounted
	}
	name, err := cleanPath(path)
	if err != nil {
		return -1, err
	}

	fd := -1
	for i := range fs.open {
		if !fs.open[i].inUse {
			fd = i
			break
		}
	}
	if fd < 0 {
		return -1, ErrTooManyOpen
	}

	idx := fs.findFile(name)
	switch {
	case idx < 0 && flags&OCreate == 0:
		return -1, ErrNotFound

	case idx < 0:
		idx = fs.findFreeDirent()
		if idx < 0 {
			return -1, ErrDirFull
		}
		fs.root[idx] = dirent{firstCluster: FATEOF}
		copy(fs.root[idx].name[:], name)
		if err := fs.writeRootDir(); err != nil {
			fs.root[idx] = dirent{}
			return -1, err
		}

	case flags&OTrunc != 0:
		if fs.root[idx].firstCluster != FATEOF {
			fs.freeClusterChain(fs.root[idx].firstCluster)
			fs.root[idx].firstCluster = FATEOF
			fs.root[idx].size = 0
			if err := fs.flushMetadata(); err != nil {
				return -1, err
			}
		} else {
			fs.root[idx].size = 0
		}
	}

	f := &fs.open[fd]
	*f = openFile{
		inUse:        true,
		direntIndex:  idx,
		size:         fs.root[idx].size,
		firstCluster: fs.root[idx].firstCluster,
		flags:        flags,
	}
	if flags&OAppend != 0 {
		f.pos = f.size
	}
	return fd, nil
}

// Close releases a descriptor. Descriptors are reusable after close.
func (fs *FS) Close(fd int) error {
	f, err := fs.fileAt(fd)
	if err != nil {
		return err
	}
	f.inUse = false
	return nil
}

func (fs *FS) fileAt(fd int) (*openFile, error) {
	if fd < 0 || fd >= MaxOpen || !fs.open[fd].inUse {
		return nil, ErrBadDescriptor
	}
	return &fs.open[fd], nil
}

// walkChain returns the cluster holding logical cluster index n, following
// the FAT from the file's first cluster.
func (fs *FS) walkChain(first uint16, n uint32) uint16 {
	cluster := first
	for i := uint32(0); i < n && cluster != FATEOF; i++ {
		cluster = fs.fat[cluster]
	}
	return cluster
}

// Read copies from the current position, stopping at the file size.
func (fs *FS) Read(fd int, buf []byte) (int, error) {
	f, err := fs.fileAt(fd)
	if err != nil {
		return -1, err
	}
	if f.flags&ORead == 0 {
		return -1, ErrWriteOnly
	}

	read := 0
	for read < len(buf) && f.pos < f.size {
		clusterIdx := f.pos / ClusterSize
		clusterOff := f.pos % ClusterSize

		cluster := fs.walkChain(f.firstCluster, clusterIdx)
		if cluster == FATEOF || cluster == FATFree {
			break
		}

		sector := clusterToSector(cluster) + uint64(clusterOff/SectorSize)
		sectorOff := clusterOff % SectorSize
		if err := fs.dev.ReadSectors(sector, 1, fs.sectorBuf[:]); err != nil {
			if read > 0 {
				return read, nil
			}
			return -1, err
		}

		n := SectorSize - int(sectorOff)
		if n > len(buf)-read {
			n = len(buf) - read
		}
		if remaining := int(f.size - f.pos); n > remaining {
			n = remaining
		}

		copy(buf[read:read+n], fs.sectorBuf[sectorOff:])
		f.pos += uint32(n)
		read += n
	}
	return read, nil
}

// Write copies at the current position, extending the chain as needed.
// A short count with ErrNoSpace means the cluster table ran out mid-write.
func (fs *FS) Write(fd int, data []byte) (int, error) {
	f, err := fs.fileAt(fd)
	if err != nil {
		return -1, err
	}
	if f.flags&OWrite == 0 {
		return -1, ErrReadOnly
	}
	idx := f.direntIndex

	written := 0
	for written < len(data) {
		clusterIdx := f.pos / ClusterSize
		clusterOff := f.pos % ClusterSize

		if f.firstCluster == FATEOF {
			cluster, ok := fs.allocCluster()
			if !ok {
				return fs.finishWrite(f, written, ErrNoSpace)
			}
			f.firstCluster = cluster
			fs.root[idx].firstCluster = cluster
		}

		// Walk to the target cluster, extending the chain at the tail.
		cluster := f.firstCluster
		for i := uint32(0); i < clusterIdx; i++ {
			if fs.fat[cluster] == FATEOF {
				next, ok := fs.allocCluster()
				if !ok {
					return fs.finishWrite(f, written, ErrNoSpace)
				}
				fs.fat[cluster] = next
			}
			cluster = fs.fat[cluster]
		}

		sector := clusterToSector(cluster) + uint64(clusterOff/SectorSize)
		sectorOff := clusterOff % SectorSize

		n := SectorSize - int(sectorOff)
		if n > len(data)-written {
			n = len(data) - written
		}

		// Read-modify-write unless replacing the whole sector.
		if sectorOff != 0 || n < SectorSize {
			if err := fs.dev.ReadSectors(sector, 1, fs.sectorBuf[:]); err != nil {
				clear(fs.sectorBuf[:])
			}
		}
		copy(fs.sectorBuf[sectorOff:], data[written:written+n])
		if err := fs.dev.WriteSectors(sector, 1, fs.sectorBuf[:]); err != nil {
			if written > 0 {
				return written, nil
			}
			return -1, err
		}

		f.pos += uint32(n)
		written += n
		if f.pos > f.size {
			f.size = f.pos
			fs.root[idx].size = f.size
		}
	}

	return fs.finishWrite(f, written, nil)
}

// finishWrite persists metadata and reports the (possibly short) count.
func (fs *FS) finishWrite(f *openFile, written int, cause error) (int, error) {
	if err := fs.flushMetadata(); err != nil && cause == nil {
		cause = err
	}
	if cause != nil && written == 0 {
		return -1, cause
	}
	if cause != nil {
		return written, fmt.Errorf("short write (%d bytes): %w", written, cause)
	}
	return written, nil
}

// Seek repositions a descriptor; the result clamps at zero and may point
// past the end without extending the file.
func (fs *FS) Seek(fd int, offset int, whence int) (int, error) {
	f, err := fs.fileAt(fd)
	if err != nil {
		return -1, err
	}

	var pos int
	switch whence {
	case SeekSet:
		pos = offset
	case SeekCur:
		pos = int(f.pos) + offset
	case SeekEnd:
		pos = int(f.size) + offset
	default:
		return -1, fmt.Errorf("tinyfs: bad whence %d", whence)
	}
	if pos < 0 {
		pos = 0
	}
	f.pos = uint32(pos)
	return pos, nil
}

// Size returns the current size of an open file.
func (fs *FS) Size(fd int) (int, error) {
	f, err := fs.fileAt(fd)
	if err != nil {
		return -1, err
	}
	return int(f.size), nil
}

// ReadDir lists the non-empty root directory entries, up to max (<=0 means
// all).
func (fs *FS) ReadDir(max int) ([]DirEntry, error) {
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	if max <= 0 || max > MaxFiles {
		max = MaxFiles
	}
	var out []DirEntry
	for i := range fs.root {
		if len(out) >= max {
			break
		}
		if fs.root[i].empty() {
			continue
		}
		out = append(out, DirEntry{
			Name:         fs.root[i].nameString(),
			Size:         fs.root[i].size,
			FirstCluster: fs.root[i].firstCluster,
			Flags:        fs.root[i].flags,
		})
	}
	return out, nil
}

// Remove deletes a file. Open files cannot be removed.
func (fs *FS) Remove(path string) error {
	if !fs.mounted {
		return ErrNotMounted
	}
	name, err := cleanPath(path)
	if err != nil {
		return err
	}

	idx := fs.findFile(name)
	if idx < 0 {
		return ErrNotFound
	}
	for i := range fs.open {
		if fs.open[i].inUse && fs.open[i].direntIndex == idx {
			return ErrFileOpen
		}
	}

	if fs.root[idx].firstCluster != FATEOF {
		fs.freeClusterChain(fs.root[idx].firstCluster)
	}
	fs.root[idx] = dirent{}
	return fs.flushMetadata()
}

// Stats reports cluster usage and the file count.
func (fs *FS) Stats() (Stats, error) {
	if !fs.mounted {
		return Stats{}, ErrNotMounted
	}
	files := 0
	for i := range fs.root {
		if !fs.root[i].empty() {
			files++
		}
	}
	return Stats{
		TotalClusters: fs.sb.totalClusters,
		FreeClusters:  fs.sb.freeClusters,
		ClusterSize:   ClusterSize,
		Files:         files,
	}, nil
}
