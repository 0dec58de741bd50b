package rawzip

import "os"

// Unix mode bits. The ZIP format doesn't define these, but they are the
// values every major implementation has settled on.
const (
	modeIFMT   = 0xf000
	modeIFSOCK = 0xc000
	modeIFLNK  = 0xa000
	modeIFREG  = 0x8000
	modeIFBLK  = 0x6000
	modeIFDIR  = 0x4000
	modeIFCHR  = 0x2000
	modeIFIFO  = 0x1000
	modeISUID  = 0x800
	modeISGID  = 0x400
	modeISVTX  = 0x200

	msdosDirAttr      = 0x10
	msdosReadOnlyAttr = 0x01
)

// unixModeToFileMode converts the Unix permission/type bits stored in a
// CDH's external attributes (high 16 bits, when CreatorVersion's high byte
// is creatorUnix) into an os.FileMode.
func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & modeIFMT {
	case modeIFBLK:
		mode |= os.ModeDevice
	case modeIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case modeIFDIR:
		mode |= os.ModeDir
	case modeIFIFO:
		mode |= os.ModeNamedPipe
	case modeIFLNK:
		mode |= os.ModeSymlink
	case modeIFREG:
		// nothing to do
	case modeIFSOCK:
		mode |= os.ModeSocket
	}
	if m&modeISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&modeISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&modeISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// fileModeToUnixMode is the inverse of unixModeToFileMode, used by the
// writer when an entry carries Unix permissions.
func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = modeIFREG
	case os.ModeDir:
		m = modeIFDIR
	case os.ModeSymlink:
		m = modeIFLNK
	case os.ModeNamedPipe:
		m = modeIFIFO
	case os.ModeSocket:
		m = modeIFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = modeIFCHR
		} else {
			m = modeIFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= modeISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= modeISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= modeISVTX
	}
	return m | uint32(mode&0777)
}

// msdosModeToFileMode interprets the legacy MS-DOS external attribute byte
// used by FAT/NTFS/VFAT creators.
func msdosModeToFileMode(m uint32) (mode os.FileMode) {
	if m&msdosDirAttr != 0 {
		mode = os.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnlyAttr != 0 {
		mode &^= 0222
	}
	return mode
}

// modeFromAttrs returns the entry's permission and type bits, decoded
// according to the CDH's creator system. It returns 0, false if the entry carries no
// recognized mode information.
func modeFromAttrs(creatorVersion uint16, externalAttrs uint32) (os.FileMode, bool) {
	switch creatorVersion >> 8 {
	case creatorUnix, creatorMacOSX:
		return unixModeToFileMode(externalAttrs >> 16), true
	case creatorNTFS, creatorVFAT, creatorFAT:
		return msdosModeToFileMode(externalAttrs), true
	default:
		return 0, false
	}
}
