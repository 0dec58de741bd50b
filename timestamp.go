package rawzip

import "time"

// DOSTimeToTime unpacks an MS-DOS date/time pair (as stored in the LFH/CDH
// fixed fields) into a time.Time in loc. Resolution is 2 seconds, and the
// DOS epoch starts at 1980-01-01; dosDate == 0 means "no time recorded".
func DOSTimeToTime(dosDate, dosTime uint16, loc *time.Location) time.Time {
	if dosDate == 0 {
		return time.Time{}
	}
	year := int(dosDate>>9) + 1980
	month := time.Month((dosDate >> 5) & 0xf)
	day := int(dosDate & 0x1f)
	hour := int(dosTime >> 11)
	min := int((dosTime >> 5) & 0x3f)
	sec := int(dosTime&0x1f) * 2
	return time.Date(year, month, day, hour, min, sec, 0, loc)
}

// timeToDOSTime packs t into the MS-DOS date/time fields, truncating to 2
// second resolution. Times before 1980 or after 2107 are not clamped: the
// year overflows the format's bit width and the packed date does not
// round-trip (the Extended Timestamp extra keeps full fidelity).
func timeToDOSTime(t time.Time) (date, timeField uint16) {
	if t.IsZero() {
		return 0, 0
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	timeField = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// ExtendedTimestamp is the decoded form of the Info-ZIP Extended Timestamp
// extra field (id 0x5455): a flags byte selecting which of up to three
// Unix-epoch (UTC) times follow.
type ExtendedTimestamp struct {
	HasModTime bool
	ModTime    time.Time
	HasAccessTime bool
	AccessTime    time.Time
	HasCreateTime bool
	CreateTime    time.Time
}

const (
	extTimeFlagMod    = 1 << 0
	extTimeFlagAccess = 1 << 1
	extTimeFlagCreate = 1 << 2
)

// ParseExtendedTimestamp decodes the payload of an id-0x5455 extra field.
// The LFH and CDH copies of this extra may differ: the CDH commonly carries
// only the modification time (the layout the writers in this package
// emit), while the LFH may additionally carry access/create times -
// ResolvedEntry.LocalExtras() iterates the LFH copy to recover those.
//
// Decoding is best-effort: a payload shorter than its flags imply yields
// whatever timestamps fit rather than an error, matching how the wire
// format is used in practice (many writers omit fields from the CDH copy
// that the LFH copy includes).
func ParseExtendedTimestamp(data []byte) (ExtendedTimestamp, bool) {
	if len(data) < 1 {
		return ExtendedTimestamp{}, false
	}
	flags := data[0]
	rest := data[1:]
	var ts ExtendedTimestamp
	take := func() (time.Time, bool) {
		if len(rest) < 4 {
			return time.Time{}, false
		}
		v := decodeUint32(rest[:4])
		rest = rest[4:]
		return time.Unix(int64(int32(v)), 0).UTC(), true
	}
	if flags&extTimeFlagMod != 0 {
		if t, ok := take(); ok {
			ts.HasModTime, ts.ModTime = true, t
		}
	}
	if flags&extTimeFlagAccess != 0 {
		if t, ok := take(); ok {
			ts.HasAccessTime, ts.AccessTime = true, t
		}
	}
	if flags&extTimeFlagCreate != 0 {
		if t, ok := take(); ok {
			ts.HasCreateTime, ts.CreateTime = true, t
		}
	}
	return ts, true
}

// encodeExtendedTimestampModOnly builds the 5-byte id-0x5455 payload this
// package's writers emit for an entry with a modification time: flag byte
// with only the modification bit set, followed by the Unix-epoch mtime.
// This is the convention Info-ZIP uses.
func encodeExtendedTimestampModOnly(t time.Time) []byte {
	buf := make([]byte, 5)
	b := writeBuf(buf)
	b.uint8(extTimeFlagMod)
	b.uint32(uint32(t.Unix()))
	return buf
}
