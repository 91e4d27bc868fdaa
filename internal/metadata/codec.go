package metadata

import (
	"encoding/binary"
	"time"

	"firestige.xyz/cv2x/internal/core"
)

const (
	spanStart = 0xFF
	spanEnd   = 0x01

	recordHeaderLen = 2

	// delayUnitsPerSecond is the delay estimate resolution (15 kHz * 2048).
	delayUnitsPerSecond = 15000 * 2048
)

// Record types in fixed field order.
const (
	typeSubframeNumber uint8 = iota
	typeSubchannelIndex
	typeSubchannelCount
	typePRxRSSI
	typeDRxRSSI
	typeL2DestinationID
	typeSCIFormat1
	typeDelayEstimate

	numFieldTypes
)

// fieldWidths holds the value size of every known record type.
var fieldWidths = [numFieldTypes]int{2, 1, 1, 1, 1, 4, 4, 4}

// Validity is the per-report bitmask of fields present on the wire.
type Validity uint8

const (
	ValidSubframeNumber Validity = 1 << iota
	ValidSubchannelIndex
	ValidSubchannelCount
	ValidPRxRSSI
	ValidDRxRSSI
	ValidL2DestinationID
	ValidSCIFormat1
	ValidDelayEstimate
)

// Has reports whether every bit of f is set.
func (v Validity) Has(f Validity) bool {
	return v&f == f
}

// Report is the metadata attached to one received packet.
type Report struct {
	Valid           Validity `json:"valid" yaml:"valid"`
	SubframeNumber  uint16   `json:"subframe_number" yaml:"subframe_number"`
	SubchannelIndex uint8    `json:"subchannel_index" yaml:"subchannel_index"`
	SubchannelCount uint8    `json:"subchannel_count" yaml:"subchannel_count"`
	PRxRSSI         int8     `json:"prx_rssi" yaml:"prx_rssi"`
	DRxRSSI         int8     `json:"drx_rssi" yaml:"drx_rssi"`
	L2DestinationID uint32   `json:"l2_destination_id" yaml:"l2_destination_id"`
	SCIFormat1      uint32   `json:"sci_format1" yaml:"sci_format1"`
	DelayEstimate   int32    `json:"delay_estimate" yaml:"delay_estimate"`
}

// Delay converts the delay estimate to a time.Duration.
func (r Report) Delay() time.Duration {
	return time.Duration(int64(r.DelayEstimate) * int64(time.Second) / delayUnitsPerSecond)
}

// Status is the outcome of a Decode call.
type Status uint8

const (
	StatusOK Status = iota
	StatusEmpty
	StatusTruncated
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusTruncated:
		return "truncated"
	case StatusMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Err maps s to the core sentinel error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusEmpty:
		return core.ErrMetadataEmpty
	case StatusTruncated:
		return core.ErrMetadataTruncated
	default:
		return core.ErrMetadataMalformed
	}
}

// Decode parses every complete span at the front of buf.
// It returns the number of bytes taken by complete spans, the reports they
// carry and a status. A failing span is dropped whole; reports decoded before
// it are still returned. Decode never reads past len(buf) and keeps no state.
func Decode(buf []byte) (int, []Report, Status) {
	var reports []Report
	off := 0
	for off < len(buf) && buf[off] == spanStart {
		r, n, status := decodeSpan(buf[off:])
		if status != StatusOK {
			return off, reports, status
		}
		reports = append(reports, r)
		off += n
	}
	if len(reports) == 0 {
		return 0, nil, StatusEmpty
	}
	return off, reports, StatusOK
}

// decodeSpan parses one span; b[0] is the START marker.
func decodeSpan(b []byte) (Report, int, Status) {
	return decodeRecords(b, 1, Report{})
}

// decodeRecords parses the records of a span from pos. A 0x01 that could be
// either END or a subchannel index record is read as a record first and as
// END if the rest of the span then fails.
func decodeRecords(b []byte, pos int, r Report) (Report, int, Status) {
	for {
		if pos >= len(b) {
			return Report{}, 0, StatusTruncated
		}
		t := b[pos]
		if t == spanEnd {
			if !isSubchannelIndexRecord(b[pos:], r.Valid) {
				return r, pos + 1, StatusOK
			}
			withIndex := r
			withIndex.set(t, b[pos+recordHeaderLen:pos+recordHeaderLen+1])
			if rr, n, status := decodeRecords(b, pos+recordHeaderLen+1, withIndex); status == StatusOK {
				return rr, n, status
			}
			return r, pos + 1, StatusOK
		}
		if pos+1 >= len(b) {
			return Report{}, 0, StatusTruncated
		}
		l := int(b[pos+1])
		val := pos + recordHeaderLen
		if val+l > len(b) {
			return Report{}, 0, StatusMalformed
		}
		if t < numFieldTypes {
			if l != fieldWidths[t] {
				return Report{}, 0, StatusMalformed
			}
			r.set(t, b[val:val+l])
		}
		pos = val + l
	}
}

func isSubchannelIndexRecord(b []byte, seen Validity) bool {
	if seen.Has(ValidSubchannelIndex) {
		return false
	}
	// type, length, value and at least one more span byte
	return len(b) > recordHeaderLen+1 && b[1] == byte(fieldWidths[typeSubchannelIndex])
}

func (r *Report) set(t uint8, v []byte) {
	switch t {
	case typeSubframeNumber:
		r.SubframeNumber = binary.BigEndian.Uint16(v)
	case typeSubchannelIndex:
		r.SubchannelIndex = v[0]
	case typeSubchannelCount:
		r.SubchannelCount = v[0]
	case typePRxRSSI:
		r.PRxRSSI = int8(v[0])
	case typeDRxRSSI:
		r.DRxRSSI = int8(v[0])
	case typeL2DestinationID:
		r.L2DestinationID = binary.BigEndian.Uint32(v)
	case typeSCIFormat1:
		r.SCIFormat1 = binary.BigEndian.Uint32(v)
	case typeDelayEstimate:
		r.DelayEstimate = int32(binary.BigEndian.Uint32(v))
	}
	r.Valid |= 1 << t
}

// Encode serialises reports as back-to-back spans.
func Encode(reports ...Report) []byte {
	buf := make([]byte, 0, len(reports)*32)
	for _, r := range reports {
		buf = AppendReport(buf, r)
	}
	return buf
}

// AppendReport appends one span for r to dst. Only fields whose validity bit
// is set are written, in field order.
func AppendReport(dst []byte, r Report) []byte {
	dst = append(dst, spanStart)
	if r.Valid.Has(ValidSubframeNumber) {
		dst = append(dst, typeSubframeNumber, 2)
		dst = binary.BigEndian.AppendUint16(dst, r.SubframeNumber)
	}
	if r.Valid.Has(ValidSubchannelIndex) {
		dst = append(dst, typeSubchannelIndex, 1, r.SubchannelIndex)
	}
	if r.Valid.Has(ValidSubchannelCount) {
		dst = append(dst, typeSubchannelCount, 1, r.SubchannelCount)
	}
	if r.Valid.Has(ValidPRxRSSI) {
		dst = append(dst, typePRxRSSI, 1, byte(r.PRxRSSI))
	}
	if r.Valid.Has(ValidDRxRSSI) {
		dst = append(dst, typeDRxRSSI, 1, byte(r.DRxRSSI))
	}
	if r.Valid.Has(ValidL2DestinationID) {
		dst = append(dst, typeL2DestinationID, 4)
		dst = binary.BigEndian.AppendUint32(dst, r.L2DestinationID)
	}
	if r.Valid.Has(ValidSCIFormat1) {
		dst = append(dst, typeSCIFormat1, 4)
		dst = binary.BigEndian.AppendUint32(dst, r.SCIFormat1)
	}
	if r.Valid.Has(ValidDelayEstimate) {
		dst = append(dst, typeDelayEstimate, 4)
		dst = binary.BigEndian.AppendUint32(dst, uint32(r.DelayEstimate))
	}
	return append(dst, spanEnd)
}
