// Package metadata implements the TLV codec for per-packet receive metadata.
//
// Wire layout of one report (span):
//
//	Offset  Size  Description
//	------  ----  -----------
//	0       1     START marker 0xFF
//	1       …     Records: [type:1][length:1][value:length]
//	n       1     END marker 0x01
//
// Record types 0-7 map to validity bits 0-7:
//
//	0  subframe number    uint16
//	1  subchannel index   uint8
//	2  subchannel count   uint8
//	3  PRx RSSI           int8 (dBm)
//	4  DRx RSSI           int8 (dBm)
//	5  L2 destination id  uint32
//	6  SCI format 1       uint32
//	7  delay estimate     int32 (1/(15000*2048) s)
//
// Multi-byte values are big-endian. Unknown record types are skipped by their
// declared length. Spans may be concatenated; the payload starts right after
// the last complete span.
//
// The END marker shares its value with record type 1. A 0x01 at a record
// boundary is read as a subchannel-index record only when it is followed by a
// length of 1, the span has not carried that field yet, and more span bytes
// follow the value; otherwise it closes the span.
package metadata
