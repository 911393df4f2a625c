package caskstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EncodeData serializes a single data record to its on-disk form:
//
//	[crc32(4)][timestamp(4)][keySize(2)][valueSize(4)][key][value]
//
// The CRC covers every byte after the CRC field itself.
func EncodeData(key, value []byte, ts uint32) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if len(key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds %d", ErrInvalidArgument, len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds %d", ErrInvalidArgument, len(value), MaxValueSize)
	}

	total := HeaderSize + len(key) + len(value)
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(value)))
	copy(buf[HeaderSize:HeaderSize+len(key)], key)
	copy(buf[HeaderSize+len(key):], value)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)

	return buf, nil
}

// DecodeHeader parses the fixed-size header prefix of a data record.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(buf), HeaderSize)
	}
	return Header{
		CRC:       binary.BigEndian.Uint32(buf[0:4]),
		Timestamp: binary.BigEndian.Uint32(buf[4:8]),
		KeySize:   binary.BigEndian.Uint16(buf[8:10]),
		ValueSize: binary.BigEndian.Uint32(buf[10:14]),
	}, nil
}

// VerifyAndDecode decodes a full record buffer (header + key + value),
// verifying its CRC. The returned Record's Key and Value are copies that do
// not alias buf.
func VerifyAndDecode(buf []byte) (*Record, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	want := int(hdr.KeySize) + int(hdr.ValueSize)
	if len(buf) < HeaderSize+want {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(buf), HeaderSize+want)
	}

	crc := crc32.ChecksumIEEE(buf[4 : HeaderSize+want])
	if crc != hdr.CRC {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupt, hdr.CRC, crc)
	}

	key := make([]byte, hdr.KeySize)
	copy(key, buf[HeaderSize:HeaderSize+int(hdr.KeySize)])
	value := make([]byte, hdr.ValueSize)
	copy(value, buf[HeaderSize+int(hdr.KeySize):HeaderSize+want])

	return &Record{Header: hdr, Key: key, Value: value}, nil
}

// DecodeUnverified parses a full record buffer (header + key + value)
// without checking its CRC, failing only if buf is too short for the
// sizes the header itself declares. Recovery uses this to tell a torn
// trailing record (genuinely missing bytes, which halts the scan) apart
// from a corrupt-but-complete one, which still gets installed into the
// index so a later Get runs the real VerifyAndDecode and surfaces
// ErrCorrupt instead of silently vanishing.
func DecodeUnverified(buf []byte) (*Record, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	want := int(hdr.KeySize) + int(hdr.ValueSize)
	if len(buf) < HeaderSize+want {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(buf), HeaderSize+want)
	}

	key := make([]byte, hdr.KeySize)
	copy(key, buf[HeaderSize:HeaderSize+int(hdr.KeySize)])
	value := make([]byte, hdr.ValueSize)
	copy(value, buf[HeaderSize+int(hdr.KeySize):HeaderSize+want])

	return &Record{Header: hdr, Key: key, Value: value}, nil
}

// DataPayloadLen returns the number of key+value bytes that follow a data
// record header, for use as the recordLen callback of ioengine.Scan.
func DataPayloadLen(header []byte) (int, error) {
	hdr, err := DecodeHeader(header)
	if err != nil {
		return 0, err
	}
	return int(hdr.KeySize) + int(hdr.ValueSize), nil
}

// HintPayloadLen returns the number of key bytes that follow a hint record
// header, for use as the recordLen callback of ioengine.Scan.
func HintPayloadLen(header []byte) (int, error) {
	if len(header) < HintHeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(header), HintHeaderSize)
	}
	keySize := binary.BigEndian.Uint16(header[4:6])
	return int(keySize), nil
}

// RecordLength returns the total on-disk length of a record given its
// header, i.e. HeaderSize + keySize + valueSize.
func RecordLength(hdr Header) int64 {
	return int64(HeaderSize) + int64(hdr.KeySize) + int64(hdr.ValueSize)
}

// EncodeHint serializes a hint-file entry:
//
//	[timestamp(4)][keySize(2)][valueSize(4)][pos(4)][key]
func EncodeHint(key []byte, ts uint32, valueSize uint32, pos uint32) []byte {
	buf := make([]byte, HintHeaderSize+len(key))
	binary.BigEndian.PutUint32(buf[0:4], ts)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[6:10], valueSize)
	binary.BigEndian.PutUint32(buf[10:14], pos)
	copy(buf[HintHeaderSize:], key)
	return buf
}

// DecodeHint parses one hint record from the front of buf, returning the
// record and the number of bytes it consumed.
func DecodeHint(buf []byte) (HintRecord, int, error) {
	if len(buf) < HintHeaderSize {
		return HintRecord{}, 0, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(buf), HintHeaderSize)
	}
	keySize := binary.BigEndian.Uint16(buf[4:6])
	total := HintHeaderSize + int(keySize)
	if len(buf) < total {
		return HintRecord{}, 0, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, len(buf), total)
	}
	key := make([]byte, keySize)
	copy(key, buf[HintHeaderSize:total])
	hr := HintRecord{
		Timestamp: binary.BigEndian.Uint32(buf[0:4]),
		KeySize:   keySize,
		ValueSize: binary.BigEndian.Uint32(buf[6:10]),
		Pos:       binary.BigEndian.Uint32(buf[10:14]),
		Key:       key,
	}
	return hr, total, nil
}
