package log

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// Frame layout: u32 body length | u16 code | u32 storage id | u64 xct id | body.
const frameHeaderSize = 4 + 2 + 4 + 8

func Marshal(e Entry) []byte {
	body := e.marshalBody()
	h := e.Header()

	buf := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(body)))
	binary.LittleEndian.PutUint16(buf[4:], uint16(h.Code))
	binary.LittleEndian.PutUint32(buf[6:], uint32(h.StorageID))
	binary.LittleEndian.PutUint64(buf[10:], uint64(h.XctID))
	copy(buf[frameHeaderSize:], body)
	return buf
}

// Unmarshal reads one entry from r. Returns io.EOF at a clean end of stream.
func Unmarshal(r io.Reader) (Entry, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("log: truncated frame header: %w", err)
		}
		return nil, err
	}

	bodyLen := binary.LittleEndian.Uint32(head[0:])
	header := EntryHeader{
		Code:      Code(binary.LittleEndian.Uint16(head[4:])),
		StorageID: common.StorageID(binary.LittleEndian.Uint32(head[6:])),
		XctID:     common.XctID(binary.LittleEndian.Uint64(head[10:])),
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("log: truncated frame body: %w", err)
	}

	switch header.Code {
	case CodeCreateStorage:
		if len(body) < 12 {
			return nil, fmt.Errorf("log: short create-storage body: %d bytes", len(body))
		}
		e := &CreateStorageEntry{header: header}
		e.StorageType = body[0]
		e.BinBits = body[1]
		e.PayloadSize = binary.LittleEndian.Uint16(body[2:])
		e.ArraySize = binary.LittleEndian.Uint64(body[4:])
		e.Name = string(body[12:])
		return e, nil
	case CodeDropStorage:
		return &DropStorageEntry{header: header}, nil
	case CodeArrayOverwrite:
		if len(body) < 8 {
			return nil, fmt.Errorf("log: short array-overwrite body: %d bytes", len(body))
		}
		e := &ArrayOverwriteEntry{header: header}
		e.Offset = binary.LittleEndian.Uint64(body[0:])
		e.Payload = body[8:]
		return e, nil
	case CodeSequentialAppend:
		return &SequentialAppendEntry{header: header, Payload: body}, nil
	case CodeMasstreeUpsert:
		if len(body) < 2 {
			return nil, fmt.Errorf("log: short masstree-upsert body: %d bytes", len(body))
		}
		keyLen := int(binary.LittleEndian.Uint16(body[0:]))
		if len(body) < 2+keyLen {
			return nil, fmt.Errorf("log: masstree-upsert key overruns body")
		}
		e := &MasstreeUpsertEntry{header: header}
		e.RecKey = body[2 : 2+keyLen]
		e.Payload = body[2+keyLen:]
		return e, nil
	case CodeMasstreeDelete:
		return &MasstreeDeleteEntry{header: header, RecKey: body}, nil
	default:
		return nil, fmt.Errorf("log: unknown log code %d", header.Code)
	}
}

func (e *CreateStorageEntry) marshalBody() []byte {
	body := make([]byte, 12+len(e.Name))
	body[0] = e.StorageType
	body[1] = e.BinBits
	binary.LittleEndian.PutUint16(body[2:], e.PayloadSize)
	binary.LittleEndian.PutUint64(body[4:], e.ArraySize)
	copy(body[12:], e.Name)
	return body
}

func (e *DropStorageEntry) marshalBody() []byte { return nil }

func (e *ArrayOverwriteEntry) marshalBody() []byte {
	body := make([]byte, 8+len(e.Payload))
	binary.LittleEndian.PutUint64(body[0:], e.Offset)
	copy(body[8:], e.Payload)
	return body
}

func (e *SequentialAppendEntry) marshalBody() []byte { return e.Payload }

func (e *MasstreeUpsertEntry) marshalBody() []byte {
	body := make([]byte, 2+len(e.RecKey)+len(e.Payload))
	binary.LittleEndian.PutUint16(body[0:], uint16(len(e.RecKey)))
	copy(body[2:], e.RecKey)
	copy(body[2+len(e.RecKey):], e.Payload)
	return body
}

func (e *MasstreeDeleteEntry) marshalBody() []byte { return e.RecKey }
