package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

var (
	ErrInvalidStorageID = errors.New("storage: invalid storage id")
	ErrStorageNotFound  = errors.New("storage: no such storage")
	ErrStorageExists    = errors.New("storage: storage already exists")
	// ErrPageMoved: the resolved page was migrated; the caller retries the
	// pointer follow.
	ErrPageMoved = errors.New("storage: page moved")
)

// Type is the closed enumeration of storage kinds.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeArray
	TypeHash
	TypeMasstree
	TypeSequential
)

func (t Type) String() string {
	switch t {
	case TypeArray:
		return "array"
	case TypeHash:
		return "hash"
	case TypeMasstree:
		return "masstree"
	case TypeSequential:
		return "sequential"
	}
	return "unknown"
}

func (t Type) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "array":
		*t = TypeArray
	case "hash":
		*t = TypeHash
	case "masstree":
		*t = TypeMasstree
	case "sequential":
		*t = TypeSequential
	default:
		return fmt.Errorf("storage: unknown storage type %q", s)
	}
	return nil
}

// Metadata describes one storage. Type-specific fields are meaningful only
// for their kind and omitted from documents otherwise.
type Metadata struct {
	ID   common.StorageID `json:"id"`
	Type Type             `json:"type"`
	Name string           `json:"name"`

	// array
	ArraySize   uint64 `json:"array_size,omitempty"`
	PayloadSize uint16 `json:"payload_size,omitempty"`

	// hash
	BinBits uint8 `json:"bin_bits,omitempty"`
}

const (
	MinHashBinBits = 8
	MaxHashBinBits = 63
)

func (m *Metadata) Validate() error {
	if m.Name == "" {
		return errors.New("storage: metadata needs a name")
	}
	switch m.Type {
	case TypeArray:
		if m.ArraySize == 0 {
			return errors.New("storage: array size must be positive")
		}
		if m.PayloadSize == 0 {
			return errors.New("storage: array payload size must be positive")
		}
	case TypeHash:
		if m.BinBits < MinHashBinBits || m.BinBits > MaxHashBinBits {
			return fmt.Errorf("storage: hash bin_bits %d out of [%d, %d]",
				m.BinBits, MinHashBinBits, MaxHashBinBits)
		}
	case TypeMasstree, TypeSequential:
	default:
		return fmt.Errorf("storage: unknown storage type %d", m.Type)
	}
	return nil
}

// Status is the lifecycle state of a storage control block.
type Status uint32

const (
	StatusNotCreated Status = iota
	StatusExists
	StatusMarkedForDeath
)

func (s Status) String() string {
	switch s {
	case StatusNotCreated:
		return "NOT_CREATED"
	case StatusExists:
		return "EXISTS"
	case StatusMarkedForDeath:
		return "MARKED_FOR_DEATH"
	}
	return "Status(?)"
}
