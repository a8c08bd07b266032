package storage

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// callRecord is the RLP form of a CallRow value in pebble
type callRecord struct {
	BlockHash       string
	ContractAddress string
	Method          string
	ArgsKey         string
	Args            string
	BlockNumber     uint64
	Value           string
	HasProof        bool
	Proof           string
}

// EncodeCallRow encodes a cached call using RLP
func EncodeCallRow(row *CallRow) ([]byte, error) {
	if row == nil {
		return nil, fmt.Errorf("row cannot be nil")
	}

	rec := callRecord{
		BlockHash:       row.BlockHash,
		ContractAddress: row.ContractAddress,
		Method:          row.Method,
		ArgsKey:         row.ArgsKey,
		Args:            row.Args,
		BlockNumber:     row.BlockNumber,
		Value:           row.Value,
	}
	if row.Proof != nil {
		rec.HasProof = true
		rec.Proof = *row.Proof
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &rec); err != nil {
		return nil, fmt.Errorf("failed to encode call row: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCallRow decodes a cached call from RLP
func DecodeCallRow(data []byte) (*CallRow, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var rec callRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode call row: %w", err)
	}

	row := &CallRow{
		BlockHash:       rec.BlockHash,
		ContractAddress: rec.ContractAddress,
		Method:          rec.Method,
		ArgsKey:         rec.ArgsKey,
		Args:            rec.Args,
		BlockNumber:     rec.BlockNumber,
		Value:           rec.Value,
	}
	if rec.HasProof {
		proof := rec.Proof
		row.Proof = &proof
	}
	return row, nil
}
