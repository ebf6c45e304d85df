package mssql

import (
	"encoding/json"
	"fmt"

	"warehouse/internal/model"
)

// Column profiles are stored as a JSON document in NVARCHAR(MAX); SQL
// Server's native JSON support is not needed for opaque round-tripping.

func encodeColumns(cols []model.ColumnProfile) (string, error) {
	b, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("encode columns: %w", err)
	}
	return string(b), nil
}

func decodeColumns(s string) ([]model.ColumnProfile, error) {
	var cols []model.ColumnProfile
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, err
	}
	return cols, nil
}
