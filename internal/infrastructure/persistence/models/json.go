package models

import (
	"encoding/json"

	"go.uber.org/zap"
)

// logger for model conversion errors (silent failures are logged for debugging)
var modelLogger = zap.L().Named("persistence.models")

// encodeJSON serializes v for a JSON column, returning fallback when v cannot be encoded
func encodeJSON(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		modelLogger.Warn("failed to encode JSON column", zap.Error(err))
		return fallback
	}
	return string(data)
}

// decodeJSON parses a JSON column into dest. Empty and null columns leave dest untouched.
func decodeJSON(raw, column string, dest any) {
	if raw == "" || raw == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		modelLogger.Warn("failed to parse JSON column",
			zap.String("column", column),
			zap.String("raw_json", raw),
			zap.Error(err))
	}
}

// optionalJSON serializes v for a nullable JSON column, returning nil when absent
func optionalJSON(present bool, v any) *string {
	if !present {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		modelLogger.Warn("failed to encode JSON column", zap.Error(err))
		return nil
	}
	raw := string(data)
	return &raw
}

func decodeOptionalJSON(raw *string, column string, dest any) {
	if raw == nil {
		return
	}
	decodeJSON(*raw, column, dest)
}
