package attestation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// ParseAnchorDocument decodes a published measurement document. The document
// is a JSON object mapping decimal register indices to hex digests, for
// example {"0":"ab..","8":"cd.."}.
func ParseAnchorDocument(data []byte) (interfaces.MeasurementMap, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode anchor document: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("anchor document pins no registers")
	}

	published, err := interfaces.ParseMeasurementMap(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor document: %w", err)
	}
	return published, nil
}

// EncodeAnchorDocument encodes a measurement set into the published document
// format.
func EncodeAnchorDocument(measurements interfaces.MeasurementMap) ([]byte, error) {
	if len(measurements) == 0 {
		return nil, errors.New("refusing to encode an empty anchor document")
	}
	return json.MarshalIndent(measurements.Encode(), "", "  ")
}
