package gateway

import (
	"bytes"
	"encoding/json"
)

// referenceID accepts the provider reference either as a JSON number or a string.
type referenceID string

func (r *referenceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = referenceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = referenceID(n.String())
	return nil
}
