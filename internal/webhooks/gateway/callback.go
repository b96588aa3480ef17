package gatewaywebhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	statusOK  = "OK"
	statusNOK = "NOK"
)

// Callback is the body the gateway posts after a payer leaves the payment page.
type Callback struct {
	Authority string      `json:"authority"`
	Status    string      `json:"status"`
	RefID     flexString  `json:"ref_id,omitempty"`
	CardHash  string      `json:"card_hash,omitempty"`
	CardPan   string      `json:"card_pan,omitempty"`
	Fee       optionalFee `json:"fee,omitempty"`
	FeeType   string      `json:"fee_type,omitempty"`
}

// Succeeded reports whether the gateway claims success. The claim is never trusted on its own.
func (c Callback) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(c.Status), statusOK)
}

// EventType derives the audit label stored with the raw payload.
func (c Callback) EventType() string {
	switch strings.ToUpper(strings.TrimSpace(c.Status)) {
	case statusOK:
		return "payment.callback.ok"
	case statusNOK:
		return "payment.callback.nok"
	default:
		return "payment.callback.unknown"
	}
}

// flexString accepts the gateway's reference id as either a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// optionalFee accepts a fee sent as a number or a numeric string. Anything else, including "" and
// null, leaves it unset instead of failing the whole callback.
type optionalFee struct {
	value int64
	set   bool
}

func (f *optionalFee) UnmarshalJSON(data []byte) error {
	*f = optionalFee{}
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	*f = optionalFee{value: v, set: true}
	return nil
}

// Value returns the fee and whether the gateway sent a usable one.
func (f optionalFee) Value() (int64, bool) {
	return f.value, f.set
}
