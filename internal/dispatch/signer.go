package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Sign returns the signature header value for payload sent at unix seconds.
func Sign(secret string, unix int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac(secret, unix, payload)))
}

// Verify checks a header produced by Sign. Receivers use the same routine.
func Verify(secret, header string, payload []byte) bool {
	var (
		unix int64
		sig  []byte
		err  error
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return false
		}
		switch key {
		case "t":
			unix, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
		case "v1":
			sig, err = hex.DecodeString(value)
			if err != nil {
				return false
			}
		}
	}
	if unix == 0 || len(sig) == 0 {
		return false
	}
	return hmac.Equal(sig, mac(secret, unix, payload))
}

func mac(secret string, unix int64, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(unix, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}
