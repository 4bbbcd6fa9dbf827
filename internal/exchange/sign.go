// sign.go implements request signing for the Binance USDⓈ-M futures API.
//
// Signed endpoints take the full query string (timestamp and recvWindow
// included), HMAC-SHA256 it with the API secret, and append the hex digest
// as signature=. The API key travels in the X-MBX-APIKEY header.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const recvWindowMs = 5000

// Sign returns the hex HMAC-SHA256 digest of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery stamps timestamp + recvWindow onto params and appends the
// signature computed over the encoded query string.
func signedQuery(secret string, params url.Values, now time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	encoded := params.Encode()
	return encoded + "&signature=" + Sign(secret, encoded)
}
