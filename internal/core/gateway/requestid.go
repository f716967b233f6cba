package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"
)

// провайдер требует в начале request id дату и время по Лагосу (WAT, без перехода на летнее время)
var lagos = time.FixedZone("WAT", 60*60)

const requestIDLayout = "200601021504"

// NewRequestID: YYYYMMDDHHmm по Лагосу + 12 случайных hex символов
func NewRequestID(now time.Time, entropy io.Reader) string {
	if entropy == nil {
		entropy = rand.Reader
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		// crypto/rand не возвращает ошибок на поддерживаемых платформах
		panic(err)
	}
	return now.In(lagos).Format(requestIDLayout) + hex.EncodeToString(buf)
}
