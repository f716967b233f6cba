package reference

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixFunding  = "FUND"
	PrefixPurchase = "BPY"
	PrefixRefund   = "RFD"
)

// Generator выдаёт сортируемые по времени ссылки вида PREFIX-<ULID>
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (g *Generator) New(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if p == "" {
		return id.String()
	}
	return fmt.Sprintf("%s-%s", p, id.String())
}

// Parse возвращает префикс и время создания ссылки
func Parse(ref string) (string, time.Time, error) {
	prefix, raw := "", ref
	if i := strings.LastIndex(ref, "-"); i >= 0 {
		prefix, raw = ref[:i], ref[i+1:]
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return prefix, ulid.Time(id.Time()), nil
}
