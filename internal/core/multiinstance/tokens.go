package multiinstance

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// TokenSource produces instance id suffixes.
type TokenSource interface {
	NextToken() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// NextToken implements TokenSource.
func (f TokenFunc) NextToken() string { return f() }

// NewRandomSource returns an unpredictable source of "_xxxxx" suffixes
// (five hex digits) backed by random UUIDs.
func NewRandomSource() TokenSource {
	return TokenFunc(func() string {
		return "_" + uuid.NewString()[:5]
	})
}

// NewSeededSource returns a reproducible source of "_xxxxx" suffixes. The
// same seed always yields the same sequence.
func NewSeededSource(seed int64) TokenSource {
	return &seededSource{rng: rand.New(rand.NewSource(seed))}
}

type seededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *seededSource) NextToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("_%05x", s.rng.Intn(1<<20))
}
