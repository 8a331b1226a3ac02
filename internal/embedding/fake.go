package embedding

import (
	"context"
	"hash/fnv"
)

// Fake is a deterministic, dependency-free Service used by tests and by
// the service when no embedding API key is configured. It derives a vector from the text's hash rather
// than calling any provider.
type Fake struct {
	Dim     int
	FailOn  map[string]struct{}
}

// NewFake builds a Fake embedding service producing dim-wide vectors.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Fake{Dim: dim, FailOn: map[string]struct{}{}}
}

// Embed deterministically derives a vector from text so repeated calls on
// identical input are reproducible in tests.
func (f *Fake) Embed(_ context.Context, text, model string) ([]float32, error) {
	if _, fail := f.FailOn[text]; fail {
		return nil, wrapFailure(model, errFakeFailure)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, f.Dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed%2001)-1000) / 1000
	}
	return vec, nil
}

var errFakeFailure = fakeFailureError{}

type fakeFailureError struct{}

func (fakeFailureError) Error() string { return "fake embedding configured to fail for this input" }
