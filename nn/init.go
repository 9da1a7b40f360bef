package nn

import (
	"math/rand"
	"sync"

	"github.com/gomlx/eager2graph/types/tensors"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(1))
)

// ManualSeed resets the parameter-initialization random stream. Runs with the same
// seed and the same module construction order produce bit-identical parameters --
// the verification stages rely on this.
func ManualSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	rng = rand.New(rand.NewSource(seed))
}

// uniformFill fills the tensor in place with samples from U(low, high), drawn from
// the seeded stream.
func uniformFill(t *tensors.Tensor, low, high float32) {
	rngMu.Lock()
	defer rngMu.Unlock()
	flat := tensors.MutableFlatData[float32](t)
	for ii := range flat {
		flat[ii] = low + rng.Float32()*(high-low)
	}
}
