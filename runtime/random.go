package runtime

import (
	"math/rand"

	"github.com/sbl8/staticnn/model"
)

// RandomInput returns a deterministic input for g, uniform in [-1, 1).
func RandomInput(g *model.Graph, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	input := make([]float32, g.InputArray().Count)
	for i := range input {
		input[i] = rng.Float32()*2 - 1
	}
	return input
}
