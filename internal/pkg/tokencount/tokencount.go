package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Estimator counts tokens with the cl100k_base encoding. Reservation
// estimates feed the ledger before the true provider cost is known.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

var (
	instance *Estimator
	once     sync.Once
	loadErr  error
)

// Get returns the process-wide estimator. The encoding tables are loaded
// once; construction failure is sticky.
func Get() (*Estimator, error) {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			loadErr = err
			return
		}
		instance = &Estimator{encoding: enc}
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return instance, nil
}

func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// EstimateTurn approximates the total cost of one turn: the user prompt,
// the retrieved context, and a response allowance. The allowance errs
// high; commit settles the true cost.
func (e *Estimator) EstimateTurn(prompt string, contextTexts []string, responseAllowance int) int {
	total := e.Count(prompt)
	for _, t := range contextTexts {
		total += e.Count(t)
	}
	if responseAllowance <= 0 {
		responseAllowance = 512
	}
	return total + responseAllowance
}
